// Package buffer implements the per-conversation double-buffer core: the
// phase state machine, token threshold evaluation, background checkpoint
// orchestration, and swap execution that returns a precomputed summary in
// place of an upstream compaction.
package buffer

import (
	"fmt"

	"github.com/synix-dev/dbproxy/internal/bus"
	. "github.com/synix-dev/dbproxy/internal/logging"
)

// Phase is a buffer lifecycle state.
type Phase string

const (
	PhaseIdle              Phase = "IDLE"
	PhaseCheckpointPending Phase = "CHECKPOINT_PENDING"
	PhaseCheckpointing     Phase = "CHECKPOINTING"
	PhaseWALActive         Phase = "WAL_ACTIVE"
	PhaseSwapReady         Phase = "SWAP_READY"
	PhaseSwapExecuting     Phase = "SWAP_EXECUTING"
)

type phasePair struct {
	from, to Phase
}

// validTransitions is the complete transition set. Anything outside it is a
// programmer error, surfaced as *InvalidTransitionError.
var validTransitions = map[phasePair]bool{
	{PhaseIdle, PhaseCheckpointPending}:          true,
	{PhaseCheckpointPending, PhaseCheckpointing}: true,
	// Emergency: swap threshold hit before the background task started.
	{PhaseCheckpointPending, PhaseWALActive}: true,
	{PhaseCheckpointing, PhaseWALActive}:     true,
	{PhaseWALActive, PhaseSwapReady}:         true,
	{PhaseSwapReady, PhaseSwapExecuting}:     true,
	{PhaseSwapExecuting, PhaseIdle}:          true,
	// Reset / failure paths back to IDLE.
	{PhaseCheckpointPending, PhaseIdle}: true,
	{PhaseCheckpointing, PhaseIdle}:     true,
	{PhaseWALActive, PhaseIdle}:         true,
	{PhaseSwapReady, PhaseIdle}:         true,
}

// InvalidTransitionError reports an attempted transition outside the valid
// set. It indicates a bug in the caller, never bad input.
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition: %s -> %s", e.From, e.To)
}

// ValidTransition reports whether from -> to is in the transition set.
func ValidTransition(from, to Phase) bool {
	return validTransitions[phasePair{from, to}]
}

// transitionLocked moves the manager to the target phase, logging the change
// and publishing the new state on the bus. Callers hold m.mu.
func (m *Manager) transitionLocked(to Phase, trigger string) error {
	from := m.phase
	if !ValidTransition(from, to) {
		err := &InvalidTransitionError{From: from, To: to}
		L_error("buffer: invalid transition attempted",
			"conv_id", m.idPrefix(),
			"from", string(from),
			"to", string(to),
			"trigger", trigger,
		)
		return err
	}

	m.phase = to
	L_info("buffer: phase transition",
		"conv_id", m.idPrefix(),
		"from", string(from),
		"to", string(to),
		"trigger", trigger,
	)
	m.notifyStateLocked()
	return nil
}

// notifyStateLocked publishes the manager's current state for the dashboard
// and telemetry store. Handlers run asynchronously, so this never blocks the
// request path.
func (m *Manager) notifyStateLocked() {
	bus.PublishEventWithSource(bus.TopicConversationState, m.stateMapLocked(), "proxy")
}
