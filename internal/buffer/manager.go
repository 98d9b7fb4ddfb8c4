package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/synix-dev/dbproxy/internal/bus"
	. "github.com/synix-dev/dbproxy/internal/logging"
	"github.com/synix-dev/dbproxy/internal/tokens"
	"github.com/synix-dev/dbproxy/internal/wire"
)

// Sentinel errors callers branch on.
var (
	ErrNotSwapReady        = errors.New("buffer: swap requested outside SWAP_READY")
	ErrNoCheckpointContext = errors.New("buffer: no request snapshot for checkpoint")
)

// Default thresholds; the handler overwrites them from live config on every
// request.
const (
	defaultCheckpointThreshold = 0.60
	defaultSwapThreshold       = 0.80
	defaultCompactTrigger      = 50_000
)

// Manager tracks one conversation-model pair through the double-buffer
// lifecycle. All state is guarded by mu; phase transitions for a manager are
// totally ordered.
type Manager struct {
	convID string
	model  string

	mu    sync.Mutex
	phase Phase

	contextWindow    int
	totalInputTokens int

	checkpointThreshold  float64
	swapThreshold        float64
	compactTriggerTokens int

	// Checkpoint state. content is non-empty exactly while the phase is in
	// {WAL_ACTIVE, SWAP_READY, SWAP_EXECUTING}; anchor is the exclusive end
	// index of the summarized messages (0 = unset).
	checkpointContent string
	checkpointAnchor  int
	checkpointTask    *Task

	// Snapshot of the most recent inbound request, input for checkpoint calls.
	authHeaders  map[string]string
	queryString  string
	system       any
	tools        []any
	lastMessages []wire.Obj

	// Retained after swap clears live state, for the dashboard detail view.
	lastCheckpointContent string
	lastSwapMessages      []wire.Obj
	lastSwapAnchor        int

	upstream Doer
}

// NewManager creates an IDLE manager for the conversation-model pair.
func NewManager(convID, model string, contextWindow int) *Manager {
	return &Manager{
		convID:               convID,
		model:                model,
		phase:                PhaseIdle,
		contextWindow:        contextWindow,
		checkpointThreshold:  defaultCheckpointThreshold,
		swapThreshold:        defaultSwapThreshold,
		compactTriggerTokens: defaultCompactTrigger,
	}
}

// SetUpstream installs the client used for checkpoint calls.
func (m *Manager) SetUpstream(d Doer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upstream = d
}

// Configure applies the live threshold configuration. Called per request so
// hot reloads take effect without restarting conversations.
func (m *Manager) Configure(checkpointThreshold, swapThreshold float64, compactTriggerTokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if checkpointThreshold > 0 && swapThreshold > checkpointThreshold && swapThreshold <= 1 {
		m.checkpointThreshold = checkpointThreshold
		m.swapThreshold = swapThreshold
	}
	if compactTriggerTokens > 0 {
		m.compactTriggerTokens = compactTriggerTokens
	}
}

// ConvID returns the conversation fingerprint.
func (m *Manager) ConvID() string { return m.convID }

// Model returns the model name.
func (m *Manager) Model() string { return m.model }

// Key returns the registry key.
func (m *Manager) Key() string { return m.convID + ":" + m.model }

// IDPrefix returns the 16-char fingerprint prefix used in logs and headers.
func (m *Manager) IDPrefix() string { return m.idPrefix() }

func (m *Manager) idPrefix() string {
	if len(m.convID) <= 16 {
		return m.convID
	}
	return m.convID[:16]
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Utilization returns total input tokens over the context window.
func (m *Manager) Utilization() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utilizationLocked()
}

func (m *Manager) utilizationLocked() float64 {
	if m.contextWindow <= 0 {
		return 0
	}
	return float64(m.totalInputTokens) / float64(m.contextWindow)
}

// TotalInputTokens returns the input-token count of the latest response.
func (m *Manager) TotalInputTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalInputTokens
}

// CheckpointContent returns the precomputed summary, if one is stored.
func (m *Manager) CheckpointContent() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointContent, m.checkpointContent != ""
}

// CheckpointAnchor returns the anchor index, 0 when unset.
func (m *Manager) CheckpointAnchor() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointAnchor
}

// UpdateFromRequest snapshots the inbound request so a later background
// checkpoint can replay its auth and context.
func (m *Manager) UpdateFromRequest(meta wire.RequestMeta, authHeaders map[string]string, queryString string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := len(m.lastMessages)
	m.authHeaders = authHeaders
	m.queryString = queryString
	m.system = meta.System
	m.tools = meta.Tools
	m.lastMessages = meta.Messages
	if len(meta.Messages) > prev {
		m.publishAppendLocked(prev, meta.Messages[prev:])
	}
}

// publishAppendLocked emits newly appended messages for the telemetry store.
func (m *Manager) publishAppendLocked(startIndex int, appended []wire.Obj) {
	batch := make([]map[string]any, 0, len(appended))
	for i, msg := range appended {
		text := wire.FlattenText(msg)
		batch = append(batch, map[string]any{
			"index":          startIndex + i,
			"role":           msg.StrOr("role", "unknown"),
			"content_json":   compactJSON(msg),
			"token_estimate": tokens.Estimate(text),
		})
	}
	bus.PublishEventWithSource(bus.TopicMessageAppend, map[string]any{
		"key":      m.convID + ":" + m.model,
		"conv_id":  m.idPrefix(),
		"messages": batch,
	}, "buffer")
}

// UpdateTokens records the input-token total from an upstream response's
// usage block.
func (m *Manager) UpdateTokens(usage wire.Obj) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalInputTokens = wire.TotalInputTokens(usage)
	L_info("buffer: tokens updated",
		"conv_id", m.idPrefix(),
		"total", m.totalInputTokens,
		"utilization", fmt.Sprintf("%.1f%%", m.utilizationLocked()*100),
		"phase", string(m.phase),
	)
	m.notifyStateLocked()
}

// EvaluateThresholds drives the state machine after a token update. See the
// transition diagram in phase.go; the emergency paths block the calling
// request on a synchronous checkpoint so the next request can swap.
func (m *Manager) EvaluateThresholds(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.utilizationLocked()

	switch {
	case m.phase == PhaseIdle && u >= m.swapThreshold:
		// Jumped past both thresholds in one response. Block on a synchronous
		// checkpoint; one more upstream roundtrip without a ready summary
		// would overflow the window.
		L_warn("buffer: emergency blocking checkpoint",
			"conv_id", m.idPrefix(),
			"utilization", fmt.Sprintf("%.1f%%", u*100),
		)
		m.runBlockingCheckpointLocked(ctx)

	case m.phase == PhaseIdle && u >= m.checkpointThreshold:
		if err := m.transitionLocked(PhaseCheckpointPending, fmt.Sprintf("utilization=%.1f%%", u*100)); err != nil {
			return
		}
		m.startCheckpointLocked()

	case m.phase == PhaseCheckpointPending && u >= m.swapThreshold:
		// Swap threshold hit before the task started. Start it now and block.
		L_warn("buffer: emergency checkpoint await",
			"conv_id", m.idPrefix(),
			"utilization", fmt.Sprintf("%.1f%%", u*100),
		)
		m.startCheckpointLocked()
		m.awaitCheckpointLocked(ctx)
		if m.checkpointContent != "" && m.phase == PhaseWALActive && m.utilizationLocked() >= m.swapThreshold {
			m.transitionLocked(PhaseSwapReady, "emergency_swap_ready") //nolint:errcheck
		}

	case m.phase == PhaseWALActive && u >= m.swapThreshold:
		m.transitionLocked(PhaseSwapReady, fmt.Sprintf("utilization=%.1f%%", u*100)) //nolint:errcheck

	case m.phase == PhaseCheckpointing:
		task := m.checkpointTask
		if task != nil && task.Completed() {
			m.finalizeCheckpointLocked(task)
			if m.phase == PhaseWALActive && u >= m.swapThreshold {
				m.transitionLocked(PhaseSwapReady, fmt.Sprintf("utilization=%.1f%%", u*100)) //nolint:errcheck
			}
		} else if u >= m.swapThreshold {
			L_warn("buffer: emergency await of running checkpoint",
				"conv_id", m.idPrefix(),
				"utilization", fmt.Sprintf("%.1f%%", u*100),
			)
			m.awaitCheckpointLocked(ctx)
			if m.checkpointContent != "" && m.phase == PhaseWALActive {
				m.transitionLocked(PhaseSwapReady, "emergency_swap_ready") //nolint:errcheck
			}
		}
	}
}

// ShouldSwap reports whether the next request should be intercepted.
func (m *Manager) ShouldSwap() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseSwapReady
}

// TakeSwap executes a swap when the manager is SWAP_READY, or when it is
// WAL_ACTIVE with a stored checkpoint and utilization past the swap
// threshold (saving a wasted upstream roundtrip). Returns (nil, false) when
// no swap applies.
func (m *Manager) TakeSwap(stream bool) (*Response, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == PhaseWALActive && m.checkpointContent != "" &&
		m.utilizationLocked() >= m.swapThreshold {
		L_info("buffer: immediate swap",
			"conv_id", m.idPrefix(),
			"utilization", fmt.Sprintf("%.1f%%", m.utilizationLocked()*100),
		)
		if err := m.transitionLocked(PhaseSwapReady, "immediate_swap"); err != nil {
			return nil, false
		}
	}
	if m.phase != PhaseSwapReady {
		return nil, false
	}

	resp, err := m.executeSwapLocked(stream)
	if err != nil {
		return nil, false
	}
	return resp, true
}

// ExecuteSwap performs the buffer swap. Only valid in SWAP_READY.
func (m *Manager) ExecuteSwap(stream bool) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseSwapReady {
		return nil, fmt.Errorf("%w (phase %s)", ErrNotSwapReady, m.phase)
	}
	return m.executeSwapLocked(stream)
}

// HandleClientCompact resolves a client-initiated compact request. Returns
// the synthetic response, or nil when the request should be forwarded to the
// upstream (no checkpoint available yet).
func (m *Manager) HandleClientCompact(ctx context.Context, stream bool) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseSwapReady:
		// Replay the stored checkpoint below.
	case PhaseWALActive:
		if err := m.transitionLocked(PhaseSwapReady, "client_compact_early_swap"); err != nil {
			return nil, err
		}
	case PhaseCheckpointing:
		L_info("buffer: client compact awaiting checkpoint", "conv_id", m.idPrefix())
		m.awaitCheckpointLocked(ctx)
		if m.checkpointContent != "" && m.phase == PhaseWALActive {
			if err := m.transitionLocked(PhaseSwapReady, "client_compact_after_checkpoint"); err != nil {
				return nil, err
			}
		}
	}

	if m.phase != PhaseSwapReady {
		L_info("buffer: client compact forwarded to upstream",
			"conv_id", m.idPrefix(), "phase", string(m.phase))
		return nil, nil
	}

	L_info("buffer: client compact intercepted", "conv_id", m.idPrefix())
	return m.executeSwapLocked(stream)
}

// Reset cancels any in-flight checkpoint and forces the manager back to
// IDLE. Token count is kept; the next response overwrites it anyway.
func (m *Manager) Reset(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.checkpointTask != nil {
		m.checkpointTask.cancel()
		m.checkpointTask = nil
	}
	if m.phase != PhaseIdle {
		m.transitionLocked(PhaseIdle, "reset:"+reason) //nolint:errcheck
	}
	m.checkpointContent = ""
	m.checkpointAnchor = 0
	m.notifyStateLocked()
}

// StateMap serializes the manager for the dashboard and telemetry store.
func (m *Manager) StateMap() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateMapLocked()
}

func (m *Manager) stateMapLocked() map[string]any {
	var anchor any
	if m.checkpointAnchor > 0 {
		anchor = m.checkpointAnchor
	}
	return map[string]any{
		"key":                     m.convID + ":" + m.model,
		"conv_id":                 m.idPrefix(),
		"model":                   m.model,
		"phase":                   string(m.phase),
		"utilization":             m.utilizationLocked(),
		"total_input_tokens":      m.totalInputTokens,
		"context_window":          m.contextWindow,
		"checkpoint_ready":        m.checkpointContent != "",
		"checkpoint_anchor_index": anchor,
		"message_count":           len(m.lastMessages),
	}
}

// DetailMap serializes full state for the dashboard detail view, including
// per-message previews and the last pre-swap snapshot.
func (m *Manager) DetailMap() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := m.stateMapLocked()

	previews := make([]map[string]any, 0, len(m.lastMessages))
	for _, msg := range m.lastMessages {
		previews = append(previews, previewMessage(msg))
	}
	result["messages"] = previews

	visible := m.checkpointContent
	if visible == "" {
		visible = m.lastCheckpointContent
	}
	result["checkpoint_content"] = visible
	if m.checkpointAnchor > 0 {
		result["wal_start_index"] = m.checkpointAnchor
	} else {
		result["wal_start_index"] = nil
	}

	if len(m.lastSwapMessages) > 0 {
		swapPreviews := make([]map[string]any, 0, len(m.lastSwapMessages))
		for _, msg := range m.lastSwapMessages {
			swapPreviews = append(swapPreviews, previewMessage(msg))
		}
		result["last_swap"] = map[string]any{
			"messages":        swapPreviews,
			"wal_start_index": m.lastSwapAnchor,
		}
	}
	return result
}

// previewMessage flattens one message for dashboard display.
func previewMessage(msg wire.Obj) map[string]any {
	role := msg.StrOr("role", "unknown")
	var preview string
	blocks := wire.ContentBlocks(msg)
	if len(blocks) == 0 {
		preview = ""
	} else {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			switch b.Kind {
			case wire.BlockText:
				parts = append(parts, b.TextOf())
			case wire.BlockToolUse:
				name := "?"
				var input wire.Obj
				if b.Raw != nil {
					name = b.Raw.StrOr("name", "?")
					input, _ = b.Raw.Map("input")
				}
				parts = append(parts, "[tool_use: "+name+"]\n"+compactJSON(input))
			case wire.BlockToolResult:
				parts = append(parts, "[tool_result]\n"+toolResultText(b.Raw, 0, 0))
			case wire.BlockCompaction:
				parts = append(parts, "[compaction]\n"+b.TextOf())
			default:
				parts = append(parts, "["+b.Kind+"]")
			}
		}
		preview = joinLines(parts)
	}
	return map[string]any{"role": role, "preview": preview}
}

func joinLines(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}

// publishSwapLocked emits the swap summary for telemetry.
func (m *Manager) publishSwapLocked(walLen, bodyLen int, stream bool) {
	bus.PublishEventWithSource(bus.TopicConversationSwap, map[string]any{
		"key":        m.convID + ":" + m.model,
		"conv_id":    m.idPrefix(),
		"model":      m.model,
		"wal_length": walLen,
		"body_bytes": bodyLen,
		"stream":     stream,
	}, "proxy")
}
