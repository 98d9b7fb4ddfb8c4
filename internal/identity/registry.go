package identity

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/synix-dev/dbproxy/internal/buffer"
	"github.com/synix-dev/dbproxy/internal/bus"
	. "github.com/synix-dev/dbproxy/internal/logging"
)

// Registry maps conversation keys ("fingerprint:model") to buffer managers.
// Keying by model as well keeps e.g. a haiku side-channel from sharing state
// with the main opus conversation.
type Registry struct {
	mu            sync.Mutex
	ttl           time.Duration
	conversations map[string]*buffer.Manager
	lastSeen      map[string]time.Time
}

// ResetRequest is the payload of the registry reset bus command.
// An empty Prefix resets every conversation.
type ResetRequest struct {
	Prefix string
	Reason string
}

// NewRegistry creates a registry whose conversations expire after ttl of
// inactivity.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Registry{
		ttl:           ttl,
		conversations: make(map[string]*buffer.Manager),
		lastSeen:      make(map[string]time.Time),
	}
}

// GetOrCreate returns the manager for (fingerprint, model), creating one
// when the conversation is new. Touches the TTL clock either way.
func (r *Registry) GetOrCreate(fingerprint, model string, contextWindow int) *buffer.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fingerprint + ":" + model
	r.lastSeen[key] = time.Now()

	if mgr, ok := r.conversations[key]; ok {
		return mgr
	}

	mgr := buffer.NewManager(fingerprint, model, contextWindow)
	r.conversations[key] = mgr
	L_info("conversation registered", "conv_id", head(fingerprint, 16), "model", model)
	return mgr
}

// Get returns the first conversation whose key starts with prefix, or nil.
// Touches the TTL clock on a hit.
func (r *Registry) Get(prefix string) *buffer.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, mgr := range r.conversations {
		if strings.HasPrefix(key, prefix) {
			r.lastSeen[key] = time.Now()
			return mgr
		}
	}
	return nil
}

// Remove drops every conversation whose key starts with prefix.
func (r *Registry) Remove(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.conversations {
		if strings.HasPrefix(key, prefix) {
			delete(r.conversations, key)
			delete(r.lastSeen, key)
		}
	}
}

// Reset resets the first conversation matching prefix. Returns false when
// nothing matches.
func (r *Registry) Reset(prefix, reason string) bool {
	mgr := r.Get(prefix)
	if mgr == nil {
		return false
	}
	mgr.Reset(reason)
	return true
}

// ResetAll resets every conversation and returns how many were reset.
func (r *Registry) ResetAll(reason string) int {
	managers := r.All()
	for _, mgr := range managers {
		mgr.Reset(reason)
	}
	return len(managers)
}

// ExpireStale removes conversations idle longer than the TTL and returns
// the expired keys. An in-flight checkpoint on an expired conversation is
// left to finish into the dropped manager.
func (r *Registry) ExpireStale() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var expired []string
	for key, seen := range r.lastSeen {
		if now.Sub(seen) > r.ttl {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(r.conversations, key)
		delete(r.lastSeen, key)
		L_info("conversation expired", "key", head(key, 32))
	}
	return expired
}

// All returns a snapshot of the active conversations.
func (r *Registry) All() map[string]*buffer.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]*buffer.Manager, len(r.conversations))
	for key, mgr := range r.conversations {
		out[key] = mgr
	}
	return out
}

// Len returns the number of active conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conversations)
}

// RegisterCommands wires the registry to the command bus so the HTTP API and
// dashboard can trigger resets without holding a registry reference.
func (r *Registry) RegisterCommands() {
	bus.RegisterCommand(bus.ComponentRegistry, bus.CmdReset, r.handleResetCommand)
	bus.RegisterCommand(bus.ComponentRegistry, bus.CmdExpire, r.handleExpireCommand)
}

func (r *Registry) handleResetCommand(cmd bus.Command) bus.CommandResult {
	req, ok := cmd.Payload.(ResetRequest)
	if !ok {
		return bus.CommandResult{
			Error:   fmt.Errorf("reset: unexpected payload %T", cmd.Payload),
			Message: "bad reset payload",
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}

	if req.Prefix == "" {
		n := r.ResetAll(reason)
		return bus.CommandResult{
			Success: true,
			Message: fmt.Sprintf("reset %d conversations", n),
			Data:    n,
		}
	}

	if r.Reset(req.Prefix, reason) {
		return bus.CommandResult{Success: true, Message: "reset", Data: 1}
	}
	return bus.CommandResult{Success: false, Message: "conversation not found"}
}

func (r *Registry) handleExpireCommand(bus.Command) bus.CommandResult {
	expired := r.ExpireStale()
	return bus.CommandResult{
		Success: true,
		Message: fmt.Sprintf("expired %d conversations", len(expired)),
		Data:    expired,
	}
}
