// Package agentreg is the agent registry: a process-wide map from
// agentId to its live socket handle, with single-handle-per-agent
// eviction and presence queries. All mutation goes through guarded
// methods.
package agentreg

import (
	"log/slog"
	"sync"
)

// Handle is anything the registry can deliver an event to and evict.
// Satisfied by *gateway.Client.
type Handle interface {
	ID() string
	SendEvent(name string, payload interface{}) error
	Close(reason string)
}

// Registry is the concrete, guarded Agent Registry singleton.
type Registry struct {
	mu      sync.RWMutex
	byAgent map[string]Handle
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byAgent: make(map[string]Handle)}
}

// Bind associates agentID with handle. If a prior handle was bound to the
// same agentID, it is sent "agent_superseded" and closed before the new
// handle takes its place, so an agent never holds two live handles.
// Atomic with respect to other Bind/Unbind calls.
func (r *Registry) Bind(agentID string, handle Handle) {
	r.mu.Lock()
	prior, had := r.byAgent[agentID]
	r.byAgent[agentID] = handle
	r.mu.Unlock()

	if had && prior.ID() != handle.ID() {
		_ = prior.SendEvent("agent_superseded", map[string]string{"agentId": agentID})
		prior.Close("superseded by a new agent_auth")
		slog.Info("agentreg.superseded", "agentId", agentID)
	}
}

// Unbind removes the mapping for handle, if it is the currently bound
// handle for its agent. Reports whether a mapping was removed: false if
// handle was not the active binding (already superseded).
func (r *Registry) Unbind(agentID string, handle Handle) (removed bool) {
	r.mu.Lock()
	cur, ok := r.byAgent[agentID]
	if ok && cur.ID() == handle.ID() {
		delete(r.byAgent, agentID)
		removed = true
	}
	r.mu.Unlock()
	return removed
}

// Send delivers event/payload to agentID's live handle. Returns true iff
// delivered. There is no queueing: an offline agent means the caller must
// persist the intent elsewhere (session transcript, notification).
func (r *Registry) Send(agentID, event string, payload interface{}) bool {
	r.mu.RLock()
	h, ok := r.byAgent[agentID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := h.SendEvent(event, payload); err != nil {
		slog.Warn("agentreg.send_failed", "agentId", agentID, "event", event, "error", err)
		return false
	}
	return true
}

// Presence reports whether agentID currently has a live handle bound.
func (r *Registry) Presence(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byAgent[agentID]
	return ok
}

// Online returns a snapshot of currently-bound agent ids.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byAgent))
	for id := range r.byAgent {
		out = append(out, id)
	}
	return out
}
