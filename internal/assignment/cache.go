// Package assignment is the assignment cache: a hot,
// process-wide view of each session's {agentId, aiPaused} state, fronting
// the Store Gateway so the Routing Engine never takes a store round trip
// on the common path.
package assignment

import (
	"context"
	"sync"

	"github.com/chatrouter/gateway/internal/store"
)

// Entry is the cached assignment state for one session.
type Entry struct {
	AgentID  string
	AIPaused bool
}

// Cache is the guarded singleton. Invariant: callers must write through
// Set only *after* the Store Gateway has committed the corresponding
// assignment, never before.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	store   store.Gateway
}

// New creates a Cache backed by gw for cold-cache resolution.
func New(gw store.Gateway) *Cache {
	return &Cache{entries: make(map[string]Entry), store: gw}
}

// Get returns the cached entry, or ok=false on a miss.
func (c *Cache) Get(sessionID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[sessionID]
	return e, ok
}

// Set records entry for sessionID.
func (c *Cache) Set(sessionID string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sessionID] = e
}

// Clear removes any cached entry for sessionID.
func (c *Cache) Clear(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
}

// Resolve returns the cached entry, rebuilding it from the Store Gateway
// on a miss by checking, in order: (1) direct columns, (2) userMeta
// mirror, (3) status-implies-aiPaused. The rebuilt entry is cached.
func (c *Cache) Resolve(ctx context.Context, sessionID string) (Entry, error) {
	if e, ok := c.Get(sessionID); ok {
		return e, nil
	}

	rec, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return Entry{}, err
	}

	agentID, aiPaused := rec.ResolveAssignment()
	e := Entry{AgentID: agentID, AIPaused: aiPaused}
	c.Set(sessionID, e)
	return e, nil
}
