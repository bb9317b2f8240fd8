package assignment

import (
	"context"
	"testing"

	"github.com/chatrouter/gateway/internal/store"
	"github.com/chatrouter/gateway/internal/store/memstore"
)

func TestResolve_DirectColumns(t *testing.T) {
	ms := memstore.New()
	ms.SeedSession(store.SessionRecord{
		SessionID:     "s-1",
		Status:        store.StatusAgentAssigned,
		AssignedAgent: "a-7",
		AIPaused:      true,
	})

	c := New(ms)
	e, err := c.Resolve(context.Background(), "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if e.AgentID != "a-7" || !e.AIPaused {
		t.Errorf("entry = %+v, want a-7/paused", e)
	}
}

func TestResolve_UserMetaMirror(t *testing.T) {
	ms := memstore.New()
	ms.SeedSession(store.SessionRecord{
		SessionID: "s-2",
		Status:    store.StatusActive,
		UserMeta:  map[string]interface{}{"assignedAgent": "a-3", "aiPaused": true},
	})

	c := New(ms)
	e, err := c.Resolve(context.Background(), "s-2")
	if err != nil {
		t.Fatal(err)
	}
	if e.AgentID != "a-3" || !e.AIPaused {
		t.Errorf("entry = %+v, want a-3/paused from userMeta", e)
	}
}

func TestResolve_StatusImpliesPause(t *testing.T) {
	ms := memstore.New()
	ms.SeedSession(store.SessionRecord{
		SessionID: "s-3",
		Status:    store.StatusAgentAssigned,
	})

	c := New(ms)
	e, err := c.Resolve(context.Background(), "s-3")
	if err != nil {
		t.Fatal(err)
	}
	if e.AgentID != "" || !e.AIPaused {
		t.Errorf("entry = %+v, want paused with no known agent", e)
	}
}

func TestResolve_CachesResult(t *testing.T) {
	ms := memstore.New()
	ms.SeedSession(store.SessionRecord{
		SessionID:     "s-4",
		AssignedAgent: "a-1",
		AIPaused:      true,
		Status:        store.StatusAgentAssigned,
	})

	c := New(ms)
	if _, err := c.Resolve(context.Background(), "s-4"); err != nil {
		t.Fatal(err)
	}

	// Break the store: a second resolve must be served from cache.
	ms.Fail = store.ErrUnavailable
	e, err := c.Resolve(context.Background(), "s-4")
	if err != nil {
		t.Fatalf("cached resolve hit the store: %v", err)
	}
	if e.AgentID != "a-1" {
		t.Errorf("entry = %+v", e)
	}
}

func TestResolve_UnknownSession(t *testing.T) {
	c := New(memstore.New())
	if _, err := c.Resolve(context.Background(), "nope"); err == nil {
		t.Error("resolve of unknown session returned no error")
	}
}

func TestSetClear(t *testing.T) {
	c := New(memstore.New())
	c.Set("s-5", Entry{AgentID: "a-9", AIPaused: true})

	if e, ok := c.Get("s-5"); !ok || e.AgentID != "a-9" {
		t.Errorf("Get after Set = %+v, %v", e, ok)
	}

	c.Clear("s-5")
	if _, ok := c.Get("s-5"); ok {
		t.Error("entry survived Clear")
	}
}
