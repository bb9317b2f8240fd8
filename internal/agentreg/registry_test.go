package agentreg

import (
	"errors"
	"sync"
	"testing"
)

type stubHandle struct {
	id     string
	mu     sync.Mutex
	events []string
	closed bool
	broken bool
}

func (h *stubHandle) ID() string { return h.id }
func (h *stubHandle) SendEvent(name string, payload interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.broken {
		return errors.New("send failed")
	}
	h.events = append(h.events, name)
	return nil
}
func (h *stubHandle) Close(reason string) {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}
func (h *stubHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
func (h *stubHandle) got(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e == name {
			return true
		}
	}
	return false
}

func TestBind_SupersedesPriorHandle(t *testing.T) {
	r := New()
	first := &stubHandle{id: "h-1"}
	second := &stubHandle{id: "h-2"}

	r.Bind("a-7", first)
	r.Bind("a-7", second)

	if !first.got("agent_superseded") {
		t.Error("prior handle never received agent_superseded")
	}
	if !first.isClosed() {
		t.Error("prior handle was not closed")
	}
	if second.isClosed() {
		t.Error("new handle was closed")
	}

	if !r.Send("a-7", "ping", nil) {
		t.Fatal("send to rebound agent failed")
	}
	if !second.got("ping") || first.got("ping") {
		t.Error("event delivered to the wrong handle")
	}
}

func TestBind_SameHandleTwiceIsNoop(t *testing.T) {
	r := New()
	h := &stubHandle{id: "h-1"}
	r.Bind("a-1", h)
	r.Bind("a-1", h)

	if h.isClosed() {
		t.Error("rebinding the same handle closed it")
	}
}

func TestUnbind_OnlyRemovesCurrentBinding(t *testing.T) {
	r := New()
	old := &stubHandle{id: "h-1"}
	current := &stubHandle{id: "h-2"}
	r.Bind("a-1", old)
	r.Bind("a-1", current)

	// The superseded handle's disconnect must not evict the live one.
	if removed := r.Unbind("a-1", old); removed {
		t.Error("stale handle unbind reported removal")
	}
	if !r.Presence("a-1") {
		t.Error("live binding lost to a stale unbind")
	}

	if removed := r.Unbind("a-1", current); !removed {
		t.Error("current handle unbind reported no removal")
	}
	if r.Presence("a-1") {
		t.Error("binding survived unbind")
	}
}

func TestSend_OfflineAgent(t *testing.T) {
	r := New()
	if r.Send("ghost", "ping", nil) {
		t.Error("send to unbound agent reported delivery")
	}
}

func TestSend_FailingHandle(t *testing.T) {
	r := New()
	h := &stubHandle{id: "h-1", broken: true}
	r.Bind("a-1", h)

	if r.Send("a-1", "ping", nil) {
		t.Error("send over a broken handle reported delivery")
	}
}

func TestOnline(t *testing.T) {
	r := New()
	r.Bind("a-1", &stubHandle{id: "h-1"})
	r.Bind("a-2", &stubHandle{id: "h-2"})

	online := r.Online()
	if len(online) != 2 {
		t.Errorf("Online() = %v, want two agents", online)
	}
}
