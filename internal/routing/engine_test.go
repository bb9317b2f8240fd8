package routing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/chatrouter/gateway/internal/accuracy"
	"github.com/chatrouter/gateway/internal/agentreg"
	"github.com/chatrouter/gateway/internal/assignment"
	"github.com/chatrouter/gateway/internal/bus"
	"github.com/chatrouter/gateway/internal/config"
	"github.com/chatrouter/gateway/internal/llmgw"
	"github.com/chatrouter/gateway/internal/matcher"
	"github.com/chatrouter/gateway/internal/providers"
	"github.com/chatrouter/gateway/internal/store"
	"github.com/chatrouter/gateway/internal/store/memstore"
)

// recordingBus captures every broadcast event in order.
type recordingBus struct {
	mu     sync.Mutex
	events []bus.Event
}

func (b *recordingBus) Subscribe(id string, h bus.EventHandler) {}
func (b *recordingBus) Unsubscribe(id string)                  {}
func (b *recordingBus) Broadcast(e bus.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *recordingBus) named(name string) []bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bus.Event
	for _, e := range b.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// cannedResponder is a deterministic Responder test double.
type cannedResponder struct {
	mu     sync.Mutex
	calls  int
	result llmgw.Result
	err    error
}

func (r *cannedResponder) Generate(ctx context.Context, sessionID, userText string, images ...providers.ImageContent) (llmgw.Result, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.result, r.err
}

func (r *cannedResponder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fakeHandle implements agentreg.Handle for registry-delivery assertions.
type fakeHandle struct {
	id     string
	mu     sync.Mutex
	events []string
	closed bool
}

func (h *fakeHandle) ID() string { return h.id }
func (h *fakeHandle) SendEvent(name string, payload interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("closed")
	}
	h.events = append(h.events, name)
	return nil
}
func (h *fakeHandle) Close(reason string) {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}
func (h *fakeHandle) received(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e == name {
			return true
		}
	}
	return false
}

type fixture struct {
	ms       *memstore.Gateway
	bus      *recordingBus
	registry *agentreg.Registry
	llm      *cannedResponder
	engine   *Engine
}

func newFixture(t *testing.T, canned []store.PreloadedResponse) *fixture {
	t.Helper()

	ms := memstore.New()
	rb := &recordingBus{}
	registry := agentreg.New()
	m := matcher.New()
	m.Reload(canned)
	llm := &cannedResponder{result: llmgw.Result{
		Text:         "An AI answer.",
		Confidence:   0.9,
		LatencyMs:    12,
		Tokens:       40,
		ResponseType: store.ResponseAI,
	}}
	cfg := config.Default()

	engine := New(ms, assignment.New(ms), registry, m, llm, accuracy.New(ms), rb, cfg, nil)
	return &fixture{ms: ms, bus: rb, registry: registry, llm: llm, engine: engine}
}

func botMessages(msgs []store.Message) []store.Message {
	var out []store.Message
	for _, m := range msgs {
		if m.Sender == store.SenderBot {
			out = append(out, m)
		}
	}
	return out
}

func TestProcess_AISuccess(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.process(context.Background(), "s-1", "What is the VTU portal?", "")

	msgs := f.ms.Messages("s-1")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want user + bot", len(msgs))
	}
	if msgs[0].Sender != store.SenderUser || msgs[1].Sender != store.SenderBot {
		t.Errorf("message order = %s, %s; want user, bot", msgs[0].Sender, msgs[1].Sender)
	}
	if msgs[1].Text != "An AI answer." {
		t.Errorf("bot text = %q", msgs[1].Text)
	}
	if msgs[1].Confidence == nil || *msgs[1].Confidence != 0.9 {
		t.Errorf("bot confidence = %v, want 0.9", msgs[1].Confidence)
	}

	if got := f.bus.named("bot_message"); len(got) != 1 {
		t.Errorf("got %d bot_message events, want exactly 1", len(got))
	}

	recs := f.ms.AccuracyRecords()
	if len(recs) != 1 {
		t.Fatalf("got %d accuracy records, want 1", len(recs))
	}
	if recs[0].ResponseType != store.ResponseAI {
		t.Errorf("accuracy responseType = %s, want ai", recs[0].ResponseType)
	}
}

func TestProcess_UserTurnEmittedBeforeBotTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.process(context.Background(), "s-1", "hi there", "")

	var order []string
	for _, e := range f.bus.events {
		if e.Name == "user_message" || e.Name == "bot_message" {
			order = append(order, e.Name)
		}
	}
	if len(order) != 2 || order[0] != "user_message" || order[1] != "bot_message" {
		t.Errorf("emission order = %v, want user_message then bot_message", order)
	}
}

func TestProcess_PreloadedPrecedence(t *testing.T) {
	f := newFixture(t, []store.PreloadedResponse{
		{Pattern: "hello", MatchType: store.MatchExact, Content: "Hi! How can I help?", Active: true},
	})

	f.engine.process(context.Background(), "s-2", "hello", "")

	if f.llm.callCount() != 0 {
		t.Error("LLM called despite preloaded match")
	}

	bots := botMessages(f.ms.Messages("s-2"))
	if len(bots) != 1 || bots[0].Text != "Hi! How can I help?" {
		t.Fatalf("bot messages = %+v, want one preloaded reply", bots)
	}
	if got := bots[0].Metadata["responseType"]; got != "preloaded" {
		t.Errorf("responseType metadata = %v, want preloaded", got)
	}

	recs := f.ms.AccuracyRecords()
	if len(recs) != 1 || recs[0].ResponseType != store.ResponsePreloaded {
		t.Errorf("accuracy records = %+v, want one preloaded row", recs)
	}
}

func TestProcess_AgentAssigned_NoBotReply(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.ms.EnsureSession(ctx, "s-3", nil); err != nil {
		t.Fatal(err)
	}
	if err := f.ms.AssignAgent(ctx, "s-3", "a-7", true); err != nil {
		t.Fatal(err)
	}
	h := &fakeHandle{id: "h-1"}
	f.registry.Bind("a-7", h)

	f.engine.process(ctx, "s-3", "I still need help", "")

	if !h.received("user_message_for_agent") {
		t.Error("agent handle did not receive user_message_for_agent")
	}
	if f.llm.callCount() != 0 {
		t.Error("LLM called while session was agent-assigned")
	}
	if bots := botMessages(f.ms.Messages("s-3")); len(bots) != 0 {
		t.Errorf("bot messages persisted under pause: %+v", bots)
	}
	if got := f.bus.named("bot_message"); len(got) != 0 {
		t.Error("bot_message emitted under pause")
	}
	// The room echo of the user turn still happens.
	if got := f.bus.named("user_message"); len(got) != 1 {
		t.Errorf("got %d user_message echoes, want 1", len(got))
	}
}

func TestProcess_AgentOffline_NotifiesWithoutBotReply(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.ms.EnsureSession(ctx, "s-4", nil); err != nil {
		t.Fatal(err)
	}
	if err := f.ms.AssignAgent(ctx, "s-4", "a-7", true); err != nil {
		t.Fatal(err)
	}
	// No handle bound: the agent disconnected.

	f.engine.process(ctx, "s-4", "Thanks", "")

	if bots := botMessages(f.ms.Messages("s-4")); len(bots) != 0 {
		t.Errorf("bot replied for offline agent: %+v", bots)
	}

	ns := f.ms.Notifications()
	if len(ns) != 1 || ns[0].Type != "agent_offline" {
		t.Fatalf("notifications = %+v, want one agent_offline", ns)
	}
	if ns[0].SessionID != "s-4" {
		t.Errorf("notification sessionId = %q", ns[0].SessionID)
	}
}

func TestProcess_HumanEscalation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.engine.process(ctx, "s-5", "I want to talk to a human", "")

	rec, err := f.ms.GetSession(ctx, "s-5")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusNeedsHuman {
		t.Errorf("status = %s, want needs_human", rec.Status)
	}
	if f.llm.callCount() != 0 {
		t.Error("LLM called on escalation path")
	}
	if bots := botMessages(f.ms.Messages("s-5")); len(bots) != 1 {
		t.Errorf("got %d bot messages, want one acknowledgement", len(bots))
	}

	ns := f.ms.Notifications()
	if len(ns) != 1 || ns[0].Type != "needs_help" {
		t.Errorf("notifications = %+v, want one needs_help", ns)
	}
}

func TestProcess_Farewell(t *testing.T) {
	f := newFixture(t, []store.PreloadedResponse{
		{Pattern: systemClosingPattern, MatchType: store.MatchExact, Content: "Goodbye! Come back anytime.", Active: true},
	})

	f.engine.process(context.Background(), "s-6", "ok bye", "")

	if f.llm.callCount() != 0 {
		t.Error("LLM called on farewell path")
	}
	bots := botMessages(f.ms.Messages("s-6"))
	if len(bots) != 1 || bots[0].Text != "Goodbye! Come back anytime." {
		t.Errorf("bot messages = %+v, want the farewell", bots)
	}
}

func TestProcess_LLMFallbackPersisted(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.result = llmgw.Result{Text: "We're having trouble right now.", Confidence: 0, ResponseType: store.ResponseFallback}
	f.llm.err = errors.New("provider exploded")

	f.engine.process(context.Background(), "s-7", "anything", "")

	bots := botMessages(f.ms.Messages("s-7"))
	if len(bots) != 1 {
		t.Fatalf("got %d bot messages, want the fallback persisted", len(bots))
	}
	if bots[0].Confidence == nil || *bots[0].Confidence != 0 {
		t.Errorf("fallback confidence = %v, want 0", bots[0].Confidence)
	}

	recs := f.ms.AccuracyRecords()
	if len(recs) != 1 || recs[0].ResponseType != store.ResponseFallback {
		t.Errorf("accuracy records = %+v, want one fallback row", recs)
	}
}

func TestProcess_RateLimited_MarksNeedsHelp(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.result = llmgw.Result{Text: "We're having trouble right now.", Confidence: 0, ResponseType: store.ResponseFallback}
	f.llm.err = &providers.HTTPError{Status: 429, Body: "rate limited"}

	ctx := context.Background()
	f.engine.process(ctx, "s-8", "anything", "")

	rec, err := f.ms.GetSession(ctx, "s-8")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusNeedsHuman {
		t.Errorf("status = %s, want needs_human after rate limit", rec.Status)
	}

	ns := f.ms.Notifications()
	if len(ns) != 1 || ns[0].Type != "needs_help" {
		t.Errorf("notifications = %+v, want one needs_help", ns)
	}
	if got := f.bus.named("bot_message"); len(got) != 1 {
		t.Errorf("got %d bot_message events, want exactly one fallback", len(got))
	}
}

func TestProcess_ClosedSessionRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.ms.SeedSession(store.SessionRecord{SessionID: "s-9", Status: store.StatusClosed})

	f.engine.process(context.Background(), "s-9", "hello again", "")

	if msgs := f.ms.Messages("s-9"); len(msgs) != 0 {
		t.Errorf("closed session accepted messages: %+v", msgs)
	}
	if got := f.bus.named("session_error"); len(got) != 1 {
		t.Errorf("got %d session_error events, want 1", len(got))
	}
}

func TestProcess_Validation(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
		text      string
	}{
		{"empty text", "s-10", "   "},
		{"empty session", "", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.engine.process(context.Background(), tt.sessionID, tt.text, "")

			if got := f.bus.named("session_error"); len(got) != 1 {
				t.Errorf("got %d session_error events, want 1", len(got))
			}
			if msgs := f.ms.Messages(tt.sessionID); len(msgs) != 0 {
				t.Errorf("invalid event persisted messages: %+v", msgs)
			}
		})
	}
}

func TestHumanRequestIntent(t *testing.T) {
	keywords := []string{"agent", "human", "support"}
	verbs := []string{"talk", "speak", "connect", "want", "need"}

	tests := []struct {
		text string
		want bool
	}{
		{"I want to talk to a human", true},
		{"connect me with support", true},
		{"I need an agent", true},
		{"support", false},           // keyword alone
		{"I want pizza", false},      // verb alone
		{"tell me about agents", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := humanRequestIntent(tt.text, keywords, verbs); got != tt.want {
			t.Errorf("humanRequestIntent(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
