package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chatrouter/gateway/internal/accuracy"
	"github.com/chatrouter/gateway/internal/agentreg"
	"github.com/chatrouter/gateway/internal/assignment"
	"github.com/chatrouter/gateway/internal/auth"
	"github.com/chatrouter/gateway/internal/bus"
	"github.com/chatrouter/gateway/internal/config"
	"github.com/chatrouter/gateway/internal/llmgw"
	"github.com/chatrouter/gateway/internal/matcher"
	"github.com/chatrouter/gateway/internal/providers"
	"github.com/chatrouter/gateway/internal/routing"
	"github.com/chatrouter/gateway/internal/store"
	"github.com/chatrouter/gateway/internal/store/memstore"
)

const devSecret = "test-admin-secret"

type noopResponder struct{}

func (noopResponder) Generate(ctx context.Context, sessionID, userText string, images ...providers.ImageContent) (llmgw.Result, error) {
	return llmgw.Result{Text: "ok", Confidence: 0.9, ResponseType: store.ResponseAI}, nil
}

func newTestServer(t *testing.T) (*Server, *memstore.Gateway) {
	t.Helper()

	ms := memstore.New()
	cfg := config.Default()
	cfg.Auth.AdminSharedSecret = devSecret

	msgBus := bus.NewMessageBus()
	registry := agentreg.New()
	cache := assignment.New(ms)
	recorder := accuracy.New(ms)
	resolver, err := auth.NewResolver(devSecret, "")
	if err != nil {
		t.Fatal(err)
	}

	engine := routing.New(ms, cache, registry, matcher.New(), noopResponder{}, recorder, msgBus, cfg, nil)
	return NewServer(cfg, msgBus, ms, registry, cache, engine, resolver, recorder), ms
}

func TestCheckOrigin(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	if !s.checkOrigin(req) {
		t.Error("no allowlist configured: all origins should pass")
	}

	s.cfg.Gateway.AllowedOrigins = config.FlexibleStringSlice{"https://app.example"}

	if s.checkOrigin(req) {
		t.Error("disallowed origin passed the allowlist")
	}
	req.Header.Set("Origin", "https://app.example")
	if !s.checkOrigin(req) {
		t.Error("allowlisted origin rejected")
	}
	req.Header.Del("Origin")
	if !s.checkOrigin(req) {
		t.Error("non-browser client (no Origin) rejected")
	}
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	s.handleHealth(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestHandleAccuracyFeedback(t *testing.T) {
	s, ms := newTestServer(t)
	mux := s.BuildMux()

	if err := ms.SaveAccuracyRecord(context.Background(), store.AccuracyRecord{
		ID: "acc-1", SessionID: "s-1", AIText: "x", ResponseType: store.ResponseAI,
	}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		token      string
		path       string
		body       string
		wantStatus int
	}{
		{"no token", "", "/accuracy/acc-1/feedback", `{"mark":"helpful"}`, http.StatusForbidden},
		{"bad token", "wrong", "/accuracy/acc-1/feedback", `{"mark":"helpful"}`, http.StatusForbidden},
		{"bad mark", devSecret, "/accuracy/acc-1/feedback", `{"mark":"amazing"}`, http.StatusBadRequest},
		{"malformed body", devSecret, "/accuracy/acc-1/feedback", `{`, http.StatusBadRequest},
		{"unknown record", devSecret, "/accuracy/ghost/feedback", `{"mark":"helpful"}`, http.StatusNotFound},
		{"ok", devSecret, "/accuracy/acc-1/feedback", `{"mark":"unhelpful","note":"off topic"}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
		})
	}

	rec, err := ms.GetAccuracyRecord(context.Background(), "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.HumanMark != store.MarkUnhelpful || rec.Evaluation != "off topic" {
		t.Errorf("record after feedback = %+v", rec)
	}
	if audits := ms.Audits(); len(audits) != 1 {
		t.Errorf("audit rows = %d, want 1", len(audits))
	}
}

func TestHandleSessionsExport(t *testing.T) {
	s, ms := newTestServer(t)
	mux := s.BuildMux()
	ctx := context.Background()

	if _, err := ms.EnsureSession(ctx, "s-1", nil); err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"hi", "hello", "bye"} {
		if err := ms.AppendMessage(ctx, store.Message{SessionID: "s-1", Sender: store.SenderUser, Text: text}); err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/sessions/export", nil)
	req.Header.Set("Authorization", "Bearer "+devSecret)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rr.Code, rr.Body.String())
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"sessionId":"s-1"`) || !strings.Contains(body, `"text":"bye"`) {
		t.Errorf("export body = %s", body)
	}

	// Unauthenticated export is forbidden.
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/sessions/export", nil))
	if rr.Code != http.StatusForbidden {
		t.Errorf("unauthenticated status = %d", rr.Code)
	}
}

func TestExportRateLimit(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.BuildMux()

	var lastStatus int
	// Default config: 5 requests per rolling 60s per admin.
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodGet, "/admin/sessions/export", nil)
		req.Header.Set("Authorization", "Bearer "+devSecret)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		lastStatus = rr.Code
	}
	if lastStatus != http.StatusTooManyRequests {
		t.Errorf("sixth export status = %d, want 429", lastStatus)
	}
}

func TestLiveVisitorSnapshot(t *testing.T) {
	s, _ := newTestServer(t)

	a := &Client{id: "c-1", rooms: map[string]bool{}}
	b := &Client{id: "c-2", rooms: map[string]bool{}}

	s.addLiveVisitor(a, "s-2")
	s.addLiveVisitor(b, "s-1")

	s.mu.Lock()
	snapshot := s.liveVisitorSnapshotLocked()
	s.mu.Unlock()
	if len(snapshot) != 2 || snapshot[0] != "s-1" || snapshot[1] != "s-2" {
		t.Errorf("snapshot = %v, want sorted [s-1 s-2]", snapshot)
	}

	s.removeLiveVisitor(a)
	s.mu.Lock()
	snapshot = s.liveVisitorSnapshotLocked()
	s.mu.Unlock()
	if len(snapshot) != 1 || snapshot[0] != "s-1" {
		t.Errorf("snapshot after removal = %v", snapshot)
	}
}

func TestNewExportRateLimiter(t *testing.T) {
	r := newExportRateLimiter(config.ExportConfig{RateLimitMax: 5, RateLimitWindowSec: 60})
	if !r.Enabled() {
		t.Error("limiter disabled for a positive config")
	}

	if newExportRateLimiter(config.ExportConfig{RateLimitMax: 0}).Enabled() {
		t.Error("limiter enabled with max 0")
	}
}
