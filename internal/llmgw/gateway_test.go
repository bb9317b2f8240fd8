package llmgw

import (
	"context"
	"sync"
	"testing"

	"github.com/chatrouter/gateway/internal/config"
	"github.com/chatrouter/gateway/internal/crypto"
	"github.com/chatrouter/gateway/internal/providers"
	"github.com/chatrouter/gateway/internal/store"
	"github.com/chatrouter/gateway/internal/store/memstore"
)

// scriptedProvider returns canned responses keyed by requested model.
type scriptedProvider struct {
	mu       sync.Mutex
	requests []providers.ChatRequest
	byModel  map[string]*providers.ChatResponse
	errModel map[string]error
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if err, ok := p.errModel[req.Model]; ok {
		return nil, err
	}
	if resp, ok := p.byModel[req.Model]; ok {
		return resp, nil
	}
	return nil, &providers.HTTPError{Status: 404, Body: "unknown model " + req.Model}
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *scriptedProvider) DefaultModel() string { return "M0" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func (p *scriptedProvider) modelsRequested() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.requests))
	for _, r := range p.requests {
		out = append(out, r.Model)
	}
	return out
}

func newTestGateway(t *testing.T, ms *memstore.Gateway, provider providers.Provider, fallbackModels []string) *Gateway {
	t.Helper()

	envelope, err := crypto.NewEnvelope("")
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.LLM.SystemPrompt = "You are a support assistant."
	cfg.LLM.Providers = map[string]config.ProviderConfig{
		"scripted": {Name: "scripted", DefaultModel: "M0", FallbackModels: fallbackModels},
	}

	g := New(ms, envelope, cfg)
	g.newProvider = func(store.LLMSettings, string) providers.Provider { return provider }
	return g
}

func seedSettings(ms *memstore.Gateway) {
	ms.SeedLLMSettings(store.LLMSettings{
		Provider:        "scripted",
		Model:           "M0",
		EncryptedAPIKey: []byte("plaintext-key"),
		IsActive:        true,
	})
}

func TestGenerate_Success(t *testing.T) {
	ms := memstore.New()
	seedSettings(ms)
	ctx := context.Background()

	// Prior transcript plus the already-persisted current turn.
	for _, m := range []store.Message{
		{SessionID: "s-1", Sender: store.SenderUser, Text: "hi"},
		{SessionID: "s-1", Sender: store.SenderBot, Text: "hello"},
		{SessionID: "s-1", Sender: store.SenderUser, Text: "what are your hours?"},
	} {
		if err := ms.AppendMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	p := &scriptedProvider{byModel: map[string]*providers.ChatResponse{
		"M0": {Content: "We're open 9-5.", Usage: &providers.Usage{TotalTokens: 42}},
	}}
	g := newTestGateway(t, ms, p, nil)

	res, err := g.Generate(ctx, "s-1", "what are your hours?")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "We're open 9-5." {
		t.Errorf("text = %q", res.Text)
	}
	if res.Confidence != 0.9 {
		t.Errorf("confidence = %v, want the 0.9 default", res.Confidence)
	}
	if res.Tokens != 42 {
		t.Errorf("tokens = %d, want 42", res.Tokens)
	}
	if res.ResponseType != store.ResponseAI {
		t.Errorf("responseType = %s, want ai", res.ResponseType)
	}

	req := p.requests[0]
	if req.Messages[0].Role != "system" {
		t.Errorf("first turn role = %s, want system", req.Messages[0].Role)
	}
	// The persisted current turn must not appear twice.
	var userTurns int
	for _, m := range req.Messages {
		if m.Role == "user" && m.Content == "what are your hours?" {
			userTurns++
		}
	}
	if userTurns != 1 {
		t.Errorf("current user turn appeared %d times in the prompt, want 1", userTurns)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || last.Content != "what are your hours?" {
		t.Errorf("final turn = %+v, want the current user turn", last)
	}
}

func TestGenerate_ModelNotFoundFailover(t *testing.T) {
	ms := memstore.New()
	seedSettings(ms)

	p := &scriptedProvider{
		byModel: map[string]*providers.ChatResponse{
			"M3": {Content: "Answer from M3."},
		},
		errModel: map[string]error{
			"M0": &providers.HTTPError{Status: 404, Body: "no such model"},
			"M1": &providers.HTTPError{Status: 404, Body: "no such model"},
		},
	}
	g := newTestGateway(t, ms, p, []string{"M1", "M3"})

	ctx := context.Background()
	res, err := g.Generate(ctx, "s-2", "hello")
	if err != nil {
		t.Fatalf("failover did not recover: %v", err)
	}
	if res.Text != "Answer from M3." {
		t.Errorf("text = %q, want the M3 completion", res.Text)
	}

	want := []string{"M0", "M1", "M3"}
	got := p.modelsRequested()
	if len(got) != len(want) {
		t.Fatalf("models requested = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("models requested = %v, want %v", got, want)
		}
	}

	// The in-process active model is now M3; a second call skips the walk.
	if _, err := g.Generate(ctx, "s-2", "again"); err != nil {
		t.Fatal(err)
	}
	models := p.modelsRequested()
	if models[len(models)-1] != "M3" || len(models) != 4 {
		t.Errorf("second call models = %v, want a single direct M3 request", models)
	}
}

func TestGenerate_NonNotFoundErrorsDoNotFailover(t *testing.T) {
	ms := memstore.New()
	seedSettings(ms)

	p := &scriptedProvider{errModel: map[string]error{
		"M0": &providers.HTTPError{Status: 401, Body: "bad key"},
	}}
	g := newTestGateway(t, ms, p, []string{"M1", "M3"})

	res, err := g.Generate(context.Background(), "s-3", "hello")
	if err == nil {
		t.Fatal("auth failure returned no error")
	}
	if res.ResponseType != store.ResponseFallback || res.Confidence != 0 {
		t.Errorf("result = %+v, want zero-confidence fallback", res)
	}
	if got := p.modelsRequested(); len(got) != 1 {
		t.Errorf("models requested = %v, want no cross-model retries on auth failure", got)
	}
}

func TestGenerate_RateLimited(t *testing.T) {
	ms := memstore.New()
	seedSettings(ms)

	p := &scriptedProvider{errModel: map[string]error{
		"M0": &providers.HTTPError{Status: 429, Body: "slow down"},
	}}
	g := newTestGateway(t, ms, p, []string{"M1"})

	res, err := g.Generate(context.Background(), "s-4", "hello")
	if !providers.IsRateLimited(err) {
		t.Fatalf("err = %v, want a rate-limit classification", err)
	}
	if res.ResponseType != store.ResponseFallback {
		t.Errorf("responseType = %s, want fallback", res.ResponseType)
	}
	if got := p.modelsRequested(); len(got) != 1 {
		t.Errorf("models requested = %v, want no failover on rate limit", got)
	}
}

func TestGenerate_NoConfigurationAnywhere(t *testing.T) {
	ms := memstore.New()
	p := &scriptedProvider{}

	envelope, _ := crypto.NewEnvelope("")
	cfg := config.Default() // no providers, no API keys
	g := New(ms, envelope, cfg)
	g.newProvider = func(store.LLMSettings, string) providers.Provider { return p }

	res, err := g.Generate(context.Background(), "s-5", "hello")
	if err == nil {
		t.Fatal("missing configuration returned no error")
	}
	if res.ResponseType != store.ResponseFallback {
		t.Errorf("responseType = %s, want fallback", res.ResponseType)
	}
	if len(p.modelsRequested()) != 0 {
		t.Error("provider called without any configuration")
	}
}

func TestGenerate_ConfigFileFallback(t *testing.T) {
	ms := memstore.New() // no persisted llm_settings row

	p := &scriptedProvider{byModel: map[string]*providers.ChatResponse{
		"M0": {Content: "From the config-file provider."},
	}}

	envelope, _ := crypto.NewEnvelope("")
	cfg := config.Default()
	cfg.LLM.ActiveProvider = "scripted"
	cfg.LLM.Providers = map[string]config.ProviderConfig{
		"scripted": {Name: "scripted", DefaultModel: "M0", APIKey: "env-key"},
	}
	g := New(ms, envelope, cfg)
	g.newProvider = func(store.LLMSettings, string) providers.Provider { return p }

	res, err := g.Generate(context.Background(), "s-6", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "From the config-file provider." {
		t.Errorf("text = %q", res.Text)
	}
}

func TestHealthStateMachine(t *testing.T) {
	ms := memstore.New()
	seedSettings(ms)

	p := &scriptedProvider{
		byModel:  map[string]*providers.ChatResponse{"M0": {Content: "ok"}},
		errModel: map[string]error{},
	}
	g := newTestGateway(t, ms, p, nil)
	ctx := context.Background()

	// A transport failure degrades.
	p.errModel["M0"] = &providers.HTTPError{Status: 500, Body: "boom"}
	_, _ = g.Generate(ctx, "s-7", "x")
	if status, _ := g.Health("scripted"); status != "degraded" {
		t.Errorf("status after failure = %s, want degraded", status)
	}

	// Three consecutive successes restore health.
	delete(p.errModel, "M0")
	for i := 0; i < 3; i++ {
		if _, err := g.Generate(ctx, "s-7", "x"); err != nil {
			t.Fatal(err)
		}
	}
	if status, lastErr := g.Health("scripted"); status != "healthy" || lastErr != "" {
		t.Errorf("status after recovery = %s/%q, want healthy with no lastError", status, lastErr)
	}
}
