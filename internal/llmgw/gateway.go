// Package llmgw is the LLM gateway: resolves the active
// provider configuration, builds the chat history window, invokes the
// provider adapter with model-not-available failover, and classifies the
// result into confidence/latency/tokens for the Accuracy Recorder.
package llmgw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chatrouter/gateway/internal/config"
	"github.com/chatrouter/gateway/internal/crypto"
	"github.com/chatrouter/gateway/internal/providers"
	"github.com/chatrouter/gateway/internal/store"
	"github.com/chatrouter/gateway/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// defaultConfidence is used for successful completions when the provider
// does not supply its own score.
const defaultConfidence = 0.9

// Result is what the Routing Engine persists and emits for a bot turn.
type Result struct {
	Text         string
	Confidence   float64
	LatencyMs    int64
	Tokens       int
	ResponseType store.ResponseType
}

// defaultFallbackText is used only if RoutingConfig.LLMUnavailableReply is
// unset.
const defaultFallbackText = "I'm having trouble reaching our AI assistant right now. A human agent will follow up shortly."

// health is the per-process, per-configuration health state machine:
// healthy goes degraded on any non-404 error and back to healthy after
// three consecutive successes. Advisory only: it never disables routing.
type health struct {
	status            string
	lastError         string
	consecutiveOK     int
}

// Gateway is the process-wide LLM Gateway singleton.
type Gateway struct {
	store    store.Gateway
	envelope *crypto.Envelope
	cfg      *config.Config

	// newProvider builds the provider adapter for a settings row;
	// replaceable in tests to drive failover without a network.
	newProvider func(store.LLMSettings, string) providers.Provider

	mu          sync.Mutex
	activeModel map[string]string // provider name -> in-process active model override (S5 failover)
	health      map[string]*health
}

// New builds a Gateway. envelope may report Configured() == false, in
// which case stored API keys are assumed to be plaintext (local/dev use
// only).
func New(gw store.Gateway, envelope *crypto.Envelope, cfg *config.Config) *Gateway {
	return &Gateway{
		store:       gw,
		envelope:    envelope,
		cfg:         cfg,
		newProvider: buildProvider,
		activeModel: make(map[string]string),
		health:      make(map[string]*health),
	}
}

// Generate produces the AI reply for one user turn. images
// (prepared by internal/vision from a message attachment) are passed to
// vision-capable providers alongside the user turn.
func (g *Gateway) Generate(ctx context.Context, sessionID, userText string, images ...providers.ImageContent) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "llmgw.generate")
	defer span.End()
	span.SetAttributes(attribute.String("chatrouter.session_id", sessionID))

	settings, ok, err := g.store.GetActiveLLMSettings(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return g.fallbackResult(), fmt.Errorf("resolve active llm settings: %w", err)
	}

	snap := g.cfg.Snapshot()

	var apiKey string
	if ok {
		apiKey, err = g.decryptKey(settings)
		if err != nil {
			telemetry.RecordError(span, err)
			return g.fallbackResult(), fmt.Errorf("decrypt api key: %w", err)
		}
	} else {
		// No persisted configuration: fall back to the config file's
		// active provider so a fresh deployment can answer before an
		// admin ever touches llm_settings.
		settings, ok = settingsFromConfig(snap.LLM)
		if !ok {
			return g.fallbackResult(), errors.New("llmgw: no active llm configuration")
		}
		apiKey = string(settings.EncryptedAPIKey)
	}

	history, err := g.buildHistory(ctx, sessionID, snap.LLM.HistoryLimit, snap.LLM.SystemPrompt, userText)
	if err != nil {
		telemetry.RecordError(span, err)
		return g.fallbackResult(), fmt.Errorf("load history: %w", err)
	}

	turn := providers.Message{Role: "user", Content: userText, Images: images}
	if len(images) > 0 && snap.LLM.ImageAnalysisPrompt != "" {
		turn.Content = snap.LLM.ImageAnalysisPrompt + "\n\n" + userText
	}
	history = append(history, turn)

	model := g.activeModelFor(settings.Provider, settings.Model)
	provider := g.newProvider(settings, apiKey)

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(snap.LLM.RequestTimeoutS)*time.Second)
	defer cancel()

	start := time.Now()
	resp, err := provider.Chat(reqCtx, providers.ChatRequest{Messages: history, Model: model})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		telemetry.RecordError(span, err)
		return g.handleFailure(ctx, settings, apiKey, history, latency, err)
	}

	g.recordSuccess(settings.Provider)
	span.SetAttributes(attribute.Int64("chatrouter.latency_ms", latency))
	return Result{
		Text:         resp.Content,
		Confidence:   defaultConfidence,
		LatencyMs:    latency,
		Tokens:       tokenCount(resp),
		ResponseType: store.ResponseAI,
	}, nil
}

func tokenCount(resp *providers.ChatResponse) int {
	if resp.Usage == nil {
		return 0
	}
	return resp.Usage.TotalTokens
}

func (g *Gateway) fallbackResult() Result {
	text := g.cfg.Snapshot().Routing.LLMUnavailableReply
	if text == "" {
		text = defaultFallbackText
	}
	return Result{Text: text, Confidence: 0, ResponseType: store.ResponseFallback}
}

// handleFailure implements steps 5-6: model-not-available failover walks
// an ordered candidate list; rate-limit returns the deterministic
// fallback (the caller additionally sets session status to needs_help);
// every other failure class also returns the fallback without retrying
// across models.
func (g *Gateway) handleFailure(ctx context.Context, settings store.LLMSettings, apiKey string, history []providers.Message, latency int64, cause error) (Result, error) {
	g.recordFailure(settings.Provider, cause)

	if providers.IsModelNotFound(cause) {
		snap := g.cfg.Snapshot()
		provCfg := snap.LLM.Providers[settings.Provider]
		provider := g.newProvider(settings, apiKey)

		for _, candidate := range provCfg.FallbackModels {
			start := time.Now()
			resp, err := provider.Chat(ctx, providers.ChatRequest{Messages: history, Model: candidate})
			if err == nil && resp.Content != "" {
				g.mu.Lock()
				g.activeModel[settings.Provider] = candidate
				g.mu.Unlock()
				g.recordSuccess(settings.Provider)
				return Result{
					Text:         resp.Content,
					Confidence:   defaultConfidence,
					LatencyMs:    time.Since(start).Milliseconds(),
					Tokens:       tokenCount(resp),
					ResponseType: store.ResponseAI,
				}, nil
			}
		}
		return g.fallbackResult(), fmt.Errorf("llmgw: all candidate models exhausted: %w", cause)
	}

	if providers.IsRateLimited(cause) {
		return g.fallbackResult(), fmt.Errorf("llmgw: rate limited: %w", cause)
	}

	return g.fallbackResult(), fmt.Errorf("llmgw: provider call failed: %w", cause)
}

func (g *Gateway) activeModelFor(providerName, configuredModel string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.activeModel[providerName]; ok {
		return m
	}
	return configuredModel
}

func (g *Gateway) recordSuccess(providerName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.health[providerName]
	if h == nil {
		h = &health{status: "healthy"}
		g.health[providerName] = h
	}
	h.consecutiveOK++
	if h.consecutiveOK >= 3 {
		h.status = "healthy"
		h.lastError = ""
	}
}

func (g *Gateway) recordFailure(providerName string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.health[providerName]
	if h == nil {
		h = &health{}
		g.health[providerName] = h
	}
	h.consecutiveOK = 0
	if !providers.IsModelNotFound(err) {
		h.status = "degraded"
		h.lastError = err.Error()
	}
}

// Health reports the advisory per-provider health snapshot.
func (g *Gateway) Health(providerName string) (status, lastError string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.health[providerName]
	if !ok {
		return "healthy", ""
	}
	return h.status, h.lastError
}

func (g *Gateway) decryptKey(settings store.LLMSettings) (string, error) {
	if len(settings.EncryptedAPIKey) == 0 {
		return "", nil
	}
	if !g.envelope.Configured() {
		return string(settings.EncryptedAPIKey), nil
	}
	return g.envelope.OpenString(settings.EncryptedAPIKey)
}

// buildHistory loads the last historyLimit messages ascending by time and
// maps them to normalized chat turns, prepending systemPrompt. The
// Routing Engine persists the current user turn before calling Generate,
// so the newest loaded message duplicates currentUserText — it is dropped
// here and re-appended by the caller as the live turn.
func (g *Gateway) buildHistory(ctx context.Context, sessionID string, historyLimit int, systemPrompt, currentUserText string) ([]providers.Message, error) {
	page, err := g.store.ListMessages(ctx, sessionID, store.ListOpts{
		Order: store.OrderDescending,
		Limit: historyLimit,
	})
	if err != nil {
		return nil, err
	}

	msgs := make([]providers.Message, 0, len(page.Messages)+1)
	if systemPrompt != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: systemPrompt})
	}

	// page.Messages arrived newest-first; re-ascend before mapping.
	for i := len(page.Messages) - 1; i >= 0; i-- {
		m := page.Messages[i]
		role := mapRole(m.Sender)
		if role == "" {
			continue
		}
		msgs = append(msgs, providers.Message{Role: role, Content: m.Text})
	}

	if n := len(msgs); n > 0 && msgs[n-1].Role == "user" && msgs[n-1].Content == currentUserText {
		msgs = msgs[:n-1]
	}
	return msgs, nil
}

func mapRole(sender store.MessageSender) string {
	switch sender {
	case store.SenderUser:
		return "user"
	case store.SenderBot, store.SenderAgent:
		return "assistant"
	default:
		return ""
	}
}

func buildProvider(settings store.LLMSettings, apiKey string) providers.Provider {
	switch settings.Provider {
	case "anthropic":
		opts := []providers.AnthropicOption{providers.WithAnthropicModel(settings.Model)}
		if settings.BaseURL != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(settings.BaseURL))
		}
		return providers.NewAnthropicProvider(apiKey, opts...)
	default:
		return providers.NewOpenAIProvider(settings.Provider, apiKey, settings.BaseURL, settings.Model)
	}
}

// settingsFromConfig synthesizes an LLMSettings row from the config
// file's active provider, with the env-sourced API key carried in
// EncryptedAPIKey as plaintext (the config path never sees the store's
// encryption envelope).
func settingsFromConfig(llm config.LLMConfig) (store.LLMSettings, bool) {
	p, ok := llm.Providers[llm.ActiveProvider]
	if !ok || p.APIKey == "" {
		return store.LLMSettings{}, false
	}
	return store.LLMSettings{
		Provider:        llm.ActiveProvider,
		Model:           p.DefaultModel,
		EncryptedAPIKey: []byte(p.APIKey),
		BaseURL:         p.APIBase,
		IsActive:        true,
	}, true
}
