// Package routing decides, per user message, among forward-to-agent,
// farewell, escalation, preloaded reply, or LLM call, serialized per
// session by an actor pool.
package routing

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/chatrouter/gateway/internal/accuracy"
	"github.com/chatrouter/gateway/internal/agentreg"
	"github.com/chatrouter/gateway/internal/assignment"
	"github.com/chatrouter/gateway/internal/bus"
	"github.com/chatrouter/gateway/internal/config"
	"github.com/chatrouter/gateway/internal/events"
	"github.com/chatrouter/gateway/internal/llmgw"
	"github.com/chatrouter/gateway/internal/matcher"
	"github.com/chatrouter/gateway/internal/providers"
	"github.com/chatrouter/gateway/internal/store"
)

// systemClosingPattern is the Matcher entry key reserved for the farewell
// reply; configured as an ordinary exact-match rule
// under this pattern by deployment configuration.
const systemClosingPattern = "__system_closing__"

// Responder produces the AI reply for one user turn. Satisfied by
// *llmgw.Gateway; swapped for a canned implementation in tests.
type Responder interface {
	Generate(ctx context.Context, sessionID, userText string, images ...providers.ImageContent) (llmgw.Result, error)
}

// ImageFetcher prepares a message attachment for a vision-capable model.
// Satisfied by *vision.Fetcher.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (providers.ImageContent, error)
}

// Engine wires together every collaborator the Routing Engine's decision
// tree touches.
type Engine struct {
	store     store.Gateway
	cache     *assignment.Cache
	registry  *agentreg.Registry
	matcher   *matcher.Matcher
	llm       Responder
	recorder  *accuracy.Recorder
	publisher bus.EventPublisher
	cfg       *config.Config
	images    ImageFetcher
	actors    *actorPool
}

// New builds an Engine. All collaborators must already be constructed;
// Engine only orchestrates calls between them. images may be nil, in
// which case attachments are persisted but not analyzed.
func New(gw store.Gateway, cache *assignment.Cache, registry *agentreg.Registry, m *matcher.Matcher, llm Responder, recorder *accuracy.Recorder, publisher bus.EventPublisher, cfg *config.Config, images ImageFetcher) *Engine {
	return &Engine{
		store:     gw,
		cache:     cache,
		registry:  registry,
		matcher:   m,
		llm:       llm,
		recorder:  recorder,
		publisher: publisher,
		cfg:       cfg,
		images:    images,
		actors:    newActorPool(time.Duration(cfg.Snapshot().Gateway.SessionIdleMin) * time.Minute),
	}
}

// HandleUserMessage enqueues processing of one user_message event onto
// sessionID's actor, preserving the per-session ordering guarantee across
// concurrent socket events. attachmentURL may be empty.
func (e *Engine) HandleUserMessage(ctx context.Context, sessionID, text, attachmentURL string) {
	e.actors.Enqueue(sessionID, func() {
		e.process(ctx, sessionID, text, attachmentURL)
	})
}

// process runs the full decision tree for one user turn.
func (e *Engine) process(ctx context.Context, sessionID, text, attachmentURL string) {
	sessionID = strings.TrimSpace(sessionID)
	text = strings.TrimSpace(text)
	if sessionID == "" || text == "" {
		e.publisher.Broadcast(bus.Event{Name: "session_error", Payload: events.SessionError{
			SessionID: sessionID, Error: "sessionId and text are required",
		}})
		return
	}

	// A first user_message on an unknown id creates its session; a closed
	// session is terminal and accepts nothing further.
	rec, err := e.store.EnsureSession(ctx, sessionID, nil)
	if err != nil {
		slog.Warn("routing.ensure_session_failed", "sessionId", sessionID, "error", err)
	} else if rec.Status == store.StatusClosed {
		e.publisher.Broadcast(bus.Event{Name: "session_error", Payload: events.SessionError{
			SessionID: sessionID, Error: "conversation is closed",
		}})
		return
	}

	meta := map[string]interface{}{}
	if attachmentURL != "" {
		meta["attachmentUrl"] = attachmentURL
	}

	// Step 2: persist + fan out the user turn before any decision is made,
	// so observers in the room see it ahead of the reply.
	if err := e.store.AppendMessage(ctx, store.Message{
		SessionID: sessionID,
		Sender:    store.SenderUser,
		Text:      text,
		Metadata:  meta,
	}); err != nil {
		slog.Warn("routing.append_user_message_failed", "sessionId", sessionID, "error", err)
	}
	e.publisher.Broadcast(bus.Event{Name: "user_message", Payload: events.UserMessageEcho{
		SessionID: sessionID, Text: text, Sender: "user", TS: time.Now().UnixMilli(),
	}})

	// Step 3: resolve assignment.
	entry, err := e.cache.Resolve(ctx, sessionID)
	if err != nil {
		slog.Warn("routing.resolve_assignment_failed", "sessionId", sessionID, "error", err)
		entry = assignment.Entry{}
	}

	// Step 4: agent-assigned sessions never reach the AI path.
	if entry.AIPaused || entry.AgentID != "" {
		e.forwardToAgent(ctx, sessionID, entry.AgentID, text)
		return
	}

	snap := e.cfg.Snapshot()

	// Step 5: farewell detection.
	if containsAny(text, snap.Routing.ClosingPhrases) {
		if reply, ok := e.matcher.Match(systemClosingPattern); ok {
			e.replyStub(ctx, sessionID, reply)
			return
		}
	}

	// Step 6: human-agent-intent detection.
	if humanRequestIntent(text, snap.Routing.HumanRequestKeywords, snap.Routing.HumanRequestVerbs) {
		e.escalateToHuman(ctx, sessionID)
		return
	}

	// Step 7: preloaded response.
	if reply, ok := e.matcher.Match(text); ok {
		e.replyPreloaded(ctx, sessionID, reply)
		return
	}

	// Step 8: LLM Gateway.
	e.replyFromLLM(ctx, sessionID, text, attachmentURL)
}

// RequestAgent handles an explicit request_agent event from a visitor,
// routed through the same per-session actor as ordinary messages.
func (e *Engine) RequestAgent(ctx context.Context, sessionID string) {
	e.actors.Enqueue(sessionID, func() {
		e.escalateToHuman(ctx, sessionID)
	})
}

func (e *Engine) forwardToAgent(ctx context.Context, sessionID, agentID, text string) {
	if agentID == "" {
		slog.Info("routing.agent_paused_no_agent", "sessionId", sessionID)
		return
	}
	payload := events.UserMessageForAgent{SessionID: sessionID, Text: text, TS: time.Now().UnixMilli()}
	if !e.registry.Send(agentID, "user_message_for_agent", payload) {
		slog.Info("routing.agent_offline", "sessionId", sessionID, "agentId", agentID)
		e.notify(ctx, "agent_offline", "Agent "+agentID+" is offline; message kept in transcript", sessionID, agentID)
	}
}

// notify persists a notification row (best-effort) and broadcasts it to
// the admin feed.
func (e *Engine) notify(ctx context.Context, kind, content, sessionID, targetUserID string) {
	if err := e.store.AppendNotification(ctx, store.Notification{
		Type:         kind,
		Content:      content,
		SessionID:    sessionID,
		TargetUserID: targetUserID,
	}); err != nil {
		slog.Warn("routing.append_notification_failed", "sessionId", sessionID, "kind", kind, "error", err)
	}
	e.publisher.Broadcast(bus.Event{Name: "new_notification", Payload: events.NewNotification{
		Kind: kind, Content: content, SessionID: sessionID,
	}})
}

func (e *Engine) escalateToHuman(ctx context.Context, sessionID string) {
	if err := e.store.UpdateSessionStatus(ctx, sessionID, store.StatusNeedsHuman); err != nil {
		slog.Warn("routing.escalate_status_failed", "sessionId", sessionID, "error", err)
	}
	ack := "I've let our team know you'd like to speak with someone. They'll join shortly."
	e.replyStub(ctx, sessionID, ack)
	e.notify(ctx, "needs_help", "Session requested a human agent", sessionID, "")
}

func (e *Engine) replyStub(ctx context.Context, sessionID, text string) {
	e.persistAndEmitBot(ctx, sessionID, text, 0.9, 0, 0, store.ResponseStub)
}

func (e *Engine) replyPreloaded(ctx context.Context, sessionID, text string) {
	start := time.Now()
	e.persistAndEmitBot(ctx, sessionID, text, 0.9, time.Since(start).Milliseconds(), 0, store.ResponsePreloaded)
}

func (e *Engine) replyFromLLM(ctx context.Context, sessionID, text, attachmentURL string) {
	var images []providers.ImageContent
	if attachmentURL != "" && e.images != nil {
		if img, err := e.images.Fetch(ctx, attachmentURL); err != nil {
			slog.Warn("routing.attachment_fetch_failed", "sessionId", sessionID, "error", err)
		} else {
			images = append(images, img)
		}
	}

	result, err := e.llm.Generate(ctx, sessionID, text, images...)
	if err != nil {
		slog.Warn("routing.llm_failed", "sessionId", sessionID, "error", err)
		if providers.IsRateLimited(err) {
			if serr := e.store.UpdateSessionStatus(ctx, sessionID, store.StatusNeedsHuman); serr != nil {
				slog.Warn("routing.rate_limit_status_failed", "sessionId", sessionID, "error", serr)
			}
			e.notify(ctx, "needs_help", "LLM rate-limited; session needs a human agent", sessionID, "")
		}
	}
	e.persistAndEmitBot(ctx, sessionID, result.Text, result.Confidence, result.LatencyMs, result.Tokens, result.ResponseType)
}

// persistAndEmitBot is the common tail of steps 6-8: persist the bot
// turn, emit it to the room, and record an accuracy row, so every
// responseType-tagged bot message has a matching ai_accuracy record.
func (e *Engine) persistAndEmitBot(ctx context.Context, sessionID, text string, confidence float64, latencyMs int64, tokens int, responseType store.ResponseType) {
	msg := store.Message{
		SessionID: sessionID,
		Sender:    store.SenderBot,
		Text:      text,
		Confidence: &confidence,
		Metadata:   map[string]interface{}{"responseType": string(responseType)},
	}
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		slog.Warn("routing.append_bot_message_failed", "sessionId", sessionID, "error", err)
	}
	e.publisher.Broadcast(bus.Event{Name: "bot_message", Payload: events.BotMessage{
		SessionID: sessionID, Text: text, Confidence: confidence,
	}})
	e.recorder.Record(ctx, accuracy.Payload{
		SessionID:    sessionID,
		AIText:       text,
		Confidence:   &confidence,
		LatencyMs:    latencyMs,
		Tokens:       tokens,
		ResponseType: responseType,
	})
}

func containsAny(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// humanRequestIntent requires both a role keyword (agent, human, support)
// and an action verb (talk, speak, connect, want, need), so that e.g.
// "I need support" matches but a bare "support" does not trigger
// escalation.
func humanRequestIntent(text string, keywords, verbs []string) bool {
	lower := strings.ToLower(text)
	hasKeyword := false
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			hasKeyword = true
			break
		}
	}
	if !hasKeyword {
		return false
	}
	for _, v := range verbs {
		if v != "" && strings.Contains(lower, strings.ToLower(v)) {
			return true
		}
	}
	return false
}
