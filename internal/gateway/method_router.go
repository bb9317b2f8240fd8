package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/chatrouter/gateway/internal/assignment"
	"github.com/chatrouter/gateway/internal/bus"
	"github.com/chatrouter/gateway/internal/events"
	"github.com/chatrouter/gateway/internal/store"
	"github.com/chatrouter/gateway/pkg/protocol"
)

// MethodRouter dispatches inbound socket event frames to handlers,
// gating agent-only events on a prior successful agent_auth.
type MethodRouter struct {
	s *Server
}

// NewMethodRouter builds a router bound to s's collaborators.
func NewMethodRouter(s *Server) *MethodRouter {
	return &MethodRouter{s: s}
}

// Dispatch routes one inbound frame from c.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, frame protocol.EventFrame) {
	if r.s.rateLimiter.Enabled() && !r.s.rateLimiter.Allow(c.id) {
		_ = c.SendEvent(protocol.EventSessionError, map[string]string{"error": "rate limit exceeded"})
		return
	}

	switch frame.Name {
	case protocol.EventStartSession:
		r.handleStartSession(ctx, c, frame)
	case protocol.EventUserMessage:
		r.handleUserMessage(ctx, c, frame)
	case protocol.EventTypingStart:
		r.handleTyping(c, frame, true)
	case protocol.EventTypingStop:
		r.handleTyping(c, frame, false)
	case protocol.EventRequestAgent:
		r.handleRequestAgent(ctx, c, frame)
	case protocol.EventVisitorJoin:
		r.handleVisitorJoin(c, frame)
	case protocol.EventJoinSession:
		r.handleJoinSession(ctx, c, frame)
	case protocol.EventJoinAdminFeed:
		r.handleJoinAdminFeed(c, frame)
	case protocol.EventAgentAuth:
		r.handleAgentAuth(c, frame)
	case protocol.EventAgentTakeover:
		r.handleAgentTakeover(ctx, c, frame)
	case protocol.EventAgentMessage:
		r.handleAgentMessage(ctx, c, frame)
	default:
		_ = c.SendEvent(protocol.EventSessionError, map[string]string{"error": "unknown event: " + frame.Name})
	}
}

type sessionPayload struct {
	SessionID     string                 `json:"sessionId"`
	Text          string                 `json:"text"`
	AttachmentURL string                 `json:"attachmentUrl,omitempty"`
	AgentID       string                 `json:"agentId,omitempty"`
	UserMeta      map[string]interface{} `json:"userMeta,omitempty"`
}

func (r *MethodRouter) handleStartSession(ctx context.Context, c *Client, frame protocol.EventFrame) {
	var p sessionPayload
	if err := frame.Decode(&p); err != nil {
		_ = c.SendEvent(protocol.EventSessionError, map[string]string{"error": "malformed start_session payload"})
		return
	}
	if p.SessionID == "" {
		// Hub-minted id: the widget may connect before it has one.
		p.SessionID = uuid.NewString()
	}
	if _, err := r.s.store.EnsureSession(ctx, p.SessionID, p.UserMeta); err != nil {
		slog.Warn("gateway.ensure_session_failed", "sessionId", p.SessionID, "error", err)
		_ = c.SendEvent(protocol.EventSessionError, map[string]string{"error": "could not start session"})
		return
	}
	c.Join(bus.SessionRoom(p.SessionID))
	_ = c.SendEvent(protocol.EventSessionStarted, events.SessionStarted{SessionID: p.SessionID})

	if welcome := r.s.cfg.Snapshot().Routing.WelcomeMessage; welcome != "" {
		if err := r.s.store.AppendMessage(ctx, store.Message{
			SessionID: p.SessionID,
			Sender:    store.SenderBot,
			Text:      welcome,
		}); err != nil {
			slog.Warn("gateway.welcome_message_failed", "sessionId", p.SessionID, "error", err)
		}
		_ = c.SendEvent(protocol.EventBotMessage, events.BotMessage{SessionID: p.SessionID, Text: welcome, Confidence: 1})
	}
}

func (r *MethodRouter) handleUserMessage(ctx context.Context, c *Client, frame protocol.EventFrame) {
	var p sessionPayload
	if err := frame.Decode(&p); err != nil || p.SessionID == "" || p.Text == "" {
		_ = c.SendEvent(protocol.EventSessionError, map[string]string{"error": "sessionId and text are required"})
		return
	}
	if max := r.s.cfg.Snapshot().Gateway.MaxMessageChars; max > 0 && len(p.Text) > max {
		_ = c.SendEvent(protocol.EventSessionError, map[string]string{"error": "message too long"})
		return
	}
	r.s.engine.HandleUserMessage(ctx, p.SessionID, p.Text, p.AttachmentURL)
}

func (r *MethodRouter) handleTyping(c *Client, frame protocol.EventFrame, isTyping bool) {
	var p sessionPayload
	if err := frame.Decode(&p); err != nil || p.SessionID == "" {
		return
	}
	r.s.bus.Broadcast(bus.Event{Name: protocol.EventDisplayTyping, Payload: events.DisplayTyping{
		SessionID: p.SessionID, User: "visitor", IsTyping: isTyping,
	}})
}

func (r *MethodRouter) handleRequestAgent(ctx context.Context, c *Client, frame protocol.EventFrame) {
	var p sessionPayload
	if err := frame.Decode(&p); err != nil || p.SessionID == "" {
		_ = c.SendEvent(protocol.EventSessionError, map[string]string{"error": "sessionId is required"})
		return
	}
	r.s.engine.RequestAgent(ctx, p.SessionID)
}

func (r *MethodRouter) handleJoinSession(ctx context.Context, c *Client, frame protocol.EventFrame) {
	var p sessionPayload
	if err := frame.Decode(&p); err != nil || p.SessionID == "" {
		_ = c.SendEvent(protocol.EventSessionError, map[string]string{"error": "sessionId is required"})
		return
	}
	c.Join(bus.SessionRoom(p.SessionID))
}

// handleVisitorJoin registers the socket in the in-memory live-visitors
// snapshot and joins its session room; the admin feed sees the updated
// snapshot immediately.
func (r *MethodRouter) handleVisitorJoin(c *Client, frame protocol.EventFrame) {
	var p sessionPayload
	if err := frame.Decode(&p); err != nil || p.SessionID == "" {
		_ = c.SendEvent(protocol.EventSessionError, map[string]string{"error": "sessionId is required"})
		return
	}
	c.Join(bus.SessionRoom(p.SessionID))
	c.setVisitorSession(p.SessionID)
	r.s.addLiveVisitor(c, p.SessionID)
}

func (r *MethodRouter) handleJoinAdminFeed(c *Client, frame protocol.EventFrame) {
	c.Join(bus.AdminRoom)
}

type agentAuthPayload struct {
	Token string `json:"token"`
}

func (r *MethodRouter) handleAgentAuth(c *Client, frame protocol.EventFrame) {
	var p agentAuthPayload
	if err := frame.Decode(&p); err != nil || p.Token == "" {
		_ = c.SendEvent(protocol.EventAuthError, map[string]string{"error": "token is required"})
		return
	}
	principal, err := r.s.authResolver.Resolve(p.Token)
	if err != nil || !(principal.HasRole(protocol.RoleAgent) || principal.HasRole(protocol.RoleAdmin)) {
		_ = c.SendEvent(protocol.EventAuthError, map[string]string{"error": "invalid token"})
		return
	}
	c.setAgentID(principal.UserID)
	r.s.registry.Bind(principal.UserID, c)
	_ = c.SendEvent(protocol.EventAuthSuccess, map[string]interface{}{"agentId": principal.UserID, "roles": principal.Roles})
}

func (r *MethodRouter) handleAgentTakeover(ctx context.Context, c *Client, frame protocol.EventFrame) {
	agentID := c.getAgentID()
	if agentID == "" {
		_ = c.SendEvent(protocol.EventAuthError, map[string]string{"error": "agent_auth required"})
		return
	}
	var p sessionPayload
	if err := frame.Decode(&p); err != nil || p.SessionID == "" {
		_ = c.SendEvent(protocol.EventSessionError, map[string]string{"error": "sessionId is required"})
		return
	}
	if p.AgentID != "" && p.AgentID != agentID {
		_ = c.SendEvent(protocol.EventSessionError, map[string]string{"error": "agentId does not match authenticated agent"})
		return
	}

	if err := r.s.store.AssignAgent(ctx, p.SessionID, agentID, true); err != nil {
		if errors.Is(err, store.ErrConflict) {
			_ = c.SendEvent(protocol.EventSessionError, map[string]string{"error": "conversation is closed"})
			return
		}
		slog.Warn("gateway.assign_agent_failed", "sessionId", p.SessionID, "agentId", agentID, "error", err)
		_ = c.SendEvent(protocol.EventSessionError, map[string]string{"error": "could not take over session"})
		return
	}
	r.s.cache.Set(p.SessionID, assignment.Entry{AgentID: agentID, AIPaused: true})
	if err := r.s.store.UpdateSessionStatus(ctx, p.SessionID, store.StatusAgentAssigned); err != nil {
		slog.Warn("gateway.takeover_status_failed", "sessionId", p.SessionID, "error", err)
	}
	if err := r.s.store.AppendMessage(ctx, store.Message{
		SessionID: p.SessionID,
		Sender:    store.SenderSystem,
		Text:      "An agent has joined the conversation.",
		Metadata:  map[string]interface{}{"agentId": agentID},
	}); err != nil {
		slog.Warn("gateway.takeover_message_failed", "sessionId", p.SessionID, "error", err)
	}

	c.Join(bus.SessionRoom(p.SessionID))
	r.s.bus.Broadcast(bus.Event{Name: protocol.EventAgentJoined, Payload: events.AgentJoined{
		SessionID: p.SessionID, AgentID: agentID,
	}})
	if err := r.s.store.AppendNotification(ctx, store.Notification{
		Type:      "agent_assigned",
		Content:   "Agent " + agentID + " took over the conversation",
		SessionID: p.SessionID,
	}); err != nil {
		slog.Warn("gateway.takeover_notification_failed", "sessionId", p.SessionID, "error", err)
	}
	r.s.bus.Broadcast(bus.Event{Name: protocol.EventNewNotification, Payload: events.NewNotification{
		Kind: "agent_assigned", Content: "Agent " + agentID + " took over the conversation", SessionID: p.SessionID,
	}})
}

func (r *MethodRouter) handleAgentMessage(ctx context.Context, c *Client, frame protocol.EventFrame) {
	agentID := c.getAgentID()
	if agentID == "" {
		_ = c.SendEvent(protocol.EventAuthError, map[string]string{"error": "agent_auth required"})
		return
	}
	var p sessionPayload
	if err := frame.Decode(&p); err != nil || p.SessionID == "" || p.Text == "" {
		_ = c.SendEvent(protocol.EventSessionError, map[string]string{"error": "sessionId and text are required"})
		return
	}

	if err := r.s.store.AppendMessage(ctx, store.Message{
		SessionID: p.SessionID,
		Sender:    store.SenderAgent,
		Text:      p.Text,
		Metadata:  map[string]interface{}{"agentId": agentID},
	}); err != nil {
		slog.Warn("gateway.append_agent_message_failed", "sessionId", p.SessionID, "error", err)
	}
	if err := r.s.store.TouchSession(ctx, p.SessionID); err != nil {
		slog.Warn("gateway.touch_session_failed", "sessionId", p.SessionID, "error", err)
	}

	r.s.bus.Broadcast(bus.Event{Name: protocol.EventAgentMessageEcho, Payload: events.AgentMessageEcho{
		SessionID: p.SessionID, Text: p.Text, AgentID: agentID, Sender: "agent",
	}})
}
