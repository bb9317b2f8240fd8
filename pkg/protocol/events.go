// Package protocol defines the closed set of socket event and method
// names exchanged with visitors and agents, replacing
// duck-typed payload shapes with named constants validated at the edge.
package protocol

// Client → server event names (visitor-facing, unauthenticated room).
const (
	EventStartSession = "start_session"
	EventUserMessage  = "user_message"
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
	EventRequestAgent = "request_agent"
	EventVisitorJoin  = "visitor_join"
	EventJoinSession  = "join_session"
	EventJoinAdminFeed = "join_admin_feed"
)

// Client → server event names (agent-facing, require prior agent_auth).
const (
	EventAgentAuth     = "agent_auth"
	EventAgentTakeover = "agent_takeover"
	EventAgentMessage  = "agent_message"
)

// Server → client event names.
const (
	EventSessionStarted      = "session_started"
	EventBotMessage          = "bot_message"
	EventUserMessageEcho     = "user_message" // echoed into the session room
	EventUserMessageForAgent = "user_message_for_agent"
	EventAgentMessageEcho    = "agent_message"
	EventAgentJoined         = "agent_joined"
	EventDisplayTyping       = "display_typing"
	EventSessionError        = "session_error"
	EventAuthSuccess         = "auth_success"
	EventAuthError           = "auth_error"
	EventAssignment          = "assignment"
	EventConversationClosed  = "conversation_closed"
	EventNewNotification     = "new_notification"
	EventLiveVisitorsUpdate  = "live_visitors_update"
	EventAgentSuperseded     = "agent_superseded"
)

// Internal-only event, never forwarded to a websocket client: signals the
// Response Matcher / LLM settings cache to reload from the Store Gateway.
const EventCacheInvalidate = "cache.invalidate"
