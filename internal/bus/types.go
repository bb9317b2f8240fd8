package bus

// Event represents a server-side event to broadcast to WebSocket clients
// or to the internal admin feed (e.g. "bot_message", "agent_joined", "health").
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Cache invalidation kind constants.
const (
	CacheKindCannedResponses = "canned_responses"
	CacheKindLLMSettings     = "llm_settings"
)

// CacheInvalidatePayload signals cache layers to evict stale entries.
// Used with protocol.EventCacheInvalidate events.
type CacheInvalidatePayload struct {
	Kind string `json:"kind"` // CacheKind* constants
	Key  string `json:"key"`  // empty = invalidate all of that kind
}

// Room name helpers. Every broadcast Event payload that should reach a
// subset of clients implements Targeted; the Socket Hub's per-client
// subscription closure checks Room() against the client's joined rooms
// before writing the frame to its socket.
const AdminRoom = "admin"

func SessionRoom(sessionID string) string { return "session:" + sessionID }
func AgentRoom(agentID string) string     { return "agent:" + agentID }

// Targeted payloads restrict delivery to one room. A payload that does
// not implement Targeted is delivered to every subscriber (used only for
// truly global signals, such as the conversation_closed broadcast in
// cmd/serve.go).
type Targeted interface {
	Room() string
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the Socket Hub and routing components to decouple from the
// concrete MessageBus implementation.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
