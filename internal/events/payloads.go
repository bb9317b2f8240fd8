// Package events defines the concrete, room-targeted payload types
// broadcast over the bus for each protocol event name, a closed tagged
// union in place of duck-typed socket payloads. Both the routing engine
// and the socket hub construct these.
package events

import "github.com/chatrouter/gateway/internal/bus"

// SessionStarted payload for protocol.EventSessionStarted.
type SessionStarted struct {
	SessionID string `json:"sessionId"`
}

func (p SessionStarted) Room() string { return bus.SessionRoom(p.SessionID) }

// BotMessage payload for protocol.EventBotMessage.
type BotMessage struct {
	SessionID  string  `json:"sessionId"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (p BotMessage) Room() string { return bus.SessionRoom(p.SessionID) }

// UserMessageEcho payload for the room-echoed protocol.EventUserMessageEcho.
type UserMessageEcho struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	TS        int64  `json:"ts"`
}

func (p UserMessageEcho) Room() string { return bus.SessionRoom(p.SessionID) }

// UserMessageForAgent is delivered directly via the Agent Registry, not
// the bus — included here for documentation of the wire shape.
type UserMessageForAgent struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	TS        int64  `json:"ts"`
}

// AgentMessageEcho payload for protocol.EventAgentMessageEcho.
type AgentMessageEcho struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	AgentID   string `json:"agentId"`
	Sender    string `json:"sender"`
	TS        int64  `json:"ts"`
}

func (p AgentMessageEcho) Room() string { return bus.SessionRoom(p.SessionID) }

// AgentJoined payload for protocol.EventAgentJoined.
type AgentJoined struct {
	SessionID string `json:"-"`
	AgentID   string `json:"agentId"`
}

func (p AgentJoined) Room() string { return bus.SessionRoom(p.SessionID) }

// DisplayTyping payload for protocol.EventDisplayTyping.
type DisplayTyping struct {
	SessionID string `json:"-"`
	User      string `json:"user"`
	IsTyping  bool   `json:"isTyping"`
}

func (p DisplayTyping) Room() string { return bus.SessionRoom(p.SessionID) }

// SessionError payload for protocol.EventSessionError.
type SessionError struct {
	SessionID string `json:"-"`
	Error     string `json:"error"`
}

func (p SessionError) Room() string { return bus.SessionRoom(p.SessionID) }

// Assignment payload for protocol.EventAssignment.
type Assignment struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
}

func (p Assignment) Room() string { return bus.SessionRoom(p.SessionID) }

// ConversationClosed payload for protocol.EventConversationClosed.
type ConversationClosed struct {
	SessionID string `json:"sessionId"`
}

func (p ConversationClosed) Room() string { return bus.SessionRoom(p.SessionID) }

// NewNotification payload for protocol.EventNewNotification, delivered to
// the admin feed room.
type NewNotification struct {
	Kind      string `json:"kind"`
	Content   string `json:"content"`
	SessionID string `json:"sessionId"`
}

func (p NewNotification) Room() string { return bus.AdminRoom }

// LiveVisitorsUpdate payload for protocol.EventLiveVisitorsUpdate,
// delivered to the admin feed room.
type LiveVisitorsUpdate struct {
	SessionIDs []string `json:"sessionIds"`
}

func (p LiveVisitorsUpdate) Room() string { return bus.AdminRoom }
