// Package store defines the Store Gateway contract: a typed wrapper over an
// external document store (sessions, messages, accuracy records,
// notifications, canned responses, LLM settings). Concrete backends live in store/pg (PostgreSQL/jsonb,
// production) and store/sqlite (embedded, local/dev and tests).
package store

import "time"

// SessionStatus is the session state machine.
type SessionStatus string

const (
	StatusActive        SessionStatus = "active"
	StatusAgentAssigned SessionStatus = "agent_assigned"
	StatusNeedsHuman    SessionStatus = "needs_human"
	StatusClosed        SessionStatus = "closed"
)

// MessageSender identifies who authored a Message.
type MessageSender string

const (
	SenderUser   MessageSender = "user"
	SenderBot    MessageSender = "bot"
	SenderAgent  MessageSender = "agent"
	SenderSystem MessageSender = "system"
)

// ResponseType classifies how a bot Message was produced.
type ResponseType string

const (
	ResponseAI        ResponseType = "ai"
	ResponseFallback  ResponseType = "fallback"
	ResponseStub      ResponseType = "stub"
	ResponsePreloaded ResponseType = "preloaded"
)

// HumanMark is admin feedback on an AccuracyRecord.
type HumanMark string

const (
	MarkHelpful   HumanMark = "helpful"
	MarkUnhelpful HumanMark = "unhelpful"
	MarkFlagged   HumanMark = "flagged"
)

// SessionRecord is the persisted Session entity.
//
// Compatibility: some store rows predate the assignedAgent/aiPaused
// columns; in that case the same facts live inside UserMeta. Readers must
// merge direct columns with UserMeta, preferring the column when both are
// present — see ResolveAssignment.
type SessionRecord struct {
	SessionID     string
	Status        SessionStatus
	AssignedAgent string // "" = unassigned
	AIPaused      bool
	StartTime     time.Time
	LastSeen      time.Time
	UserMeta      map[string]interface{}
	Theme         map[string]interface{}
}

// ResolveAssignment reconstructs {agentId, aiPaused} by checking, in order:
// (1) direct columns, (2) userMeta mirror, (3) status implies aiPaused.

func (s SessionRecord) ResolveAssignment() (agentID string, aiPaused bool) {
	if s.AssignedAgent != "" {
		return s.AssignedAgent, s.AIPaused
	}
	if v, ok := s.UserMeta["assignedAgent"].(string); ok && v != "" {
		paused := true
		if b, ok := s.UserMeta["aiPaused"].(bool); ok {
			paused = b
		}
		return v, paused
	}
	if s.Status == StatusAgentAssigned {
		return "", true
	}
	return "", false
}

// Message is the persisted Message entity. Immutable after
// creation. Confidence is only meaningful when Sender == SenderBot.
type Message struct {
	ID         string
	SessionID  string
	Sender     MessageSender
	Text       string
	CreatedAt  time.Time
	Confidence *float64
	Metadata   map[string]interface{}
}

// AgentID returns metadata.agentId, or "" if absent.
func (m Message) AgentID() string {
	if v, ok := m.Metadata["agentId"].(string); ok {
		return v
	}
	return ""
}

// ListOrder controls the sort direction of ListMessages.
type ListOrder int

const (
	OrderAscending ListOrder = iota
	OrderDescending
)

// ListOpts paginates ListMessages.
type ListOpts struct {
	Order  ListOrder
	Limit  int
	Offset int
}

// MessagePage is a bounded page of messages plus whether more exist.
type MessagePage struct {
	Messages []Message
	HasMore  bool
}

// AccuracyRecord is one per bot turn.
type AccuracyRecord struct {
	ID           string
	SessionID    string
	MessageID    string // optional
	AIText       string // truncated to <= 10000 chars
	Confidence   *float64
	LatencyMs    int64
	Tokens       int
	ResponseType ResponseType
	HumanMark    HumanMark // "" = unset
	Evaluation   string
	Metadata     map[string]interface{}
	CreatedAt    time.Time
}

// AccuracyAudit is one row per admin feedback action, append-only.
type AccuracyAudit struct {
	AccuracyID string
	AdminID    string
	Action     string
	Note       string
	Ts         time.Time
}

// Notification backs the admin feed's persisted notifications collection.
type Notification struct {
	ID           string
	Type         string
	Content      string
	SessionID    string
	TargetUserID string
	IsRead       bool
	CreatedAt    time.Time
}

// MatchType is how a PreloadedResponse matches inbound text.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchPrefix   MatchType = "prefix"
	MatchKeyword  MatchType = "keyword"
	MatchShortcut MatchType = "shortcut"
)

// PreloadedResponse is a curated canned reply.
type PreloadedResponse struct {
	Pattern   string
	MatchType MatchType
	Content   string
	Active    bool
}

// LLMSettings is the persisted provider+model configuration.
// At most one row has IsActive == true.
type LLMSettings struct {
	Provider         string
	Model            string
	EncryptedAPIKey  []byte
	BaseURL          string
	IsActive         bool
	HealthStatus     string // "healthy" | "degraded"
	LastError        string
}
