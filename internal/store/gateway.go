package store

import "context"

// Gateway is the store contract: the only path
// the rest of the process uses to reach persisted state. Every method
// must return ErrUnavailable (never a panic or a zero value mistaken for
// "not found") when the underlying store cannot be reached, so callers
// can distinguish "no such row" from "store is down".
type Gateway interface {
	// EnsureSession creates sessionID if absent (with userMeta, which may
	// be nil) and returns the current record either way. On the
	// already-exists path only LastSeen is touched; the stored UserMeta is
	// never overwritten, since it may carry assignment state. Idempotent.
	EnsureSession(ctx context.Context, sessionID string, userMeta map[string]interface{}) (SessionRecord, error)

	GetSession(ctx context.Context, sessionID string) (SessionRecord, error)

	// UpdateSessionStatus transitions status and touches LastSeen.
	UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error

	// AssignAgent sets (or clears, when agentID == "") the session's
	// assigned agent and aiPaused flag, mirroring both into UserMeta for
	// stores that predate the direct columns. Returns ErrConflict when the
	// session is already closed.
	AssignAgent(ctx context.Context, sessionID, agentID string, aiPaused bool) error

	// TouchSession updates LastSeen without changing status.
	TouchSession(ctx context.Context, sessionID string) error

	AppendMessage(ctx context.Context, msg Message) error

	ListMessages(ctx context.Context, sessionID string, opts ListOpts) (MessagePage, error)

	// ListActiveSessions returns sessions with Status != closed, newest
	// LastSeen first, bounded to at most limit rows (see store/pg for
	// the >10000-row cap).
	ListActiveSessions(ctx context.Context, limit int) ([]SessionRecord, error)

	SaveAccuracyRecord(ctx context.Context, rec AccuracyRecord) error

	UpdateAccuracyFeedback(ctx context.Context, accuracyID string, mark HumanMark, note string, audit AccuracyAudit) error

	GetAccuracyRecord(ctx context.Context, accuracyID string) (AccuracyRecord, error)

	AppendNotification(ctx context.Context, n Notification) error

	ListCannedResponses(ctx context.Context) ([]PreloadedResponse, error)

	GetActiveLLMSettings(ctx context.Context) (LLMSettings, bool, error)

	// Close releases underlying connections/handles.
	Close() error
}
