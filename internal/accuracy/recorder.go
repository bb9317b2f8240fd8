// Package accuracy records per-AI-turn audit rows: a best-effort
// write path invoked once per persisted bot turn. Failures are logged,
// never surfaced to the visitor.
package accuracy

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatrouter/gateway/internal/store"
)

// Recorder wraps the Store Gateway's accuracy-record operations.
type Recorder struct {
	store store.Gateway
}

func New(gw store.Gateway) *Recorder {
	return &Recorder{store: gw}
}

// Payload is what the Routing Engine hands the recorder for one bot turn.
type Payload struct {
	SessionID    string
	MessageID    string
	AIText       string
	Confidence   *float64
	LatencyMs    int64
	Tokens       int
	ResponseType store.ResponseType
}

// Record persists an AccuracyRecord. Errors are logged and swallowed:
// accuracy tracking must never block or fail the visitor-facing turn.
func (r *Recorder) Record(ctx context.Context, p Payload) {
	rec := store.AccuracyRecord{
		SessionID:    p.SessionID,
		MessageID:    p.MessageID,
		AIText:       p.AIText,
		Confidence:   p.Confidence,
		LatencyMs:    p.LatencyMs,
		Tokens:       p.Tokens,
		ResponseType: p.ResponseType,
		CreatedAt:    time.Now(),
	}
	if err := r.store.SaveAccuracyRecord(ctx, rec); err != nil {
		slog.Warn("accuracy.record_failed", "sessionId", p.SessionID, "error", err)
	}
}

// Feedback applies admin human-mark feedback (POST /accuracy/:id/feedback)
// and appends an append-only audit row.
func (r *Recorder) Feedback(ctx context.Context, accuracyID, adminID string, mark store.HumanMark, note string) error {
	audit := store.AccuracyAudit{
		AccuracyID: accuracyID,
		AdminID:    adminID,
		Action:     "set_human_mark",
		Note:       note,
		Ts:         time.Now(),
	}
	return r.store.UpdateAccuracyFeedback(ctx, accuracyID, mark, note, audit)
}
