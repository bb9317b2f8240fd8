package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"

	"github.com/chatrouter/gateway/internal/store"
)

// maxAIText bounds AccuracyRecord.AIText. Truncation is
// rune-aware so multi-byte UTF-8 text never gets cut mid-rune.
const maxAIText = 10000

func truncateRunes(s string, max int) string {
	return runewidth.Truncate(s, max, "")
}

func (g *Gateway) SaveAccuracyRecord(ctx context.Context, rec store.AccuracyRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.AIText = truncateRunes(rec.AIText, maxAIText)

	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}

	_, err = g.db.ExecContext(ctx,
		`INSERT INTO ai_accuracy
			(id, session_id, message_id, ai_text, confidence, latency_ms, tokens,
			 response_type, human_mark, evaluation, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.ID, rec.SessionID, rec.MessageID, rec.AIText, rec.Confidence, rec.LatencyMs, rec.Tokens,
		string(rec.ResponseType), string(rec.HumanMark), rec.Evaluation, metaJSON, rec.CreatedAt)
	return wrapErr(err)
}

func (g *Gateway) GetAccuracyRecord(ctx context.Context, accuracyID string) (store.AccuracyRecord, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT id, session_id, message_id, ai_text, confidence, latency_ms, tokens,
			response_type, human_mark, evaluation, metadata, created_at
		 FROM ai_accuracy WHERE id = $1`, accuracyID)

	var rec store.AccuracyRecord
	var responseType, humanMark string
	var metaRaw []byte
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.MessageID, &rec.AIText, &rec.Confidence,
		&rec.LatencyMs, &rec.Tokens, &responseType, &humanMark, &rec.Evaluation, &metaRaw, &rec.CreatedAt); err != nil {
		return store.AccuracyRecord{}, wrapErr(err)
	}
	rec.ResponseType = store.ResponseType(responseType)
	rec.HumanMark = store.HumanMark(humanMark)
	rec.Metadata = decodeJSONObject(metaRaw)
	return rec, nil
}

// UpdateAccuracyFeedback records an admin's human_mark/evaluation and
// appends an append-only audit row, in one transaction so the two never
// diverge.
func (g *Gateway) UpdateAccuracyFeedback(ctx context.Context, accuracyID string, mark store.HumanMark, note string, audit store.AccuracyAudit) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE ai_accuracy SET human_mark = $1, evaluation = $2 WHERE id = $3`,
		string(mark), note, accuracyID)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}

	if audit.Ts.IsZero() {
		audit.Ts = time.Now()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO accuracy_audit (accuracy_id, admin_id, action, note, ts) VALUES ($1,$2,$3,$4,$5)`,
		accuracyID, audit.AdminID, audit.Action, audit.Note, audit.Ts,
	); err != nil {
		return wrapErr(err)
	}

	return wrapErr(tx.Commit())
}
