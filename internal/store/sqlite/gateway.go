package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"

	"github.com/chatrouter/gateway/internal/crypto"
	"github.com/chatrouter/gateway/internal/store"
)

const maxAIText = 10000

// Gateway implements store.Gateway on an embedded SQLite database. Suited
// to single-process local/dev runs (config.DatabaseConfig.Mode == "sqlite");
// MaxOpenConns(1) in Open serializes writes.
type Gateway struct {
	db        *sql.DB
	envelope  *crypto.Envelope
	redactPII bool

	mu    sync.RWMutex
	cache map[string]store.SessionRecord
}

func NewGateway(db *sql.DB, envelope *crypto.Envelope, redactPII bool) *Gateway {
	return &Gateway{db: db, envelope: envelope, redactPII: redactPII, cache: make(map[string]store.SessionRecord)}
}

func (g *Gateway) Close() error { return g.db.Close() }

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

func decodeJSONObject(raw string) map[string]interface{} {
	out := map[string]interface{}{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (store.SessionRecord, error) {
	var rec store.SessionRecord
	var status, assignedAgent string
	var aiPaused int
	var startTime, lastSeen, userMetaRaw, themeRaw string

	if err := row.Scan(&rec.SessionID, &status, &assignedAgent, &aiPaused,
		&startTime, &lastSeen, &userMetaRaw, &themeRaw); err != nil {
		return store.SessionRecord{}, err
	}
	rec.Status = store.SessionStatus(status)
	rec.AssignedAgent = assignedAgent
	rec.AIPaused = aiPaused != 0
	rec.StartTime, _ = time.Parse(time.RFC3339Nano, startTime)
	rec.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	rec.UserMeta = decodeJSONObject(userMetaRaw)
	rec.Theme = decodeJSONObject(themeRaw)
	return rec, nil
}

func (g *Gateway) EnsureSession(ctx context.Context, sessionID string, userMeta map[string]interface{}) (store.SessionRecord, error) {
	if rec, err := g.GetSession(ctx, sessionID); err == nil {
		if terr := g.TouchSession(ctx, sessionID); terr != nil {
			return store.SessionRecord{}, terr
		}
		rec.LastSeen = time.Now()
		return rec, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.SessionRecord{}, err
	}

	if userMeta == nil {
		userMeta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(userMeta)
	if err != nil {
		metaJSON = []byte("{}")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	rec := store.SessionRecord{
		SessionID: sessionID,
		Status:    store.StatusActive,
		UserMeta:  userMeta,
		Theme:     map[string]interface{}{},
	}
	rec.StartTime, _ = time.Parse(time.RFC3339Nano, now)
	rec.LastSeen = rec.StartTime

	_, err = g.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, status, start_time, last_seen, user_meta, theme)
		 VALUES (?, ?, ?, ?, ?, '{}') ON CONFLICT (session_id) DO NOTHING`,
		sessionID, string(rec.Status), now, now, string(metaJSON))
	if err != nil {
		return store.SessionRecord{}, wrapErr(err)
	}

	g.mu.Lock()
	g.cache[sessionID] = rec
	g.mu.Unlock()
	return rec, nil
}

func (g *Gateway) GetSession(ctx context.Context, sessionID string) (store.SessionRecord, error) {
	g.mu.RLock()
	if rec, ok := g.cache[sessionID]; ok {
		g.mu.RUnlock()
		return rec, nil
	}
	g.mu.RUnlock()

	row := g.db.QueryRowContext(ctx,
		`SELECT session_id, status, assigned_agent, ai_paused, start_time, last_seen, user_meta, theme
		 FROM sessions WHERE session_id = ?`, sessionID)
	rec, err := scanSession(row)
	if err != nil {
		return store.SessionRecord{}, wrapErr(err)
	}

	g.mu.Lock()
	g.cache[sessionID] = rec
	g.mu.Unlock()
	return rec, nil
}

func (g *Gateway) UpdateSessionStatus(ctx context.Context, sessionID string, status store.SessionStatus) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := g.db.ExecContext(ctx, `UPDATE sessions SET status = ?, last_seen = ? WHERE session_id = ?`,
		string(status), now, sessionID)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}

	g.mu.Lock()
	delete(g.cache, sessionID)
	g.mu.Unlock()
	return nil
}

func (g *Gateway) AssignAgent(ctx context.Context, sessionID, agentID string, aiPaused bool) error {
	g.mu.RLock()
	cached, ok := g.cache[sessionID]
	g.mu.RUnlock()
	if !ok {
		var err error
		cached, err = g.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
	}

	meta := cached.UserMeta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["assignedAgent"] = agentID
	meta["aiPaused"] = aiPaused
	metaJSON, _ := json.Marshal(meta)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	aiPausedInt := 0
	if aiPaused {
		aiPausedInt = 1
	}
	res, err := g.db.ExecContext(ctx,
		`UPDATE sessions SET assigned_agent = ?, ai_paused = ?, last_seen = ?, user_meta = ? WHERE session_id = ? AND status != 'closed'`,
		agentID, aiPausedInt, now, string(metaJSON), sessionID)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if cached.Status == store.StatusClosed {
			return store.ErrConflict
		}
		return store.ErrNotFound
	}

	g.mu.Lock()
	delete(g.cache, sessionID)
	g.mu.Unlock()
	return nil
}

func (g *Gateway) TouchSession(ctx context.Context, sessionID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := g.db.ExecContext(ctx, `UPDATE sessions SET last_seen = ? WHERE session_id = ?`, now, sessionID)
	if err != nil {
		return wrapErr(err)
	}
	g.mu.Lock()
	if rec, ok := g.cache[sessionID]; ok {
		rec.LastSeen, _ = time.Parse(time.RFC3339Nano, now)
		g.cache[sessionID] = rec
	}
	g.mu.Unlock()
	return nil
}

func (g *Gateway) AppendMessage(ctx context.Context, msg store.Message) error {
	if _, err := g.EnsureSession(ctx, msg.SessionID, nil); err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	metaJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}

	text := msg.Text
	var encrypted, encryptedMeta []byte
	if g.envelope.Configured() {
		if encrypted, err = g.envelope.SealString(msg.Text); err != nil {
			return fmt.Errorf("%w: seal text: %v", store.ErrUnavailable, err)
		}
		if encryptedMeta, err = g.envelope.Seal(metaJSON); err != nil {
			return fmt.Errorf("%w: seal metadata: %v", store.ErrUnavailable, err)
		}
		if g.redactPII {
			text = ""
			metaJSON = []byte("{}")
		}
	}

	_, err = g.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, sender, text, created_at, confidence, metadata, encrypted, encrypted_metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Sender), text,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano), msg.Confidence, string(metaJSON), encrypted, encryptedMeta)
	if err != nil {
		return wrapErr(err)
	}
	return g.TouchSession(ctx, msg.SessionID)
}

func (g *Gateway) ListMessages(ctx context.Context, sessionID string, opts store.ListOpts) (store.MessagePage, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	order := "ASC"
	if opts.Order == store.OrderDescending {
		order = "DESC"
	}

	rows, err := g.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, session_id, sender, text, created_at, confidence, metadata, encrypted, encrypted_metadata
		 FROM messages WHERE session_id = ? ORDER BY created_at %s LIMIT ? OFFSET ?`, order),
		sessionID, limit+1, opts.Offset)
	if err != nil {
		return store.MessagePage{}, wrapErr(err)
	}
	defer rows.Close()

	var msgs []store.Message
	for rows.Next() {
		var m store.Message
		var sender, createdAt, metaRaw string
		var encrypted, encryptedMeta []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &sender, &m.Text, &createdAt, &m.Confidence, &metaRaw, &encrypted, &encryptedMeta); err != nil {
			return store.MessagePage{}, wrapErr(err)
		}
		m.Sender = store.MessageSender(sender)
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		m.Metadata = decodeJSONObject(metaRaw)
		if g.envelope.Configured() {
			if len(encrypted) > 0 {
				if text, err := g.envelope.OpenString(encrypted); err == nil {
					m.Text = text
				}
			}
			if len(encryptedMeta) > 0 {
				if metaPlain, err := g.envelope.Open(encryptedMeta); err == nil {
					m.Metadata = decodeJSONObject(string(metaPlain))
				}
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return store.MessagePage{}, wrapErr(err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return store.MessagePage{Messages: msgs, HasMore: hasMore}, nil
}

func (g *Gateway) ListActiveSessions(ctx context.Context, limit int) ([]store.SessionRecord, error) {
	const hardCap = 10000
	if limit <= 0 || limit > hardCap {
		limit = hardCap
	}

	rows, err := g.db.QueryContext(ctx,
		`SELECT session_id, status, assigned_agent, ai_paused, start_time, last_seen, user_meta, theme
		 FROM sessions WHERE status != 'closed' ORDER BY last_seen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []store.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, rec)
	}
	return out, wrapErr(rows.Err())
}

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
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.SessionID, rec.MessageID, rec.AIText, rec.Confidence, rec.LatencyMs, rec.Tokens,
		string(rec.ResponseType), string(rec.HumanMark), rec.Evaluation, string(metaJSON),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	return wrapErr(err)
}

func (g *Gateway) GetAccuracyRecord(ctx context.Context, accuracyID string) (store.AccuracyRecord, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT id, session_id, message_id, ai_text, confidence, latency_ms, tokens,
			response_type, human_mark, evaluation, metadata, created_at
		 FROM ai_accuracy WHERE id = ?`, accuracyID)

	var rec store.AccuracyRecord
	var responseType, humanMark, createdAt, metaRaw string
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.MessageID, &rec.AIText, &rec.Confidence,
		&rec.LatencyMs, &rec.Tokens, &responseType, &humanMark, &rec.Evaluation, &metaRaw, &createdAt); err != nil {
		return store.AccuracyRecord{}, wrapErr(err)
	}
	rec.ResponseType = store.ResponseType(responseType)
	rec.HumanMark = store.HumanMark(humanMark)
	rec.Metadata = decodeJSONObject(metaRaw)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return rec, nil
}

func (g *Gateway) UpdateAccuracyFeedback(ctx context.Context, accuracyID string, mark store.HumanMark, note string, audit store.AccuracyAudit) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE ai_accuracy SET human_mark = ?, evaluation = ? WHERE id = ?`,
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
		`INSERT INTO accuracy_audit (accuracy_id, admin_id, action, note, ts) VALUES (?,?,?,?,?)`,
		accuracyID, audit.AdminID, audit.Action, audit.Note, audit.Ts.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return wrapErr(err)
	}

	return wrapErr(tx.Commit())
}

func (g *Gateway) AppendNotification(ctx context.Context, n store.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	isRead := 0
	if n.IsRead {
		isRead = 1
	}
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO notifications (id, type, content, session_id, target_user_id, is_read, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		n.ID, n.Type, n.Content, n.SessionID, n.TargetUserID, isRead, n.CreatedAt.UTC().Format(time.RFC3339Nano))
	return wrapErr(err)
}

func (g *Gateway) ListCannedResponses(ctx context.Context) ([]store.PreloadedResponse, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT pattern, match_type, content, active FROM canned_responses WHERE active = 1`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []store.PreloadedResponse
	for rows.Next() {
		var p store.PreloadedResponse
		var matchType string
		var active int
		if err := rows.Scan(&p.Pattern, &matchType, &p.Content, &active); err != nil {
			return nil, wrapErr(err)
		}
		p.MatchType = store.MatchType(matchType)
		p.Active = active != 0
		out = append(out, p)
	}
	return out, wrapErr(rows.Err())
}

func (g *Gateway) GetActiveLLMSettings(ctx context.Context) (store.LLMSettings, bool, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT provider, model, encrypted_api_key, base_url, is_active, health_status, last_error
		 FROM llm_settings WHERE is_active = 1 LIMIT 1`)

	var s store.LLMSettings
	var isActive int
	err := row.Scan(&s.Provider, &s.Model, &s.EncryptedAPIKey, &s.BaseURL, &isActive, &s.HealthStatus, &s.LastError)
	if err != nil {
		if wrapped := wrapErr(err); wrapped == store.ErrNotFound {
			return store.LLMSettings{}, false, nil
		} else {
			return store.LLMSettings{}, false, wrapped
		}
	}
	s.IsActive = isActive != 0
	return s, true, nil
}
