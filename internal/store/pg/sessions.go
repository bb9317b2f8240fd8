package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/chatrouter/gateway/internal/crypto"
	"github.com/chatrouter/gateway/internal/store"
	"github.com/chatrouter/gateway/internal/telemetry"
)

// Gateway implements store.Gateway on PostgreSQL. Session rows are cached
// in-memory for the lifetime of the process. Writes through this Gateway
// update the cached row in place (status, lastSeen) or drop it
// (AssignAgent, whose userMeta merge happens server-side).
type Gateway struct {
	db        *sql.DB
	envelope  *crypto.Envelope
	redactPII bool

	mu    sync.RWMutex
	cache map[string]store.SessionRecord
}

// NewGateway wraps db. envelope may be unconfigured, in which case message
// text/metadata are stored as plaintext. redactPII clears the plaintext
// columns once a ciphertext sibling has been written. Call Migrate first
// (or rely on the caller having already done so).
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

// isUndefinedColumn reports Postgres 42703: the database predates a column
// this binary writes. Writers retry once with the unknown columns folded
// into user_meta (sessions) or simply dropped (messages ciphertext).
func isUndefinedColumn(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42703"
}

func (g *Gateway) EnsureSession(ctx context.Context, sessionID string, userMeta map[string]interface{}) (store.SessionRecord, error) {
	if rec, err := g.GetSession(ctx, sessionID); err == nil {
		// Existing session: touch LastSeen only. UserMeta stays as stored —
		// it may hold assignment state a second start_session must not wipe.
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

	now := time.Now()
	rec := store.SessionRecord{
		SessionID: sessionID,
		Status:    store.StatusActive,
		StartTime: now,
		LastSeen:  now,
		UserMeta:  userMeta,
		Theme:     map[string]interface{}{},
	}
	_, err = g.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, status, start_time, last_seen, user_meta, theme)
		 VALUES ($1, $2, $3, $4, $5, '{}') ON CONFLICT (session_id) DO NOTHING`,
		sessionID, string(rec.Status), now, now, metaJSON,
	)
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
		 FROM sessions WHERE session_id = $1`, sessionID)

	rec, err := scanSession(row)
	if err != nil {
		return store.SessionRecord{}, wrapErr(err)
	}

	g.mu.Lock()
	g.cache[sessionID] = rec
	g.mu.Unlock()
	return rec, nil
}

// rowScanner abstracts *sql.Row / *sql.Rows so scanSession serves both.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSession decodes one sessions row, tolerating a user_meta/theme
// column that doesn't decode as a plain JSON object (rows written by an
// older schema version) by falling back to an empty map instead of
// failing the whole row read.
func scanSession(row rowScanner) (store.SessionRecord, error) {
	var rec store.SessionRecord
	var status, assignedAgent string
	var aiPaused bool
	var userMetaRaw, themeRaw []byte

	if err := row.Scan(&rec.SessionID, &status, &assignedAgent, &aiPaused,
		&rec.StartTime, &rec.LastSeen, &userMetaRaw, &themeRaw); err != nil {
		return store.SessionRecord{}, err
	}
	rec.Status = store.SessionStatus(status)
	rec.AssignedAgent = assignedAgent
	rec.AIPaused = aiPaused

	rec.UserMeta = decodeJSONObject(userMetaRaw)
	rec.Theme = decodeJSONObject(themeRaw)
	return rec, nil
}

// decodeJSONObject decodes raw into a map, tolerating a stored shape that
// isn't an object (null, array, scalar) by discarding it rather than
// failing the whole row read.
func decodeJSONObject(raw []byte) map[string]interface{} {
	out := map[string]interface{}{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

func (g *Gateway) UpdateSessionStatus(ctx context.Context, sessionID string, status store.SessionStatus) error {
	now := time.Now()
	res, err := g.db.ExecContext(ctx,
		`UPDATE sessions SET status = $1, last_seen = $2 WHERE session_id = $3`,
		string(status), now, sessionID)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}

	g.mu.Lock()
	if rec, ok := g.cache[sessionID]; ok {
		rec.Status = status
		rec.LastSeen = now
		g.cache[sessionID] = rec
	}
	g.mu.Unlock()
	return nil
}

func (g *Gateway) AssignAgent(ctx context.Context, sessionID, agentID string, aiPaused bool) error {
	now := time.Now()
	metaPatch, _ := json.Marshal(map[string]interface{}{
		"assignedAgent": agentID,
		"aiPaused":      aiPaused,
	})
	res, err := g.db.ExecContext(ctx,
		`UPDATE sessions SET assigned_agent = $1, ai_paused = $2, last_seen = $3,
			user_meta = user_meta || $4::jsonb
		 WHERE session_id = $5 AND status != 'closed'`,
		agentID, aiPaused, now, metaPatch, sessionID)
	if err != nil && isUndefinedColumn(err) {
		// Old schema without the direct columns: the userMeta mirror alone
		// carries the assignment.
		res, err = g.db.ExecContext(ctx,
			`UPDATE sessions SET last_seen = $1, user_meta = user_meta || $2::jsonb
			 WHERE session_id = $3 AND status != 'closed'`,
			now, metaPatch, sessionID)
	}
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either no such session or it is closed; closed is terminal and
		// assignment against it is a structured conflict.
		if _, gerr := g.GetSession(ctx, sessionID); gerr == nil {
			return store.ErrConflict
		}
		return store.ErrNotFound
	}

	g.mu.Lock()
	delete(g.cache, sessionID) // force reload: UserMeta merge happened server-side
	g.mu.Unlock()
	return nil
}

func (g *Gateway) TouchSession(ctx context.Context, sessionID string) error {
	now := time.Now()
	_, err := g.db.ExecContext(ctx, `UPDATE sessions SET last_seen = $1 WHERE session_id = $2`, now, sessionID)
	if err != nil {
		return wrapErr(err)
	}
	g.mu.Lock()
	if rec, ok := g.cache[sessionID]; ok {
		rec.LastSeen = now
		g.cache[sessionID] = rec
	}
	g.mu.Unlock()
	return nil
}

func (g *Gateway) AppendMessage(ctx context.Context, msg store.Message) error {
	ctx, span := telemetry.StartSpan(ctx, "store.pg.append_message")
	defer span.End()

	// The session must exist before the FK-constrained insert; a first
	// user_message on an unknown id implicitly creates its session.
	if _, err := g.EnsureSession(ctx, msg.SessionID, nil); err != nil {
		telemetry.RecordError(span, err)
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
			telemetry.RecordError(span, err)
			return fmt.Errorf("%w: seal text: %v", store.ErrUnavailable, err)
		}
		if encryptedMeta, err = g.envelope.Seal(metaJSON); err != nil {
			telemetry.RecordError(span, err)
			return fmt.Errorf("%w: seal metadata: %v", store.ErrUnavailable, err)
		}
		if g.redactPII {
			text = ""
			metaJSON = []byte("{}")
		}
	}

	_, err = g.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, sender, text, created_at, confidence, metadata, encrypted, encrypted_metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.SessionID, string(msg.Sender), text, msg.CreatedAt, msg.Confidence, metaJSON, encrypted, encryptedMeta)
	if err != nil && isUndefinedColumn(err) {
		// Old schema without the ciphertext columns: keep the turn, store
		// plaintext only.
		_, err = g.db.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, sender, text, created_at, confidence, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			msg.ID, msg.SessionID, string(msg.Sender), msg.Text, msg.CreatedAt, msg.Confidence, metaJSON)
	}
	if err != nil {
		werr := wrapErr(err)
		telemetry.RecordError(span, werr)
		return werr
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
		 FROM messages WHERE session_id = $1 ORDER BY created_at %s LIMIT $2 OFFSET $3`, order),
		sessionID, limit+1, opts.Offset)
	if err != nil {
		return store.MessagePage{}, wrapErr(err)
	}
	defer rows.Close()

	var msgs []store.Message
	for rows.Next() {
		var m store.Message
		var sender string
		var metaRaw, encrypted, encryptedMeta []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &sender, &m.Text, &m.CreatedAt, &m.Confidence, &metaRaw, &encrypted, &encryptedMeta); err != nil {
			return store.MessagePage{}, wrapErr(err)
		}
		m.Sender = store.MessageSender(sender)
		g.openMessage(&m, metaRaw, encrypted, encryptedMeta)
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

// openMessage fills m.Text and m.Metadata, preferring the ciphertext
// columns when present and the envelope can open them. A ciphertext the
// envelope cannot open (rotated key, corrupt row) degrades to whatever
// plaintext survives — possibly redacted — rather than failing the read.
func (g *Gateway) openMessage(m *store.Message, metaRaw, encrypted, encryptedMeta []byte) {
	m.Metadata = decodeJSONObject(metaRaw)
	if !g.envelope.Configured() {
		return
	}
	if len(encrypted) > 0 {
		if text, err := g.envelope.OpenString(encrypted); err == nil {
			m.Text = text
		}
	}
	if len(encryptedMeta) > 0 {
		if metaPlain, err := g.envelope.Open(encryptedMeta); err == nil {
			m.Metadata = decodeJSONObject(metaPlain)
		}
	}
}

// ListActiveSessions is a bounded scan: no status index lookup goes past
// 10,000 candidate rows, so callers get a capped, newest-first slice
// rather than an unbounded scan.
func (g *Gateway) ListActiveSessions(ctx context.Context, limit int) ([]store.SessionRecord, error) {
	const hardCap = 10000
	if limit <= 0 || limit > hardCap {
		limit = hardCap
	}

	rows, err := g.db.QueryContext(ctx,
		`SELECT session_id, status, assigned_agent, ai_paused, start_time, last_seen, user_meta, theme
		 FROM sessions WHERE status != 'closed' ORDER BY last_seen DESC LIMIT $1`, limit)
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
