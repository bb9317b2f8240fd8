// Package memstore is an in-memory store.Gateway used by tests; the serve
// command never selects it. Semantics mirror
// store/pg: idempotent session creation, append-only messages ordered by
// CreatedAt, closed-session assignment conflicts.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatrouter/gateway/internal/store"
)

// Gateway implements store.Gateway entirely in process memory.
type Gateway struct {
	mu            sync.Mutex
	sessions      map[string]store.SessionRecord
	messages      map[string][]store.Message
	accuracy      map[string]store.AccuracyRecord
	audits        []store.AccuracyAudit
	notifications []store.Notification
	canned        []store.PreloadedResponse
	llm           *store.LLMSettings

	// Fail, when set, is returned by every subsequent call — lets tests
	// exercise the degraded-store paths.
	Fail error
}

// New creates an empty Gateway.
func New() *Gateway {
	return &Gateway{
		sessions: make(map[string]store.SessionRecord),
		messages: make(map[string][]store.Message),
		accuracy: make(map[string]store.AccuracyRecord),
	}
}

func (g *Gateway) Close() error { return nil }

func (g *Gateway) EnsureSession(ctx context.Context, sessionID string, userMeta map[string]interface{}) (store.SessionRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		return store.SessionRecord{}, g.Fail
	}

	if rec, ok := g.sessions[sessionID]; ok {
		rec.LastSeen = time.Now()
		g.sessions[sessionID] = rec
		return rec, nil
	}

	if userMeta == nil {
		userMeta = map[string]interface{}{}
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
	g.sessions[sessionID] = rec
	return rec, nil
}

func (g *Gateway) GetSession(ctx context.Context, sessionID string) (store.SessionRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		return store.SessionRecord{}, g.Fail
	}
	rec, ok := g.sessions[sessionID]
	if !ok {
		return store.SessionRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (g *Gateway) UpdateSessionStatus(ctx context.Context, sessionID string, status store.SessionStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		return g.Fail
	}
	rec, ok := g.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = status
	rec.LastSeen = time.Now()
	g.sessions[sessionID] = rec
	return nil
}

func (g *Gateway) AssignAgent(ctx context.Context, sessionID, agentID string, aiPaused bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		return g.Fail
	}
	rec, ok := g.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	if rec.Status == store.StatusClosed {
		return store.ErrConflict
	}
	rec.AssignedAgent = agentID
	rec.AIPaused = aiPaused
	rec.LastSeen = time.Now()
	if rec.UserMeta == nil {
		rec.UserMeta = map[string]interface{}{}
	}
	rec.UserMeta["assignedAgent"] = agentID
	rec.UserMeta["aiPaused"] = aiPaused
	g.sessions[sessionID] = rec
	return nil
}

func (g *Gateway) TouchSession(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		return g.Fail
	}
	rec, ok := g.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	rec.LastSeen = time.Now()
	g.sessions[sessionID] = rec
	return nil
}

func (g *Gateway) AppendMessage(ctx context.Context, msg store.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		return g.Fail
	}

	if _, ok := g.sessions[msg.SessionID]; !ok {
		now := time.Now()
		g.sessions[msg.SessionID] = store.SessionRecord{
			SessionID: msg.SessionID,
			Status:    store.StatusActive,
			StartTime: now,
			LastSeen:  now,
			UserMeta:  map[string]interface{}{},
			Theme:     map[string]interface{}{},
		}
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		// Strictly increasing within the lock so ListMessages ordering is
		// deterministic even when two appends land in the same nanosecond.
		msg.CreatedAt = time.Now()
		if prev := g.messages[msg.SessionID]; len(prev) > 0 {
			if last := prev[len(prev)-1].CreatedAt; !msg.CreatedAt.After(last) {
				msg.CreatedAt = last.Add(time.Nanosecond)
			}
		}
	}
	g.messages[msg.SessionID] = append(g.messages[msg.SessionID], msg)

	rec := g.sessions[msg.SessionID]
	rec.LastSeen = time.Now()
	g.sessions[msg.SessionID] = rec
	return nil
}

func (g *Gateway) ListMessages(ctx context.Context, sessionID string, opts store.ListOpts) (store.MessagePage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		return store.MessagePage{}, g.Fail
	}

	msgs := append([]store.Message(nil), g.messages[sessionID]...)
	if opts.Order == store.OrderDescending {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(msgs) {
			return store.MessagePage{}, nil
		}
		msgs = msgs[opts.Offset:]
	}

	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return store.MessagePage{Messages: msgs, HasMore: hasMore}, nil
}

func (g *Gateway) ListActiveSessions(ctx context.Context, limit int) ([]store.SessionRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		return nil, g.Fail
	}

	var out []store.SessionRecord
	for _, rec := range g.sessions {
		if rec.Status != store.StatusClosed {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *Gateway) SaveAccuracyRecord(ctx context.Context, rec store.AccuracyRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		return g.Fail
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	g.accuracy[rec.ID] = rec
	return nil
}

func (g *Gateway) GetAccuracyRecord(ctx context.Context, accuracyID string) (store.AccuracyRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		return store.AccuracyRecord{}, g.Fail
	}
	rec, ok := g.accuracy[accuracyID]
	if !ok {
		return store.AccuracyRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (g *Gateway) UpdateAccuracyFeedback(ctx context.Context, accuracyID string, mark store.HumanMark, note string, audit store.AccuracyAudit) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		return g.Fail
	}
	rec, ok := g.accuracy[accuracyID]
	if !ok {
		return store.ErrNotFound
	}
	rec.HumanMark = mark
	rec.Evaluation = note
	g.accuracy[accuracyID] = rec
	if audit.Ts.IsZero() {
		audit.Ts = time.Now()
	}
	g.audits = append(g.audits, audit)
	return nil
}

func (g *Gateway) AppendNotification(ctx context.Context, n store.Notification) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		return g.Fail
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	g.notifications = append(g.notifications, n)
	return nil
}

func (g *Gateway) ListCannedResponses(ctx context.Context) ([]store.PreloadedResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		return nil, g.Fail
	}
	var out []store.PreloadedResponse
	for _, p := range g.canned {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (g *Gateway) GetActiveLLMSettings(ctx context.Context) (store.LLMSettings, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		return store.LLMSettings{}, false, g.Fail
	}
	if g.llm == nil || !g.llm.IsActive {
		return store.LLMSettings{}, false, nil
	}
	return *g.llm, true, nil
}

// Seeding and inspection helpers used by tests.

// SeedCanned replaces the canned-response table.
func (g *Gateway) SeedCanned(responses []store.PreloadedResponse) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canned = append([]store.PreloadedResponse(nil), responses...)
}

// SeedLLMSettings installs the single active LLM configuration.
func (g *Gateway) SeedLLMSettings(s store.LLMSettings) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.llm = &s
}

// SeedSession installs a session record verbatim.
func (g *Gateway) SeedSession(rec store.SessionRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[rec.SessionID] = rec
}

// Messages returns a copy of sessionID's transcript in append order.
func (g *Gateway) Messages(sessionID string) []store.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]store.Message(nil), g.messages[sessionID]...)
}

// AccuracyRecords returns all saved accuracy rows, unordered.
func (g *Gateway) AccuracyRecords() []store.AccuracyRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]store.AccuracyRecord, 0, len(g.accuracy))
	for _, rec := range g.accuracy {
		out = append(out, rec)
	}
	return out
}

// Notifications returns all appended notifications in order.
func (g *Gateway) Notifications() []store.Notification {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]store.Notification(nil), g.notifications...)
}

// Audits returns all accuracy audit rows in order.
func (g *Gateway) Audits() []store.AccuracyAudit {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]store.AccuracyAudit(nil), g.audits...)
}
