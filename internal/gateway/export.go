package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/chatrouter/gateway/internal/store"
	"github.com/chatrouter/gateway/pkg/protocol"
)

// exportSession is the admin bulk-export wire shape for one session plus
// its transcript, bounded (max_sessions sessions, each
// message page capped by max_messages total across the whole export).
type exportSession struct {
	SessionID string        `json:"sessionId"`
	Status    string        `json:"status"`
	Messages  []exportMsg   `json:"messages"`
}

type exportMsg struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// handleSessionsExport is GET /admin/sessions/export: a bounded bulk
// export of active sessions and their transcripts, gated on
// PermissionExportSessions and a rolling-window rate limit.
func (s *Server) handleSessionsExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	principal, err := s.authResolver.Resolve(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if err != nil || !hasPermission(principal.Permissions, protocol.PermissionExportSessions) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if s.exportLimiter.Enabled() && !s.exportLimiter.Allow(principal.UserID) {
		http.Error(w, "export rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	export := s.cfg.Snapshot().Export
	maxSessions := export.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 50
	}
	maxMessages := export.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 100000
	}

	sessions, err := s.store.ListActiveSessions(r.Context(), maxSessions)
	if err != nil {
		slog.Warn("gateway.sessions_export_failed", "error", err)
		http.Error(w, "could not list sessions", http.StatusInternalServerError)
		return
	}

	out := make([]exportSession, 0, len(sessions))
	budget := maxMessages
	for _, sess := range sessions {
		if budget <= 0 {
			break
		}
		limit := budget
		if limit > 1000 {
			limit = 1000 // per-session page size; budget still caps the grand total
		}
		page, err := s.store.ListMessages(r.Context(), sess.SessionID, store.ListOpts{Order: store.OrderAscending, Limit: limit})
		if err != nil {
			slog.Warn("gateway.sessions_export_list_messages_failed", "sessionId", sess.SessionID, "error", err)
			continue
		}
		msgs := make([]exportMsg, 0, len(page.Messages))
		for _, m := range page.Messages {
			msgs = append(msgs, exportMsg{Sender: string(m.Sender), Text: m.Text})
		}
		budget -= len(msgs)
		out = append(out, exportSession{SessionID: sess.SessionID, Status: string(sess.Status), Messages: msgs})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		slog.Warn("gateway.sessions_export_encode_failed", "error", err)
	}
}
