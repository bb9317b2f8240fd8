package pg

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/chatrouter/gateway/internal/store"
)

func (g *Gateway) AppendNotification(ctx context.Context, n store.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO notifications (id, type, content, session_id, target_user_id, is_read, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		n.ID, n.Type, n.Content, n.SessionID, n.TargetUserID, n.IsRead, n.CreatedAt)
	return wrapErr(err)
}

func (g *Gateway) ListCannedResponses(ctx context.Context) ([]store.PreloadedResponse, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT pattern, match_type, content, active FROM canned_responses WHERE active = TRUE`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []store.PreloadedResponse
	for rows.Next() {
		var p store.PreloadedResponse
		var matchType string
		if err := rows.Scan(&p.Pattern, &matchType, &p.Content, &p.Active); err != nil {
			return nil, wrapErr(err)
		}
		p.MatchType = store.MatchType(matchType)
		out = append(out, p)
	}
	return out, wrapErr(rows.Err())
}

func (g *Gateway) GetActiveLLMSettings(ctx context.Context) (store.LLMSettings, bool, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT provider, model, encrypted_api_key, base_url, is_active, health_status, last_error
		 FROM llm_settings WHERE is_active = TRUE LIMIT 1`)

	var s store.LLMSettings
	err := row.Scan(&s.Provider, &s.Model, &s.EncryptedAPIKey, &s.BaseURL, &s.IsActive, &s.HealthStatus, &s.LastError)
	if err != nil {
		if wrapped := wrapErr(err); wrapped == store.ErrNotFound {
			return store.LLMSettings{}, false, nil
		} else {
			return store.LLMSettings{}, false, wrapped
		}
	}
	return s, true, nil
}
