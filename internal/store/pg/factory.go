package pg

import (
	"context"
	"fmt"

	"github.com/chatrouter/gateway/internal/crypto"
	"github.com/chatrouter/gateway/internal/store"
)

// Open opens a Postgres-backed store.Gateway at dsn, applying schema
// migrations before returning. envelope/redactPII configure at-rest
// encryption of message text and metadata.
func Open(ctx context.Context, dsn string, envelope *crypto.Envelope, redactPII bool) (store.Gateway, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres schema: %w", err)
	}
	return NewGateway(db, envelope, redactPII), nil
}
