package sqlite

import (
	"context"

	"github.com/chatrouter/gateway/internal/crypto"
	"github.com/chatrouter/gateway/internal/store"
)

// OpenGateway opens a SQLite-backed store.Gateway at path.
func OpenGateway(ctx context.Context, path string, envelope *crypto.Envelope, redactPII bool) (store.Gateway, error) {
	db, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewGateway(db, envelope, redactPII), nil
}
