package store

import "errors"

// Sentinel errors returned by Gateway implementations. Callers in the
// routing engine branch on these with errors.Is.
var (
	// ErrNotFound is returned when a lookup finds no matching row.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable is returned when the underlying store cannot be
	// reached at all (connection refused, context deadline). Distinct
	// from ErrNotFound so callers can choose "needs_human" escalation
	// over silently treating a down store as an empty result.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrShapeMismatch names a stored document whose shape doesn't
	// decode into the expected struct. No backend in this module returns
	// it: store/pg and store/sqlite decode such a column to an empty map,
	// and store/pg retries a write once without the columns an older
	// schema lacks (Postgres 42703).
	ErrShapeMismatch = errors.New("store: shape mismatch")

	// ErrConflict is returned for state-machine violations, e.g. trying
	// to assign an agent to a session that is already closed.
	ErrConflict = errors.New("store: conflict")
)
