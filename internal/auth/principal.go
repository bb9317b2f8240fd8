// Package auth resolves bearer tokens to principals. Two
// token forms are accepted: the well-known admin shared secret (dev
// bypass), and an HMAC-signed token minted out of band carrying a role.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/chatrouter/gateway/pkg/protocol"
)

// ErrInvalidToken is returned when a token resolves to no principal.
var ErrInvalidToken = errors.New("auth: invalid token")

// Principal is the resolved identity behind a bearer token.
type Principal struct {
	UserID      string
	Email       string
	Roles       []string
	Permissions []string
}

// HasRole reports whether p holds role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Resolver validates bearer tokens against the configured admin shared
// secret and HMAC signing key.
type Resolver struct {
	adminSecret string
	signingKey  []byte
}

// NewResolver builds a Resolver. signingKeyB64 may be empty (disables
// signed-token validation; only the shared secret works).
func NewResolver(adminSecret, signingKeyB64 string) (*Resolver, error) {
	var key []byte
	if signingKeyB64 != "" {
		k, err := base64.StdEncoding.DecodeString(signingKeyB64)
		if err != nil {
			return nil, err
		}
		key = k
	}
	return &Resolver{adminSecret: adminSecret, signingKey: key}, nil
}

// synthAdmin is the principal the dev shared-secret token maps to.
func synthAdmin() Principal {
	return Principal{
		UserID:      "synthetic-admin",
		Email:       "admin@local",
		Roles:       []string{protocol.RoleAdmin, protocol.RoleAgent},
		Permissions: []string{protocol.PermissionAccuracyFeedback, protocol.PermissionExportSessions},
	}
}

// Resolve validates token and returns the principal it denotes.
func (r *Resolver) Resolve(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	if r.adminSecret != "" && hmac.Equal([]byte(token), []byte(r.adminSecret)) {
		return synthAdmin(), nil
	}
	if p, ok := r.verifySigned(token); ok {
		return p, nil
	}
	return Principal{}, ErrInvalidToken
}

// verifySigned checks a token of the form "<payload-b64>.<sig-b64>" where
// sig = HMAC-SHA256(signingKey, payload) and payload is "agentId|role".
// This is a minimal signed-token scheme: no external identity provider
// is involved; everything beyond bearer tokens plus the shared dev
// secret is left to deployment.
func (r *Resolver) verifySigned(token string) (Principal, bool) {
	if len(r.signingKey) == 0 {
		return Principal{}, false
	}
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return Principal{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Principal{}, false
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Principal{}, false
	}

	mac := hmac.New(sha256.New, r.signingKey)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Principal{}, false
	}

	fields := strings.SplitN(string(payload), "|", 2)
	if len(fields) != 2 {
		return Principal{}, false
	}
	agentID, role := fields[0], fields[1]
	return Principal{
		UserID: agentID,
		Roles:  []string{role},
	}, true
}
