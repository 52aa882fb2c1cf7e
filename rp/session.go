package rp

import (
	"context"
	"net/http"
)

// Keys used within a user agent's session to hold the state of one in-flight
// login attempt.
const (
	// SessionKeyState holds the per-flow CSRF token.
	SessionKeyState = "oidc_state"

	// SessionKeyNonce holds the per-flow replay token. It is removed the
	// moment a callback arrives, before any validation.
	SessionKeyNonce = "oidc_nonce"

	// SessionKeyLoginNext holds the post-login redirect target. The value is
	// validated once, when the flow begins, and trusted afterwards.
	SessionKeyLoginNext = "oidc_login_next"

	// SessionKeyIDTokenExpiration holds the unix timestamp after which the
	// session's id_token should be considered stale. It is consumed by an
	// external renewal mechanism, not by this package.
	SessionKeyIDTokenExpiration = "oidc_id_token_expiration"
)

// Principal is the user-authentication backend's notion of an authenticated
// identity. The flow only checks that a principal is present and active
// before establishing a session.
type Principal struct {
	// ID uniquely identifies the principal (typically the id_token subject).
	ID string `json:"id"`

	// Email is the principal's email address, if the backend resolved one.
	Email string `json:"email,omitempty"`

	// Active reports whether the principal may establish a session.
	Active bool `json:"active"`

	// Claims carries any additional claims the backend chose to retain.
	Claims map[string]interface{} `json:"claims,omitempty"`
}

// Session is the server-side session for a single user agent. Mutations must
// be durable by the time the method returns, since the user agent leaves the
// relying party between requests.
type Session interface {
	// Get returns the stored value for key, reporting whether it was present.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Principal returns the authenticated principal for this session, or nil
	// when the session is unauthenticated.
	Principal(ctx context.Context) (*Principal, error)

	// Login marks the session as authenticated for p. Implementations must
	// rotate the session identifier so an established session never shares
	// an identifier with the anonymous session that began the flow.
	Login(ctx context.Context, p *Principal) error

	// Logout removes the principal and all stored values. Logging out an
	// unauthenticated session is not an error.
	Logout(ctx context.Context) error
}

// SessionStore finds (or creates) the session for an inbound request.
// Implementations must be concurrently safe, since the store is used within
// concurrent http.Handlers.
type SessionStore interface {
	// Load returns the session identified by the request's user agent,
	// creating a new one when the request carries none. The ResponseWriter
	// is available so implementations can issue or rotate the session
	// identifier the user agent holds.
	Load(ctx context.Context, w http.ResponseWriter, r *http.Request) (Session, error)
}

// Authenticator is the external user-authentication backend. It owns the
// authorization code exchange, token verification and principal resolution.
type Authenticator interface {
	// Authenticate performs a single code exchange and resolves the
	// authenticated principal. The nonce is the value consumed from the
	// session (empty when nonce mode is disabled) and must match the nonce
	// bound into the issued id_token.
	//
	// Ordinary rejections (denied grant, failed verification, no such user)
	// return (nil, nil). A non-nil error means the backend itself failed.
	Authenticate(ctx context.Context, code string, nonce string) (*Principal, error)
}

// MetadataSource resolves a named value from the OP's published metadata
// document. It backs the settings resolution chain: explicit configuration
// first, then metadata, then a documented default.
type MetadataSource interface {
	// Value returns the metadata value for name, reporting whether the
	// document provides one.
	Value(ctx context.Context, name string) (value string, ok bool, err error)
}
