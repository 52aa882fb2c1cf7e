package session

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/ridgelight/oidcrp/rp"
)

const (
	// DefaultCookieName is the cookie carrying the session id.
	DefaultCookieName = "rp_session"

	// DefaultTTL is how long a redis-backed session lives without activity.
	DefaultTTL = 24 * time.Hour
)

// newSessionID generates an unpredictable session identifier.
func newSessionID() (string, error) {
	const op = "session.newSessionID"
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate session id: %w", op, err)
	}
	return id, nil
}

// requestSessionID returns the session id the user agent presented, if any.
func requestSessionID(r *http.Request, cookieName string) string {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// writeSessionCookie issues (or rotates) the session id cookie. The Secure
// flag follows the inbound request's transport, honoring X-Forwarded-Proto
// for relying parties behind a proxy.
func writeSessionCookie(w http.ResponseWriter, r *http.Request, cookieName, id string) {
	secure := r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// storeOptions is the set of available options for the stores in this
// package.
type storeOptions struct {
	withCookieName string
	withTTL        time.Duration
	withKeyPrefix  string
}

func storeDefaults() storeOptions {
	return storeOptions{
		withCookieName: DefaultCookieName,
		withTTL:        DefaultTTL,
		withKeyPrefix:  "rpsession:",
	}
}

func getStoreOpts(opt ...rp.Option) storeOptions {
	opts := storeDefaults()
	rp.ApplyOpts(&opts, opt...)
	return opts
}

// WithCookieName provides the name of the cookie carrying the session id.
func WithCookieName(name string) rp.Option {
	return func(o interface{}) {
		if o, ok := o.(*storeOptions); ok {
			o.withCookieName = name
		}
	}
}

// WithTTL provides how long a redis-backed session lives without activity.
func WithTTL(d time.Duration) rp.Option {
	return func(o interface{}) {
		if o, ok := o.(*storeOptions); ok {
			o.withTTL = d
		}
	}
}

// WithKeyPrefix provides the redis key prefix for session hashes.
func WithKeyPrefix(prefix string) rp.Option {
	return func(o interface{}) {
		if o, ok := o.(*storeOptions); ok {
			o.withKeyPrefix = prefix
		}
	}
}
