package rp

import (
	"context"
	"fmt"
	"net/http"
)

// Logout creates the session termination handler. When the user agent holds
// an authenticated session, an optional OP logout URL builder may override
// the post-logout target before the local session is terminated. Logging out
// an already-logged-out agent is not an error: the handler still redirects
// to the configured target.
//
// The handler serves GET and POST; both are idempotent with respect to
// session state.
func Logout(ctx context.Context, c *Config, sessions SessionStore) (http.HandlerFunc, error) {
	const op = "rp.Logout"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if sessions == nil {
		return nil, fmt.Errorf("%s: session store is nil: %w", op, ErrNilParameter)
	}
	logger := c.logger()

	return func(w http.ResponseWriter, r *http.Request) {
		reqCtx := r.Context()
		sess, err := sessions.Load(reqCtx, w, r)
		if err != nil {
			logger.Error("unable to load session", "error", err)
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}

		target := c.LogoutRedirectURL
		p, err := sess.Principal(reqCtx)
		if err != nil {
			logger.Error("unable to read session principal", "error", err)
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
		if p != nil {
			if c.OPLogoutURL != nil {
				if u := c.OPLogoutURL(r); u != "" {
					target = u
				}
			}
			if err := sess.Logout(reqCtx); err != nil {
				logger.Error("session termination failed",
					"error", fmt.Errorf("%s: %w: %v", op, ErrSessionTermination, err))
				http.Error(w, "logout failed", http.StatusInternalServerError)
				return
			}
		}
		http.Redirect(w, r, target, http.StatusFound)
	}, nil
}
