package rp

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Callback creates the handler for the OP's authorization response. The
// checks run in a fixed priority order:
//
//  1. the session's nonce is consumed before any validation, so a nonce can
//     never be replayed across two callbacks even when the first fails
//  2. an OP-reported error logs out any existing authenticated session and
//     resolves to the failure redirect
//  3. a callback carrying code and state verifies the stored state, then
//     makes a single authentication attempt against the backend
//  4. anything else resolves to the failure redirect
//
// A state mismatch is a protocol violation (CSRF or session confusion), not
// an ordinary failure: it is logged as suspicious and rejected with a 400
// instead of being redirected.
func Callback(ctx context.Context, c *Config, authn Authenticator, sessions SessionStore) (http.HandlerFunc, error) {
	const op = "rp.Callback"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if authn == nil {
		return nil, fmt.Errorf("%s: authenticator is nil: %w", op, ErrNilParameter)
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

		// Consume the nonce unconditionally, before any validation. A
		// second callback racing this one observes the nonce already gone
		// and resolves to failure.
		nonce, hadNonce, err := sess.Get(reqCtx, SessionKeyNonce)
		if err != nil {
			logger.Error("unable to read nonce", "error", err)
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
		if hadNonce {
			if err := sess.Delete(reqCtx, SessionKeyNonce); err != nil {
				logger.Error("unable to consume nonce", "error", err)
				http.Error(w, "session unavailable", http.StatusInternalServerError)
				return
			}
		}

		q := r.URL.Query()
		switch {
		case q.Get("error") != "":
			// The OP reported a denied or failed authentication. A stale
			// authenticated session must not survive it.
			logger.Info("provider reported an authentication error",
				"error", q.Get("error"), "description", q.Get("error_description"))
			p, err := sess.Principal(reqCtx)
			if err != nil {
				logger.Error("unable to read session principal", "error", err)
				http.Error(w, "session unavailable", http.StatusInternalServerError)
				return
			}
			if p != nil {
				if err := sess.Logout(reqCtx); err != nil {
					logger.Error("defensive logout did not take effect",
						"error", fmt.Errorf("%s: %w: %v", op, ErrSessionTermination, err))
					http.Error(w, "logout failed", http.StatusInternalServerError)
					return
				}
			}
			loginFailure(w, r, c)

		case q.Has("code") && q.Has("state"):
			storedState, ok, err := sess.Get(reqCtx, SessionKeyState)
			if err != nil {
				logger.Error("unable to read session state", "error", err)
				http.Error(w, "session unavailable", http.StatusInternalServerError)
				return
			}
			if !ok || storedState == "" {
				// No in-flight attempt for this session; there is nothing
				// to verify the callback against, so no exchange is made.
				loginFailure(w, r, c)
				return
			}
			if q.Get("state") != storedState {
				logger.Warn("suspicious operation: callback state does not match session state")
				http.Error(w, ErrStateMismatch.Error(), http.StatusBadRequest)
				return
			}

			p, err := authn.Authenticate(reqCtx, q.Get("code"), nonce)
			if err != nil {
				logger.Error("authentication backend failed", "error", err)
				loginFailure(w, r, c)
				return
			}
			if p == nil || !p.Active {
				loginFailure(w, r, c)
				return
			}
			if err := loginSuccess(reqCtx, w, r, c, sess, p); err != nil {
				logger.Error("unable to establish session", "error", err)
				http.Error(w, "login failed", http.StatusInternalServerError)
			}

		default:
			loginFailure(w, r, c)
		}
	}, nil
}

// loginSuccess establishes the authenticated session, records when the
// upstream id_token goes stale, and redirects to the stored post-login
// target (validated when the flow began) or the configured default.
func loginSuccess(ctx context.Context, w http.ResponseWriter, r *http.Request, c *Config, sess Session, p *Principal) error {
	const op = "rp.loginSuccess"
	if err := sess.Login(ctx, p); err != nil {
		return fmt.Errorf("%s: unable to log principal in: %w", op, err)
	}
	exp := time.Now().Add(c.RenewInterval).Unix()
	if err := sess.Set(ctx, SessionKeyIDTokenExpiration, strconv.FormatInt(exp, 10)); err != nil {
		return fmt.Errorf("%s: unable to store id_token expiration: %w", op, err)
	}
	target := c.LoginRedirectURL
	next, ok, err := sess.Get(ctx, SessionKeyLoginNext)
	if err != nil {
		return fmt.Errorf("%s: unable to read login target: %w", op, err)
	}
	if ok && next != "" {
		target = next
	}
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

// loginFailure redirects to the configured failure URL. No detail about the
// cause is carried on the redirect.
func loginFailure(w http.ResponseWriter, r *http.Request, c *Config) {
	http.Redirect(w, r, c.LoginFailureURL, http.StatusFound)
}
