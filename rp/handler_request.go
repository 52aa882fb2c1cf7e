package rp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// AuthenticationRequest creates the handler that begins an authorization
// code flow. It generates the per-flow state (and nonce, unless disabled),
// stores them in the user agent's session along with a validated post-login
// target, and redirects the user agent to the OP's authorization endpoint.
//
// The authorization endpoint is resolved once, here: a config that cannot
// produce one is a misconfiguration and fails handler construction.
func AuthenticationRequest(ctx context.Context, c *Config, sessions SessionStore) (http.HandlerFunc, error) {
	const op = "rp.AuthenticationRequest"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if sessions == nil {
		return nil, fmt.Errorf("%s: session store is nil: %w", op, ErrNilParameter)
	}
	authEndpoint, err := c.authorizationEndpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
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

		state, err := NewID(c.StateSize)
		if err != nil {
			logger.Error("unable to generate state", "error", err)
			http.Error(w, "unable to begin authentication", http.StatusInternalServerError)
			return
		}

		params := url.Values{}
		if c.ExtraAuthParams != nil {
			for k, v := range c.ExtraAuthParams(r) {
				params.Set(k, v)
			}
		}
		params.Set("response_type", "code")
		params.Set("scope", strings.Join(c.Scopes, " "))
		params.Set("client_id", c.ClientID)
		params.Set("redirect_uri", absoluteURL(r, c.CallbackPath))
		params.Set("state", state)

		if c.UseNonce {
			nonce, err := NewID(c.NonceSize)
			if err != nil {
				logger.Error("unable to generate nonce", "error", err)
				http.Error(w, "unable to begin authentication", http.StatusInternalServerError)
				return
			}
			params.Set("nonce", nonce)
			if err := sess.Set(reqCtx, SessionKeyNonce, nonce); err != nil {
				logger.Error("unable to store nonce", "error", err)
				http.Error(w, "session unavailable", http.StatusInternalServerError)
				return
			}
		}

		if err := sess.Set(reqCtx, SessionKeyState, state); err != nil {
			logger.Error("unable to store state", "error", err)
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}

		// The requested target is validated exactly once, here. The callback
		// trusts whatever this stored.
		if next := c.nextURL(r); next != "" {
			err = sess.Set(reqCtx, SessionKeyLoginNext, next)
		} else {
			err = sess.Delete(reqCtx, SessionKeyLoginNext)
		}
		if err != nil {
			logger.Error("unable to store login target", "error", err)
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}

		http.Redirect(w, r, authEndpoint+"?"+params.Encode(), http.StatusFound)
	}, nil
}

// nextURL resolves the requested post-login target from the request,
// returning it only when it is safe to redirect to. The inbound request's
// own host is always an allowed target host.
func (c *Config) nextURL(r *http.Request) string {
	next := r.URL.Query().Get(c.RedirectFieldName)
	if next == "" {
		return ""
	}
	hosts := make([]string, 0, len(c.AllowedRedirectHosts)+1)
	hosts = append(hosts, c.AllowedRedirectHosts...)
	hosts = append(hosts, r.Host)
	if !IsSafeRedirectURL(next, hosts, c.requireHTTPSRedirect(r)) {
		return ""
	}
	return next
}

// absoluteURL derives an absolute URL for path from the inbound request,
// honoring X-Forwarded-Proto for relying parties behind a proxy.
func absoluteURL(r *http.Request, path string) string {
	scheme := "http"
	if requestIsSecure(r) {
		scheme = "https"
	}
	return scheme + "://" + r.Host + path
}
