package rp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCallbackConfig(t *testing.T, opt ...Option) *Config {
	t.Helper()
	opts := append([]Option{
		WithAuthorizationEndpoint("https://op.example.com/auth"),
		WithLoginFailureURL("/login-failed"),
	}, opt...)
	c, err := NewConfig("test-client-id", "/oidc/callback", opts...)
	require.NoError(t, err)
	return c
}

func testCallback(t *testing.T, h http.HandlerFunc, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

// nonceBoundAuthenticator behaves like a real backend: the nonce consumed
// from the session must match the nonce bound into the issued token.
type nonceBoundAuthenticator struct {
	wantNonce string
	principal *Principal
}

func (a *nonceBoundAuthenticator) Authenticate(ctx context.Context, code, nonce string) (*Principal, error) {
	if nonce != a.wantNonce {
		return nil, nil
	}
	return a.principal, nil
}

func TestCallback(t *testing.T) {
	ctx := context.Background()
	activePrincipal := &Principal{ID: "alice", Email: "alice@example.com", Active: true}

	t.Run("constructor-errors", func(t *testing.T) {
		assert := assert.New(t)
		c := testCallbackConfig(t)
		authn := &TestAuthenticator{}
		store := NewTestStore()

		_, err := Callback(ctx, nil, authn, store)
		assert.True(errors.Is(err, ErrNilParameter))
		_, err = Callback(ctx, c, nil, store)
		assert.True(errors.Is(err, ErrNilParameter))
		_, err = Callback(ctx, c, authn, nil)
		assert.True(errors.Is(err, ErrNilParameter))
	})

	t.Run("success", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store := NewTestStore()
		store.SetValue(SessionKeyState, "st_123")
		store.SetValue(SessionKeyNonce, "n_456")
		authn := &TestAuthenticator{Principal: activePrincipal}
		h, err := Callback(ctx, testCallbackConfig(t), authn, store)
		require.NoError(err)

		before := time.Now()
		w := testCallback(t, h, "http://rp.example.com/oidc/callback?code=auth-code&state=st_123")
		after := time.Now()

		require.Equal(http.StatusFound, w.Code)
		assert.Equal("/", w.Header().Get("Location"))

		require.NotNil(store.CurrentPrincipal())
		assert.Equal("alice", store.CurrentPrincipal().ID)
		assert.Equal(1, authn.Calls())
		assert.Equal("auth-code", authn.LastCode())
		assert.Equal("n_456", authn.LastNonce())

		// The nonce is single use and must be gone.
		_, ok := store.Value(SessionKeyNonce)
		assert.False(ok)

		// id_token expiration lands at now + renew interval.
		raw, ok := store.Value(SessionKeyIDTokenExpiration)
		require.True(ok)
		exp, err := strconv.ParseInt(raw, 10, 64)
		require.NoError(err)
		assert.GreaterOrEqual(exp, before.Add(DefaultRenewInterval).Unix())
		assert.LessOrEqual(exp, after.Add(DefaultRenewInterval).Unix())
	})

	t.Run("success-redirects-to-stored-next", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store := NewTestStore()
		store.SetValue(SessionKeyState, "st_123")
		store.SetValue(SessionKeyNonce, "n_456")
		store.SetValue(SessionKeyLoginNext, "/dashboard")
		h, err := Callback(ctx, testCallbackConfig(t), &TestAuthenticator{Principal: activePrincipal}, store)
		require.NoError(err)

		w := testCallback(t, h, "http://rp.example.com/oidc/callback?code=auth-code&state=st_123")
		require.Equal(http.StatusFound, w.Code)
		assert.Equal("/dashboard", w.Header().Get("Location"))
	})

	t.Run("success-custom-renew-interval", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store := NewTestStore()
		store.SetValue(SessionKeyState, "st_123")
		h, err := Callback(ctx, testCallbackConfig(t, WithRenewInterval(time.Minute)),
			&TestAuthenticator{Principal: activePrincipal}, store)
		require.NoError(err)

		before := time.Now()
		testCallback(t, h, "http://rp.example.com/oidc/callback?code=auth-code&state=st_123")
		raw, ok := store.Value(SessionKeyIDTokenExpiration)
		require.True(ok)
		exp, err := strconv.ParseInt(raw, 10, 64)
		require.NoError(err)
		assert.GreaterOrEqual(exp, before.Add(time.Minute).Unix())
		assert.LessOrEqual(exp, time.Now().Add(time.Minute).Unix())
	})

	t.Run("op-error-logs-out-existing-session", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store := NewTestStore()
		store.SetPrincipal(activePrincipal)
		authn := &TestAuthenticator{Principal: activePrincipal}
		h, err := Callback(ctx, testCallbackConfig(t), authn, store)
		require.NoError(err)

		w := testCallback(t, h, "http://rp.example.com/oidc/callback?error=access_denied")
		require.Equal(http.StatusFound, w.Code)
		assert.Equal("/login-failed", w.Header().Get("Location"))
		assert.Nil(store.CurrentPrincipal())
		assert.Equal(0, authn.Calls())
	})

	t.Run("op-error-without-session", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store := NewTestStore()
		h, err := Callback(ctx, testCallbackConfig(t), &TestAuthenticator{}, store)
		require.NoError(err)

		w := testCallback(t, h, "http://rp.example.com/oidc/callback?error=access_denied")
		require.Equal(http.StatusFound, w.Code)
		assert.Equal("/login-failed", w.Header().Get("Location"))
	})

	t.Run("op-error-failed-termination-is-not-a-redirect", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store := NewTestStore()
		store.SetPrincipal(activePrincipal)
		store.LogoutErr = errors.New("backend session store down")
		h, err := Callback(ctx, testCallbackConfig(t), &TestAuthenticator{}, store)
		require.NoError(err)

		w := testCallback(t, h, "http://rp.example.com/oidc/callback?error=access_denied")
		assert.Equal(http.StatusInternalServerError, w.Code)
		assert.Empty(w.Header().Get("Location"))
	})

	t.Run("missing-context-fails-without-backend-call", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store := NewTestStore()
		authn := &TestAuthenticator{Principal: activePrincipal}
		h, err := Callback(ctx, testCallbackConfig(t), authn, store)
		require.NoError(err)

		w := testCallback(t, h, "http://rp.example.com/oidc/callback?code=auth-code&state=st_123")
		require.Equal(http.StatusFound, w.Code)
		assert.Equal("/login-failed", w.Header().Get("Location"))
		assert.Equal(0, authn.Calls())
		assert.Nil(store.CurrentPrincipal())
	})

	t.Run("state-mismatch-is-a-security-signal", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store := NewTestStore()
		store.SetValue(SessionKeyState, "st_123")
		authn := &TestAuthenticator{Principal: activePrincipal}
		h, err := Callback(ctx, testCallbackConfig(t), authn, store)
		require.NoError(err)

		w := testCallback(t, h, "http://rp.example.com/oidc/callback?code=auth-code&state=st_forged")
		assert.Equal(http.StatusBadRequest, w.Code)
		assert.Empty(w.Header().Get("Location"))
		assert.Equal(0, authn.Calls())
		assert.Nil(store.CurrentPrincipal())
	})

	t.Run("nonce-consumed-even-when-validation-fails", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store := NewTestStore()
		store.SetValue(SessionKeyState, "st_123")
		store.SetValue(SessionKeyNonce, "n_456")
		h, err := Callback(ctx, testCallbackConfig(t), &TestAuthenticator{}, store)
		require.NoError(err)

		w := testCallback(t, h, "http://rp.example.com/oidc/callback?code=auth-code&state=st_forged")
		assert.Equal(http.StatusBadRequest, w.Code)
		_, ok := store.Value(SessionKeyNonce)
		assert.False(ok)
	})

	t.Run("nonce-consumed-on-op-error", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store := NewTestStore()
		store.SetValue(SessionKeyNonce, "n_456")
		h, err := Callback(ctx, testCallbackConfig(t), &TestAuthenticator{}, store)
		require.NoError(err)

		w := testCallback(t, h, "http://rp.example.com/oidc/callback?error=access_denied")
		require.Equal(http.StatusFound, w.Code)
		_, ok := store.Value(SessionKeyNonce)
		assert.False(ok)
	})

	t.Run("inactive-principal-fails", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store := NewTestStore()
		store.SetValue(SessionKeyState, "st_123")
		inactive := &Principal{ID: "mallory", Active: false}
		h, err := Callback(ctx, testCallbackConfig(t), &TestAuthenticator{Principal: inactive}, store)
		require.NoError(err)

		w := testCallback(t, h, "http://rp.example.com/oidc/callback?code=auth-code&state=st_123")
		require.Equal(http.StatusFound, w.Code)
		assert.Equal("/login-failed", w.Header().Get("Location"))
		assert.Nil(store.CurrentPrincipal())
	})

	t.Run("backend-rejection-fails", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store := NewTestStore()
		store.SetValue(SessionKeyState, "st_123")
		h, err := Callback(ctx, testCallbackConfig(t), &TestAuthenticator{}, store)
		require.NoError(err)

		w := testCallback(t, h, "http://rp.example.com/oidc/callback?code=auth-code&state=st_123")
		require.Equal(http.StatusFound, w.Code)
		assert.Equal("/login-failed", w.Header().Get("Location"))
	})

	t.Run("backend-error-fails", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store := NewTestStore()
		store.SetValue(SessionKeyState, "st_123")
		authn := &TestAuthenticator{Err: errors.New("token endpoint unreachable")}
		h, err := Callback(ctx, testCallbackConfig(t), authn, store)
		require.NoError(err)

		w := testCallback(t, h, "http://rp.example.com/oidc/callback?code=auth-code&state=st_123")
		require.Equal(http.StatusFound, w.Code)
		assert.Equal("/login-failed", w.Header().Get("Location"))
		assert.Nil(store.CurrentPrincipal())
	})

	t.Run("fallthrough-fails", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store := NewTestStore()
		h, err := Callback(ctx, testCallbackConfig(t), &TestAuthenticator{}, store)
		require.NoError(err)

		for _, target := range []string{
			"http://rp.example.com/oidc/callback",
			"http://rp.example.com/oidc/callback?code=auth-code",
			"http://rp.example.com/oidc/callback?state=st_123",
		} {
			w := testCallback(t, h, target)
			require.Equal(http.StatusFound, w.Code)
			assert.Equal("/login-failed", w.Header().Get("Location"))
		}
	})

	t.Run("replayed-callback-cannot-establish-a-second-session", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store := NewTestStore()
		store.SetValue(SessionKeyState, "st_123")
		store.SetValue(SessionKeyNonce, "n_456")
		authn := &nonceBoundAuthenticator{wantNonce: "n_456", principal: activePrincipal}
		h, err := Callback(ctx, testCallbackConfig(t), authn, store)
		require.NoError(err)

		w := testCallback(t, h, "http://rp.example.com/oidc/callback?code=auth-code&state=st_123")
		require.Equal(http.StatusFound, w.Code)
		assert.Equal("/", w.Header().Get("Location"))
		require.NotNil(store.CurrentPrincipal())

		// Simulate the first login being torn down, then the captured
		// callback replayed: the nonce was already consumed, so the backend
		// cannot verify the token against it.
		store.SetPrincipal(nil)
		w = testCallback(t, h, "http://rp.example.com/oidc/callback?code=auth-code&state=st_123")
		require.Equal(http.StatusFound, w.Code)
		assert.Equal("/login-failed", w.Header().Get("Location"))
		assert.Nil(store.CurrentPrincipal())
	})

	t.Run("session-store-failure", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store := NewTestStore()
		store.LoadErr = errors.New("store down")
		h, err := Callback(ctx, testCallbackConfig(t), &TestAuthenticator{}, store)
		require.NoError(err)

		w := testCallback(t, h, "http://rp.example.com/oidc/callback?code=auth-code&state=st_123")
		assert.Equal(http.StatusInternalServerError, w.Code)
	})
}
