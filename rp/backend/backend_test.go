package backend

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgelight/oidcrp/rp"
)

func testBackend(t *testing.T, tp *TestProvider, opt ...rp.Option) *Backend {
	t.Helper()
	require := require.New(t)
	tp.SetClientCreds("client-id", "client-secret")
	opt = append([]rp.Option{
		WithProviderCA(tp.CACert()),
		WithLogger(hclog.NewNullLogger()),
	}, opt...)
	c, err := NewConfig(tp.Addr(), "client-id", "client-secret", []Alg{ES256}, "http://rp.example.com/oidc/callback", opt...)
	require.NoError(err)
	b, err := New(context.Background(), c)
	require.NoError(err)
	return b
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("nil-config", func(t *testing.T) {
		assert := assert.New(t)
		_, err := New(ctx, nil)
		assert.ErrorIs(err, rp.ErrNilParameter)
	})

	t.Run("invalid-config", func(t *testing.T) {
		assert := assert.New(t)
		_, err := New(ctx, &Config{Issuer: "https://op.example.com"})
		assert.ErrorIs(err, rp.ErrInvalidParameter)
	})

	t.Run("unreachable-issuer", func(t *testing.T) {
		assert := assert.New(t)
		c, err := NewConfig("https://127.0.0.1:1", "client-id", "client-secret", []Alg{ES256}, "http://rp.example.com/oidc/callback")
		assert.NoError(err)
		_, err = New(ctx, c)
		assert.Error(err)
	})
}

func TestBackend_Authenticate(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("code_123")
		tp.SetIssuedNonce("n_456")
		b := testBackend(t, tp)

		p, err := b.Authenticate(ctx, "code_123", "n_456")
		require.NoError(err)
		require.NotNil(p)
		assert.Equal("alice", p.ID)
		assert.Equal("alice@example.com", p.Email)
		assert.True(p.Active)
		assert.Equal(true, p.Claims["email_verified"])
	})

	t.Run("empty-code", func(t *testing.T) {
		assert := assert.New(t)
		tp := StartTestProvider(t)
		b := testBackend(t, tp)
		_, err := b.Authenticate(ctx, "", "n_456")
		assert.ErrorIs(err, rp.ErrInvalidParameter)
	})

	t.Run("refused-code-is-a-rejection", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("code_123")
		b := testBackend(t, tp)

		p, err := b.Authenticate(ctx, "not-the-code", "n_456")
		require.NoError(err)
		assert.Nil(p)
	})

	t.Run("nonce-mismatch-is-a-rejection", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("code_123")
		tp.SetIssuedNonce("n_456")
		b := testBackend(t, tp)

		p, err := b.Authenticate(ctx, "code_123", "a-different-nonce")
		require.NoError(err)
		assert.Nil(p)
	})

	t.Run("empty-nonce-cannot-match-a-token-nonce", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("code_123")
		tp.SetIssuedNonce("n_456")
		b := testBackend(t, tp)

		p, err := b.Authenticate(ctx, "code_123", "")
		require.NoError(err)
		assert.Nil(p)
	})

	t.Run("nonce-check-can-be-skipped", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("code_123")
		tp.SetIssuedNonce("n_456")
		b := testBackend(t, tp, WithoutNonceCheck())

		p, err := b.Authenticate(ctx, "code_123", "")
		require.NoError(err)
		require.NotNil(p)
		assert.Equal("alice", p.ID)
	})

	t.Run("omitted-id-token-is-a-rejection", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("code_123")
		tp.OmitIDTokens()
		b := testBackend(t, tp, WithoutNonceCheck())

		p, err := b.Authenticate(ctx, "code_123", "")
		require.NoError(err)
		assert.Nil(p)
	})

	t.Run("wrong-audience-is-a-rejection", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("code_123")
		tp.SetCustomAudience("someone-else")
		b := testBackend(t, tp, WithoutNonceCheck())

		p, err := b.Authenticate(ctx, "code_123", "")
		require.NoError(err)
		assert.Nil(p)
	})

	t.Run("email-resolves-from-token-claims-without-userinfo", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("code_123")
		tp.SetCustomClaims(map[string]interface{}{"email": "token@example.com"})
		b := testBackend(t, tp, WithoutNonceCheck(), WithoutUserInfo())

		p, err := b.Authenticate(ctx, "code_123", "")
		require.NoError(err)
		require.NotNil(p)
		assert.Equal("token@example.com", p.Email)
	})

	t.Run("disabled-userinfo-endpoint-still-authenticates", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("code_123")
		tp.DisableUserInfo()
		b := testBackend(t, tp, WithoutNonceCheck())

		p, err := b.Authenticate(ctx, "code_123", "")
		require.NoError(err)
		require.NotNil(p)
		assert.Equal("alice", p.ID)
		assert.Empty(p.Email)
	})

	t.Run("unverified-email-makes-the-principal-inactive", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("code_123")
		tp.SetUserInfoReply(map[string]interface{}{
			"email":          "alice@example.com",
			"email_verified": false,
		})
		b := testBackend(t, tp, WithoutNonceCheck())

		p, err := b.Authenticate(ctx, "code_123", "")
		require.NoError(err)
		require.NotNil(p)
		assert.False(p.Active)
	})

	t.Run("unreachable-provider-is-a-fault", func(t *testing.T) {
		assert := assert.New(t)
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("code_123")
		b := testBackend(t, tp)
		tp.Stop()

		_, err := b.Authenticate(ctx, "code_123", "n_456")
		assert.Error(err)
	})
}

func TestBackend_Metadata(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	b := testBackend(t, tp)

	m, err := b.Metadata()
	require.NoError(err)

	v, ok, err := m.Value(ctx, "authorization_endpoint")
	require.NoError(err)
	require.True(ok)
	assert.Equal(tp.Addr()+"/auth", v)

	v, ok, err = m.Value(ctx, "end_session_endpoint")
	require.NoError(err)
	require.True(ok)
	assert.Equal(tp.Addr()+"/logout", v)

	_, ok, err = m.Value(ctx, "no-such-claim")
	require.NoError(err)
	assert.False(ok)
}
