package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"

	"github.com/ridgelight/oidcrp/rp"
)

// Backend authenticates authorization codes against one OpenID Provider.
// It implements rp.Authenticator.
//
// Authentication rejections (the OP refused the grant, the id_token failed
// verification, the nonce did not match) return a nil principal and a nil
// error. Errors are reserved for faults: the OP was unreachable or answered
// outside the protocol.
type Backend struct {
	config   *Config
	provider *oidc.Provider
	client   *http.Client
	logger   hclog.Logger
}

var _ rp.Authenticator = (*Backend)(nil)

// New creates a Backend for the config's issuer. It performs OIDC discovery,
// so it needs the OP reachable.
func New(ctx context.Context, c *Config) (*Backend, error) {
	const op = "backend.New"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, rp.ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid config: %w", op, err)
	}
	client, err := newHTTPClient(c.ProviderCA)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, client), c.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to discover provider %s: %w", op, c.Issuer, err)
	}
	return &Backend{
		config:   c,
		provider: provider,
		client:   client,
		logger:   c.logger(),
	}, nil
}

// Authenticate redeems an authorization code and verifies the resulting
// id_token, including its nonce claim against the provided nonce (unless the
// config skips the nonce check). On success the returned principal carries
// the token's subject, email and the merged id_token and userinfo claims.
func (b *Backend) Authenticate(ctx context.Context, code string, nonce string) (*rp.Principal, error) {
	const op = "backend.Backend.Authenticate"
	if code == "" {
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, rp.ErrInvalidParameter)
	}
	oidcCtx := oidc.ClientContext(ctx, b.client)

	token, err := b.oauthConfig().Exchange(oidcCtx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			// The OP answered and refused the grant. An ordinary rejection,
			// not a fault.
			b.logger.Info("provider refused the code exchange", "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("%s: unable to exchange authorization code: %w", op, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		b.logger.Info("token response carried no id_token")
		return nil, nil
	}
	idToken, err := b.verifier().Verify(oidcCtx, rawIDToken)
	if err != nil {
		b.logger.Info("id_token failed verification", "error", err)
		return nil, nil
	}
	if !b.config.SkipNonceCheck && idToken.Nonce != nonce {
		b.logger.Warn("id_token nonce does not match the expected nonce")
		return nil, nil
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		b.logger.Info("unable to decode id_token claims", "error", err)
		return nil, nil
	}
	if !b.config.SkipUserInfo {
		b.mergeUserInfo(oidcCtx, token, claims)
	}

	return principalFromClaims(idToken.Subject, claims), nil
}

// mergeUserInfo folds userinfo claims into claims. Userinfo is additive
// here, so a failed request only costs the extra claims.
func (b *Backend) mergeUserInfo(ctx context.Context, token *oauth2.Token, claims map[string]interface{}) {
	info, err := b.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		b.logger.Debug("userinfo request failed", "error", err)
		return
	}
	var infoClaims map[string]interface{}
	if err := info.Claims(&infoClaims); err != nil {
		b.logger.Debug("unable to decode userinfo claims", "error", err)
		return
	}
	for k, v := range infoClaims {
		claims[k] = v
	}
}

// principalFromClaims builds the principal. A principal is active unless the
// claims carry email_verified=false.
func principalFromClaims(subject string, claims map[string]interface{}) *rp.Principal {
	p := &rp.Principal{
		ID:     subject,
		Active: true,
		Claims: claims,
	}
	if email, ok := claims["email"].(string); ok {
		p.Email = email
	}
	if verified, ok := claims["email_verified"].(bool); ok {
		p.Active = verified
	}
	return p
}

// Metadata returns the OP's discovery document as an rp.MetadataSource.
// Only string-valued claims, like authorization_endpoint and
// end_session_endpoint, are resolvable through it.
func (b *Backend) Metadata() (rp.MetadataSource, error) {
	const op = "backend.Backend.Metadata"
	var raw map[string]interface{}
	if err := b.provider.Claims(&raw); err != nil {
		return nil, fmt.Errorf("%s: unable to decode discovery claims: %w", op, err)
	}
	m := make(metadata, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			m[k] = s
		}
	}
	return m, nil
}

func (b *Backend) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     b.config.ClientID,
		ClientSecret: string(b.config.ClientSecret),
		Endpoint:     b.provider.Endpoint(),
		RedirectURL:  b.config.RedirectURL,
		Scopes:       append([]string{oidc.ScopeOpenID}, b.config.Scopes...),
	}
}

func (b *Backend) verifier() *oidc.IDTokenVerifier {
	algs := make([]string, 0, len(b.config.SupportedSigningAlgs))
	for _, a := range b.config.SupportedSigningAlgs {
		algs = append(algs, string(a))
	}
	return b.provider.Verifier(&oidc.Config{
		ClientID:             b.config.ClientID,
		SupportedSigningAlgs: algs,
	})
}
