package rp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

const (
	// DefaultStateSize is the length of a generated state token.
	DefaultStateSize = 32

	// DefaultNonceSize is the length of a generated nonce token.
	DefaultNonceSize = 32

	// DefaultRedirectFieldName is the query parameter carrying the requested
	// post-login target.
	DefaultRedirectFieldName = "next"

	// DefaultRenewInterval is how long an established session's id_token is
	// considered fresh.
	DefaultRenewInterval = 15 * time.Minute

	// DefaultLoginRedirectURL is where a successful login lands when the
	// flow stored no explicit target.
	DefaultLoginRedirectURL = "/"

	// DefaultLoginFailureURL is where a failed login lands. No detail about
	// the cause is carried on the redirect.
	DefaultLoginFailureURL = "/"

	// DefaultLogoutRedirectURL is where a logout lands unless an OP logout
	// URL builder overrides it.
	DefaultLogoutRedirectURL = "/"
)

// DefaultScopes are the scopes requested when none are configured.
func DefaultScopes() []string {
	return []string{"openid", "email"}
}

// Config holds the relying party's settings for the authorization code flow.
// Construct it with NewConfig so defaults and validation are applied.
type Config struct {
	// ClientID is the relying party identifier registered with the OP.
	ClientID string

	// CallbackPath is the route on this relying party the OP redirects back
	// to. The absolute redirect_uri is derived from it and the inbound
	// request.
	CallbackPath string

	// AuthorizationEndpoint is the OP's authorization endpoint URL. It may
	// be left empty when Metadata can provide it.
	AuthorizationEndpoint string

	// Metadata, when set, resolves settings the static configuration leaves
	// empty from the OP's published metadata document.
	Metadata MetadataSource

	// Scopes are the scopes requested of the OP.
	Scopes []string

	// StateSize and NonceSize are the lengths of the generated tokens.
	StateSize int
	NonceSize int

	// UseNonce controls whether a nonce is generated and bound into the
	// issued id_token.
	UseNonce bool

	// RedirectFieldName is the query parameter carrying the requested
	// post-login target.
	RedirectFieldName string

	// AllowedRedirectHosts are hosts a post-login target may resolve to, in
	// addition to the inbound request's own host.
	AllowedRedirectHosts []string

	// RequireHTTPSRedirect forces post-login targets to avoid the insecure
	// http scheme. When nil, the inbound request's own transport security
	// decides.
	RequireHTTPSRedirect *bool

	// LoginRedirectURL, LoginFailureURL and LogoutRedirectURL are the
	// default landing targets for the three outcomes.
	LoginRedirectURL  string
	LoginFailureURL   string
	LogoutRedirectURL string

	// RenewInterval is how long after login the session's id_token is
	// considered fresh by an external renewal mechanism.
	RenewInterval time.Duration

	// ExtraAuthParams, when set, supplies additional authorization request
	// parameters for the outbound redirect.
	ExtraAuthParams func(r *http.Request) map[string]string

	// OPLogoutURL, when set, computes an OP-side logout URL for the current
	// request. A non-empty result overrides LogoutRedirectURL.
	OPLogoutURL func(r *http.Request) string

	// Logger receives the flow's structured log records, including the
	// suspicious-activity signal raised on a state mismatch.
	Logger hclog.Logger
}

// NewConfig composes a relying party config.
// Supported options: WithAuthorizationEndpoint, WithMetadataSource,
// WithScopes, WithStateSize, WithNonceSize, WithoutNonce,
// WithRedirectFieldName, WithAllowedRedirectHosts, WithRequireHTTPSRedirect,
// WithLoginRedirectURL, WithLoginFailureURL, WithLogoutRedirectURL,
// WithRenewInterval, WithExtraAuthParams, WithExtraAuthParamsFunc,
// WithOPLogoutURL, WithLogger
func NewConfig(clientID string, callbackPath string, opt ...Option) (*Config, error) {
	const op = "rp.NewConfig"
	opts := getConfigOpts(opt...)
	c := &Config{
		ClientID:              clientID,
		CallbackPath:          callbackPath,
		AuthorizationEndpoint: opts.withAuthorizationEndpoint,
		Metadata:              opts.withMetadata,
		Scopes:                opts.withScopes,
		StateSize:             opts.withStateSize,
		NonceSize:             opts.withNonceSize,
		UseNonce:              opts.withUseNonce,
		RedirectFieldName:     opts.withRedirectFieldName,
		AllowedRedirectHosts:  opts.withAllowedRedirectHosts,
		RequireHTTPSRedirect:  opts.withRequireHTTPSRedirect,
		LoginRedirectURL:      opts.withLoginRedirectURL,
		LoginFailureURL:       opts.withLoginFailureURL,
		LogoutRedirectURL:     opts.withLogoutRedirectURL,
		RenewInterval:         opts.withRenewInterval,
		ExtraAuthParams:       opts.withExtraAuthParams,
		OPLogoutURL:           opts.withOPLogoutURL,
		Logger:                opts.withLogger,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid relying party config: %w", op, err)
	}
	return c, nil
}

// Validate the config, reporting every problem found. A missing required
// setting here is a misconfiguration, not a runtime-recoverable failure.
func (c *Config) Validate() error {
	const op = "rp.Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	var result *multierror.Error
	if c.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("client id is empty: %w", ErrInvalidParameter))
	}
	if !strings.HasPrefix(c.CallbackPath, "/") {
		result = multierror.Append(result, fmt.Errorf("callback path %q must begin with /: %w", c.CallbackPath, ErrInvalidParameter))
	}
	if c.AuthorizationEndpoint == "" && c.Metadata == nil {
		result = multierror.Append(result, fmt.Errorf("authorization endpoint: %w", ErrMissingSetting))
	}
	if c.AuthorizationEndpoint != "" {
		u, err := url.Parse(c.AuthorizationEndpoint)
		switch {
		case err != nil:
			result = multierror.Append(result, fmt.Errorf("authorization endpoint %q is invalid: %w", c.AuthorizationEndpoint, err))
		case u.Scheme != "http" && u.Scheme != "https":
			result = multierror.Append(result, fmt.Errorf("authorization endpoint %q scheme is not http or https: %w", c.AuthorizationEndpoint, ErrInvalidParameter))
		}
	}
	if c.StateSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("state size not greater than zero: %w", ErrInvalidParameter))
	}
	if c.UseNonce && c.NonceSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("nonce size not greater than zero: %w", ErrInvalidParameter))
	}
	if c.RedirectFieldName == "" {
		result = multierror.Append(result, fmt.Errorf("redirect field name is empty: %w", ErrInvalidParameter))
	}
	if c.RenewInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("renew interval not greater than zero: %w", ErrInvalidParameter))
	}
	if len(c.Scopes) == 0 {
		result = multierror.Append(result, fmt.Errorf("scopes are empty: %w", ErrInvalidParameter))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// authorizationEndpoint resolves the OP authorization endpoint: explicit
// configuration first, then the metadata source. There is no default, so an
// unresolvable endpoint is an error.
func (c *Config) authorizationEndpoint(ctx context.Context) (string, error) {
	const op = "rp.Config.authorizationEndpoint"
	if c.AuthorizationEndpoint != "" {
		return c.AuthorizationEndpoint, nil
	}
	if c.Metadata != nil {
		v, ok, err := c.Metadata.Value(ctx, "authorization_endpoint")
		if err != nil {
			return "", fmt.Errorf("%s: metadata lookup failed: %w", op, err)
		}
		if ok && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%s: authorization endpoint: %w", op, ErrMissingSetting)
}

// requireHTTPSRedirect resolves the require-https toggle for one request,
// inheriting the request's own transport security when unconfigured.
func (c *Config) requireHTTPSRedirect(r *http.Request) bool {
	if c.RequireHTTPSRedirect != nil {
		return *c.RequireHTTPSRedirect
	}
	return requestIsSecure(r)
}

func (c *Config) logger() hclog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return hclog.Default().Named("oidcrp")
}

// requestIsSecure reports whether the inbound request arrived over TLS,
// honoring X-Forwarded-Proto for relying parties behind a proxy.
func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// configOptions is the set of available options for Config
type configOptions struct {
	withAuthorizationEndpoint string
	withMetadata              MetadataSource
	withScopes                []string
	withStateSize             int
	withNonceSize             int
	withUseNonce              bool
	withRedirectFieldName     string
	withAllowedRedirectHosts  []string
	withRequireHTTPSRedirect  *bool
	withLoginRedirectURL      string
	withLoginFailureURL       string
	withLogoutRedirectURL     string
	withRenewInterval         time.Duration
	withExtraAuthParams       func(r *http.Request) map[string]string
	withOPLogoutURL           func(r *http.Request) string
	withLogger                hclog.Logger
}

// configDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func configDefaults() configOptions {
	return configOptions{
		withScopes:            DefaultScopes(),
		withStateSize:         DefaultStateSize,
		withNonceSize:         DefaultNonceSize,
		withUseNonce:          true,
		withRedirectFieldName: DefaultRedirectFieldName,
		withLoginRedirectURL:  DefaultLoginRedirectURL,
		withLoginFailureURL:   DefaultLoginFailureURL,
		withLogoutRedirectURL: DefaultLogoutRedirectURL,
		withRenewInterval:     DefaultRenewInterval,
	}
}

// getConfigOpts gets the config defaults and applies the opt overrides
// passed in.
func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithAuthorizationEndpoint provides the OP's authorization endpoint URL.
func WithAuthorizationEndpoint(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withAuthorizationEndpoint = u
		}
	}
}

// WithMetadataSource provides a source for settings the static configuration
// leaves empty.
func WithMetadataSource(m MetadataSource) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withMetadata = m
		}
	}
}

// WithScopes provides the list of scopes to request of the OP.
func WithScopes(scopes []string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withScopes = scopes
		}
	}
}

// WithStateSize provides the length of generated state tokens.
func WithStateSize(n int) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withStateSize = n
		}
	}
}

// WithNonceSize provides the length of generated nonce tokens.
func WithNonceSize(n int) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withNonceSize = n
		}
	}
}

// WithoutNonce disables nonce generation and verification for the flow.
func WithoutNonce() Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withUseNonce = false
		}
	}
}

// WithRedirectFieldName provides the query parameter name carrying the
// requested post-login target.
func WithRedirectFieldName(name string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withRedirectFieldName = name
		}
	}
}

// WithAllowedRedirectHosts provides hosts a post-login target may resolve
// to, in addition to the inbound request's own host.
func WithAllowedRedirectHosts(hosts ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withAllowedRedirectHosts = hosts
		}
	}
}

// WithRequireHTTPSRedirect forces (or relaxes) the https requirement on
// post-login targets instead of inheriting the request's transport security.
func WithRequireHTTPSRedirect(require bool) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withRequireHTTPSRedirect = &require
		}
	}
}

// WithLoginRedirectURL provides the default post-login landing URL.
func WithLoginRedirectURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withLoginRedirectURL = u
		}
	}
}

// WithLoginFailureURL provides the landing URL for failed logins.
func WithLoginFailureURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withLoginFailureURL = u
		}
	}
}

// WithLogoutRedirectURL provides the default post-logout landing URL.
func WithLogoutRedirectURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withLogoutRedirectURL = u
		}
	}
}

// WithRenewInterval provides how long an established session's id_token is
// considered fresh.
func WithRenewInterval(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withRenewInterval = d
		}
	}
}

// WithExtraAuthParams provides static additional authorization request
// parameters.
func WithExtraAuthParams(params map[string]string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withExtraAuthParams = func(*http.Request) map[string]string {
				return params
			}
		}
	}
}

// WithExtraAuthParamsFunc provides a per-request supplier of additional
// authorization request parameters.
func WithExtraAuthParamsFunc(fn func(r *http.Request) map[string]string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withExtraAuthParams = fn
		}
	}
}

// WithOPLogoutURL provides a builder for an OP-side logout URL. A non-empty
// result overrides the configured post-logout landing URL.
func WithOPLogoutURL(fn func(r *http.Request) string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withOPLogoutURL = fn
		}
	}
}

// WithLogger provides a logger for the flow's structured log records.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withLogger = l
		}
	}
}
