package backend

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/hashicorp/go-hclog"

	"github.com/ridgelight/oidcrp/rp"
)

// Alg represents asymmetric signing algorithms supported for id_token
// verification.
type Alg string

const (
	RS256 Alg = "RS256"
	RS384 Alg = "RS384"
	RS512 Alg = "RS512"
	ES256 Alg = "ES256"
	ES384 Alg = "ES384"
	ES512 Alg = "ES512"
	PS256 Alg = "PS256"
	PS384 Alg = "PS384"
	PS512 Alg = "PS512"
)

var supportedAlgorithms = map[Alg]bool{
	RS256: true, RS384: true, RS512: true,
	ES256: true, ES384: true, ES512: true,
	PS256: true, PS384: true, PS512: true,
}

// ClientSecret is the relying party's client secret.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for a client secret.
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret.
func (s ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret.
func (s ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// Config holds what the backend needs to talk to one OpenID Provider.
type Config struct {
	// Issuer is the OP's issuer URL, used for discovery and id_token
	// validation.
	Issuer string

	// ClientID and ClientSecret identify the relying party to the OP.
	ClientID     string
	ClientSecret ClientSecret

	// Scopes are additional scopes requested during the code exchange. The
	// required "openid" scope is always requested.
	Scopes []string

	// SupportedSigningAlgs are the algorithms accepted for the id_token
	// signature.
	SupportedSigningAlgs []Alg

	// RedirectURL is the registered callback URL, sent with the exchange.
	RedirectURL string

	// ProviderCA is an optional CA cert (PEM) to trust when sending requests
	// to the OP, instead of the system chain.
	ProviderCA string

	// SkipNonceCheck disables id_token nonce verification. Only set this
	// when the flow runs without nonces.
	SkipNonceCheck bool

	// SkipUserInfo disables the userinfo request after verification.
	SkipUserInfo bool

	// Logger receives the backend's records of rejected authentication
	// attempts.
	Logger hclog.Logger
}

// NewConfig composes a backend config.
// Supported options: WithScopes, WithProviderCA, WithoutNonceCheck,
// WithoutUserInfo, WithLogger
func NewConfig(issuer string, clientID string, clientSecret ClientSecret, supported []Alg, redirectURL string, opt ...rp.Option) (*Config, error) {
	const op = "backend.NewConfig"
	opts := getConfigOpts(opt...)
	c := &Config{
		Issuer:               issuer,
		ClientID:             clientID,
		ClientSecret:         clientSecret,
		SupportedSigningAlgs: supported,
		RedirectURL:          redirectURL,
		Scopes:               opts.withScopes,
		ProviderCA:           opts.withProviderCA,
		SkipNonceCheck:       opts.withoutNonceCheck,
		SkipUserInfo:         opts.withoutUserInfo,
		Logger:               opts.withLogger,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid backend config: %w", op, err)
	}
	return c, nil
}

// Validate the backend config. It verifies the issuer parses, but not that
// it is discoverable via an http request.
func (c *Config) Validate() error {
	const op = "backend.Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w", op, rp.ErrNilParameter)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%s: client id is empty: %w", op, rp.ErrInvalidParameter)
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("%s: client secret is empty: %w", op, rp.ErrInvalidParameter)
	}
	if c.Issuer == "" {
		return fmt.Errorf("%s: issuer is empty: %w", op, rp.ErrInvalidParameter)
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("%s: redirect URL is empty: %w", op, rp.ErrInvalidParameter)
	}
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("%s: issuer %s is invalid: %w", op, c.Issuer, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%s: issuer %s scheme is not http or https: %w", op, c.Issuer, rp.ErrInvalidParameter)
	}
	if len(c.SupportedSigningAlgs) == 0 {
		return fmt.Errorf("%s: supported algorithms is empty: %w", op, rp.ErrInvalidParameter)
	}
	for _, a := range c.SupportedSigningAlgs {
		if !supportedAlgorithms[a] {
			return fmt.Errorf("%s: unsupported algorithm %s: %w", op, a, rp.ErrInvalidParameter)
		}
	}
	return nil
}

func (c *Config) logger() hclog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return hclog.Default().Named("oidcrp.backend")
}

// configOptions is the set of available options for backend configs
type configOptions struct {
	withScopes        []string
	withProviderCA    string
	withoutNonceCheck bool
	withoutUserInfo   bool
	withLogger        hclog.Logger
}

func configDefaults() configOptions {
	return configOptions{}
}

func getConfigOpts(opt ...rp.Option) configOptions {
	opts := configDefaults()
	rp.ApplyOpts(&opts, opt...)
	return opts
}

// WithScopes provides additional scopes to request during the exchange.
func WithScopes(scopes []string) rp.Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withScopes = scopes
		}
	}
}

// WithProviderCA provides a CA cert (PEM) to trust for OP requests.
func WithProviderCA(pem string) rp.Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderCA = pem
		}
	}
}

// WithoutNonceCheck disables id_token nonce verification, for flows that
// run without nonces.
func WithoutNonceCheck() rp.Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withoutNonceCheck = true
		}
	}
}

// WithoutUserInfo disables the userinfo request after verification.
func WithoutUserInfo() rp.Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withoutUserInfo = true
		}
	}
}

// WithLogger provides a logger for the backend's records.
func WithLogger(l hclog.Logger) rp.Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withLogger = l
		}
	}
}
