package auth

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ClientConfig is the relying-party registration with the identity provider.
// It is loaded once at startup and never mutated.
type ClientConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Scopes requested in addition to openid and DefaultScopes.
	Scopes []string
}

// DefaultScopes are always requested after openid.
var DefaultScopes = []string{"email", "profile"}

// scopes returns openid, DefaultScopes, then the configured extras, without
// duplicates.
func (c ClientConfig) scopes() []string {
	out := append([]string{oidc.ScopeOpenID}, DefaultScopes...)
	for _, s := range c.Scopes {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Provider is the discovered OIDC provider together with the client
// registration. It implements ProviderClient.
type Provider struct {
	config   *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// ProviderOption configures the ID token verifier of a Provider.
type ProviderOption func(*oidc.Config)

// WithSupportedSigningAlgs restricts the accepted ID token signing algorithms.
// By default go-oidc accepts the algorithms advertised by discovery.
func WithSupportedSigningAlgs(algs ...string) ProviderOption {
	return func(c *oidc.Config) {
		c.SupportedSigningAlgs = algs
	}
}

// WithVerifierClock overrides the clock used for ID token expiry checks.
// Tests use it to age tokens; production keeps the wall clock.
func WithVerifierClock(now func() time.Time) ProviderOption {
	return func(c *oidc.Config) {
		c.Now = now
	}
}

// DiscoverProvider performs OIDC discovery against cfg.Issuer and returns a
// Provider ready to build authorization URLs, exchange codes and verify ID
// tokens. A failure here is meant to abort process start.
//
// An *http.Client installed on ctx with oidc.ClientContext is used for
// discovery and for subsequent JWKS fetches.
func DiscoverProvider(ctx context.Context, cfg ClientConfig, opts ...ProviderOption) (*Provider, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("auth: issuer and client id are required")
	}
	op, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: discover provider %q: %w", cfg.Issuer, err)
	}

	vc := &oidc.Config{ClientID: cfg.ClientID}
	for _, opt := range opts {
		opt(vc)
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     op.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.scopes(),
		},
		verifier: op.Verifier(vc),
	}, nil
}

// AuthCodeURL builds the Authorization Code + PKCE (S256) redirect target.
func (p *Provider) AuthCodeURL(state, nonce, codeChallenge string) string {
	return p.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oidc.Nonce(nonce),
	)
}

// Exchange trades an authorization code for tokens, proving possession of the
// PKCE verifier.
func (p *Provider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	return p.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
}

// Verify checks the ID token signature against the provider's JWKS, and its
// issuer, audience and expiry.
func (p *Provider) Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error) {
	return p.verifier.Verify(ctx, rawIDToken)
}
