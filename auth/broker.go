package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/lostpaw/logger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ProviderClient is the part of an OIDC provider the broker relies on.
// *Provider implements it.
type ProviderClient interface {
	AuthCodeURL(state, nonce, codeChallenge string) string
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// User is the identity asserted by a successful login.
type User struct {
	Email string `json:"email"`
}

// EmailNotProvided stands in for the email of a user whose ID token carries no
// email claim, unless WithRequireEmail is set.
const EmailNotProvided = "<not provided>"

// Broker runs the two-phase Authorization Code + PKCE login: Initiate hands
// out an authorization URL and records the attempt; Confirm consumes the
// attempt and verifies what the provider returned.
type Broker struct {
	provider     ProviderClient
	store        *PendingStore
	now          func() time.Time
	log          *zap.Logger
	metrics      *brokerMetrics
	registerer   prometheus.Registerer
	maxAge       time.Duration
	requireEmail bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock sets the time source for context creation, expiry and sweeps.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// WithLogger sets the logger used when no request-scoped logger is present.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) {
		b.log = l
	}
}

// WithRegisterer exports the broker metrics to reg. Each registry takes one
// broker; NewBroker fails with a prometheus.AlreadyRegisteredError otherwise.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(b *Broker) {
		b.registerer = reg
	}
}

// WithStateTTL makes Confirm reject contexts at least ttl old even if the
// sweeper has not removed them yet. Zero disables the check.
func WithStateTTL(ttl time.Duration) Option {
	return func(b *Broker) {
		b.maxAge = ttl
	}
}

// WithRequireEmail rejects ID tokens without an email claim with
// ErrMissingEmail instead of substituting EmailNotProvided.
func WithRequireEmail() Option {
	return func(b *Broker) {
		b.requireEmail = true
	}
}

// withStore replaces the pending store; used by tests.
func withStore(s *PendingStore) Option {
	return func(b *Broker) {
		b.store = s
	}
}

// NewBroker returns a Broker backed by provider and a fresh PendingStore.
func NewBroker(provider ProviderClient, opts ...Option) (*Broker, error) {
	b := &Broker{
		provider: provider,
		store:    NewPendingStore(),
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics = newBrokerMetrics(b.store)
	if b.registerer != nil {
		if err := b.metrics.register(b.registerer); err != nil {
			return nil, fmt.Errorf("auth: register metrics: %w", err)
		}
	}
	return b, nil
}

func (b *Broker) logFor(ctx context.Context) *zap.Logger {
	if l, ok := logger.Lookup(ctx); ok {
		return l
	}
	return b.log
}

// Initiate starts a login attempt and returns the provider authorization URL
// the client must be redirected to.
func (b *Broker) Initiate(ctx context.Context) (string, error) {
	verifier, challenge, err := generatePKCE()
	if err != nil {
		return "", fmt.Errorf("auth: generate pkce: %w", err)
	}
	state, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("auth: generate state: %w", err)
	}
	nonce, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("auth: generate nonce: %w", err)
	}

	authURL := b.provider.AuthCodeURL(state, nonce, challenge)
	c := &AuthenticationContext{
		CSRFToken:    state,
		Nonce:        nonce,
		PKCEVerifier: verifier,
		AuthURL:      authURL,
		CreatedAt:    b.now(),
	}
	if err := b.store.Insert(c); err != nil {
		return "", fmt.Errorf("auth: record login attempt: %w", err)
	}
	b.metrics.initiated.Inc()
	b.logFor(ctx).Debug("login initiated")
	return authURL, nil
}

// Confirm completes the login identified by state using the authorization
// code returned by the provider.
//
// The pending context is removed before any check runs and is never put back,
// so each state value succeeds at most once. Checks run in order and stop at
// the first failure: unknown state, CSRF mismatch, token exchange, ID token
// verification (signature, claims, nonce), access token hash.
func (b *Broker) Confirm(ctx context.Context, state, code string) (User, error) {
	user, err := b.confirm(ctx, state, code)
	b.metrics.confirmed.WithLabelValues(ErrorKind(err)).Inc()
	if err != nil {
		b.logFailure(ctx, err)
		return User{}, err
	}
	b.logFor(ctx).Info("login confirmed", zap.String("email", user.Email))
	return user, nil
}

func (b *Broker) confirm(ctx context.Context, state, code string) (User, error) {
	c, ok := b.store.Take(state)
	if !ok {
		return User{}, ErrUnknownOrExpiredState
	}
	if b.maxAge > 0 && b.now().Sub(c.CreatedAt) >= b.maxAge {
		return User{}, ErrUnknownOrExpiredState
	}
	if subtle.ConstantTimeCompare([]byte(c.CSRFToken), []byte(state)) != 1 {
		return User{}, ErrCSRFMismatch
	}

	token, err := b.provider.Exchange(ctx, code, c.PKCEVerifier)
	if err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return User{}, fmt.Errorf("%w: no id_token in token response", ErrTokenVerification)
	}
	idToken, err := b.provider.Verify(ctx, rawIDToken)
	if err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrTokenVerification, err)
	}
	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(c.Nonce)) != 1 {
		return User{}, fmt.Errorf("%w: nonce mismatch", ErrTokenVerification)
	}

	if idToken.AccessTokenHash != "" {
		if err := idToken.VerifyAccessToken(token.AccessToken); err != nil {
			return User{}, fmt.Errorf("%w: %w", ErrAccessTokenSubstitution, err)
		}
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return User{}, fmt.Errorf("%w: decode claims: %w", ErrTokenVerification, err)
	}
	if claims.Email == "" {
		if b.requireEmail {
			return User{}, ErrMissingEmail
		}
		claims.Email = EmailNotProvided
	}
	return User{Email: claims.Email}, nil
}

func (b *Broker) logFailure(ctx context.Context, err error) {
	log := b.logFor(ctx).With(zap.String("kind", ErrorKind(err)), zap.Error(err))
	switch ErrorKind(err) {
	case "access_token_substitution":
		log.Error("login rejected: access token substitution", logger.SecurityEvent("access_token_substitution"))
	case "csrf_mismatch":
		log.Warn("login rejected: possible forgery", logger.SecurityEvent("csrf_mismatch"))
	case "token_exchange":
		log.Error("login failed: token exchange")
	case "unknown_state":
		log.Info("login rejected: unknown or expired state")
	default:
		log.Warn("login rejected")
	}
}

// Abort discards the login attempt for state when the callback cannot be
// confirmed, for example because the provider reported err instead of
// returning a code. It reports whether the attempt was pending.
func (b *Broker) Abort(ctx context.Context, state string, err error) bool {
	_, ok := b.store.Take(state)
	b.metrics.confirmed.WithLabelValues(ErrorKind(err)).Inc()
	b.logFor(ctx).Info("login aborted by provider", zap.Bool("pending", ok), zap.Error(err))
	return ok
}

// Sweep removes login attempts at least ttl old and returns how many were
// removed.
func (b *Broker) Sweep(ttl time.Duration) int {
	n := b.store.Sweep(b.now(), ttl)
	if n > 0 {
		b.metrics.swept.Add(float64(n))
		b.log.Debug("swept abandoned logins", zap.Int("removed", n))
	}
	return n
}

// RunSweeper calls Sweep(ttl) every interval until ctx is done.
func (b *Broker) RunSweeper(ctx context.Context, interval, ttl time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("auth: sweep interval must be positive")
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			b.Sweep(ttl)
		}
	}
}

// Pending returns the number of login attempts awaiting confirmation.
func (b *Broker) Pending() int {
	return b.store.Len()
}
