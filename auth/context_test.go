package auth

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPKCEChallenge(t *testing.T) {
	// RFC 7636 appendix B.
	assert.Equal(t,
		"E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		pkceChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"),
	)

	verifier, challenge, err := generatePKCE()
	require.NoError(t, err)
	assert.Len(t, verifier, 43)
	assert.Equal(t, pkceChallenge(verifier), challenge)
	assert.NotEqual(t, verifier, challenge)
}

func TestRandomToken(t *testing.T) {
	a, err := randomToken()
	require.NoError(t, err)
	b, err := randomToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^[A-Za-z0-9_-]{43}$`, a)
}

func TestClientConfigScopes(t *testing.T) {
	assert.Equal(t, []string{"openid", "email", "profile"}, ClientConfig{}.scopes())
	assert.Equal(t, []string{"openid", "email", "profile", "groups"},
		ClientConfig{Scopes: []string{"groups"}}.scopes(), "extras never drop email or profile")
	assert.Equal(t, []string{"openid", "email", "profile", "groups"},
		ClientConfig{Scopes: []string{"openid", "groups", "", "profile", "groups"}}.scopes())
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{nil, "ok"},
		{ErrUnknownOrExpiredState, "unknown_state"},
		{ErrCSRFMismatch, "csrf_mismatch"},
		{fmt.Errorf("%w: %w", ErrTokenExchange, errors.New("dial tcp: refused")), "token_exchange"},
		{fmt.Errorf("%w: nonce mismatch", ErrTokenVerification), "token_verification"},
		{fmt.Errorf("%w: bad hash", ErrAccessTokenSubstitution), "access_token_substitution"},
		{ErrMissingEmail, "missing_email"},
		{ErrMissingCode, "missing_code"},
		{&ProviderError{Code: "access_denied"}, "provider_error"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, ErrorKind(tt.err), "%v", tt.err)
	}
}

func TestProviderErrorMessage(t *testing.T) {
	assert.Equal(t, "provider error: access_denied", (&ProviderError{Code: "access_denied"}).Error())
	assert.Equal(t, "provider error: access_denied (user said no)",
		(&ProviderError{Code: "access_denied", Description: "user said no"}).Error())
}
