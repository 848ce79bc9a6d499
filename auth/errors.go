package auth

import (
	"errors"
	"fmt"
)

// Confirm failures. Each is matched with errors.Is; ErrTokenExchange also
// wraps the upstream oauth2 error.
var (
	// ErrUnknownOrExpiredState: the state was never issued, was already
	// consumed, or was swept. The user must start a new login.
	ErrUnknownOrExpiredState = errors.New("unknown or expired state")
	// ErrCSRFMismatch: the stored CSRF token differs from the presented state.
	ErrCSRFMismatch = errors.New("csrf token mismatch")
	// ErrTokenExchange: the provider rejected the code or could not be reached.
	ErrTokenExchange = errors.New("token exchange failed")
	// ErrTokenVerification: the ID token is missing, invalid, or carries the
	// wrong nonce.
	ErrTokenVerification = errors.New("id token verification failed")
	// ErrAccessTokenSubstitution: the at_hash claim does not match the access
	// token returned alongside the ID token.
	ErrAccessTokenSubstitution = errors.New("access token does not match id token")
	// ErrMissingEmail is returned only when the broker requires an email claim.
	ErrMissingEmail = errors.New("id token has no email claim")
	// ErrMissingCode: the callback carried a state but no authorization code.
	ErrMissingCode = errors.New("authorization code missing")
	// ErrStateCollision is returned by PendingStore.Insert for a duplicate key.
	ErrStateCollision = errors.New("state already pending")
)

// ProviderError is an error the identity provider reported on the redirect
// back to the confirmation endpoint.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (%s)", e.Code, e.Description)
	}
	return "provider error: " + e.Code
}

// ErrorKind returns a stable label for err, used in logs and metrics.
func ErrorKind(err error) string {
	var pe *ProviderError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnknownOrExpiredState):
		return "unknown_state"
	case errors.Is(err, ErrCSRFMismatch):
		return "csrf_mismatch"
	case errors.Is(err, ErrTokenExchange):
		return "token_exchange"
	case errors.Is(err, ErrAccessTokenSubstitution):
		return "access_token_substitution"
	case errors.Is(err, ErrTokenVerification):
		return "token_verification"
	case errors.Is(err, ErrMissingEmail):
		return "missing_email"
	case errors.Is(err, ErrMissingCode):
		return "missing_code"
	case errors.As(err, &pe):
		return "provider_error"
	default:
		return "internal"
	}
}
