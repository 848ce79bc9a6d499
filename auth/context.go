package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"time"
)

// AuthenticationContext is the server-side record of one in-flight login.
//
// It is created by Initiate, owned by the PendingStore, and handed out exactly
// once by PendingStore.Take.
type AuthenticationContext struct {
	// CSRFToken is sent as the state parameter and is the store key.
	CSRFToken string
	// Nonce is bound into the ID token and checked on return.
	Nonce string
	// PKCEVerifier never leaves the server; only its S256 challenge is sent.
	PKCEVerifier string
	// AuthURL is the authorization URL handed to the client.
	AuthURL string
	// CreatedAt drives expiry by Sweep.
	CreatedAt time.Time
}

// randomLength is the number of random bytes behind state, nonce and PKCE
// verifier values. 32 bytes encode to 43 base64url characters, the RFC 7636
// minimum verifier length.
const randomLength = 32

// randomToken returns a URL-safe random string.
func randomToken() (string, error) {
	b := make([]byte, randomLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// generatePKCE creates a PKCE verifier and its S256 challenge.
func generatePKCE() (verifier, challenge string, err error) {
	verifier, err = randomToken()
	if err != nil {
		return "", "", err
	}
	return verifier, pkceChallenge(verifier), nil
}

func pkceChallenge(verifier string) string {
	s := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(s[:])
}
