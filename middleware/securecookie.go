package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid cookie format")
	ErrCookieInvalid = errors.New("invalid cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
	// ErrCookieTooLarge: browsers drop cookies beyond maxCookieLen.
	ErrCookieTooLarge = errors.New("cookie too large")
)

// maxCookieLen bounds cookie values in both directions.
const maxCookieLen = 4096

// KeySize is the required key length for the default XChaCha20-Poly1305 AEAD.
const KeySize = chacha20poly1305.KeySize

// SecureCookie seals CBOR-encoded values into cookies.
//
// Value format: keyID "." base64url(nonce || ciphertext). The additional data
// binds the cookie name, domain, path and secure flag, so a value cannot be
// replayed under different cookie attributes. Every key in keys is accepted
// for opening; keyID selects the sealing key, which allows rotation.
type SecureCookie struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite

	keyID string
	aeads map[string]cipher.AEAD
}

// CookieOption configures a SecureCookie.
type CookieOption func(*SecureCookie)

// WithPath sets the cookie path. Default "/".
func WithPath(path string) CookieOption {
	return func(c *SecureCookie) { c.path = path }
}

// WithDomain sets the cookie domain.
func WithDomain(domain string) CookieOption {
	return func(c *SecureCookie) { c.domain = domain }
}

// WithSecure sets the Secure attribute. Default true; disable only for plain
// http development servers.
func WithSecure(secure bool) CookieOption {
	return func(c *SecureCookie) { c.secure = secure }
}

// WithSameSite sets the SameSite attribute. Default Lax, which lets the
// cookie ride along on the provider's top-level redirect back.
func WithSameSite(s http.SameSite) CookieOption {
	return func(c *SecureCookie) { c.sameSite = s }
}

// NewSecureCookie returns a SecureCookie named name that seals with
// keys[keyID].
func NewSecureCookie(name, keyID string, keys map[string][]byte, opts ...CookieOption) (*SecureCookie, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty cookie name", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	sc := &SecureCookie{
		name:     name,
		path:     "/",
		secure:   true,
		sameSite: http.SameSiteLaxMode,
		keyID:    keyID,
		aeads:    make(map[string]cipher.AEAD, len(keys)),
	}
	for id, k := range keys {
		if strings.Contains(id, ".") {
			return nil, fmt.Errorf("%w: key id %q contains '.'", ErrCookieConfig, id)
		}
		aead, err := chacha20poly1305.NewX(k)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrCookieConfig, id, err)
		}
		sc.aeads[id] = aead
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.path == "" {
		sc.path = "/"
	}
	return sc, nil
}

// Name returns the cookie name.
func (sc *SecureCookie) Name() string {
	return sc.name
}

func (sc *SecureCookie) aad() []byte {
	secure := "f"
	if sc.secure {
		secure = "t"
	}
	return []byte(sc.name + ":" + sc.domain + ":" + sc.path + ":" + secure)
}

// Encode seals v into a cookie that expires after maxAge seconds.
func (sc *SecureCookie) Encode(v any, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("%w: maxAge must be positive", ErrCookieConfig)
	}
	plain, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	aead := sc.aeads[sc.keyID]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nonce, nonce, plain, sc.aad())
	value := sc.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed)
	if len(value) > maxCookieLen {
		return nil, fmt.Errorf("%w: sealed value is %d bytes", ErrCookieTooLarge, len(value))
	}
	return &http.Cookie{
		Name:     sc.name,
		Value:    value,
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   maxAge,
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}, nil
}

// Decode opens c and unmarshals its payload into v.
func (sc *SecureCookie) Decode(c *http.Cookie, v any) error {
	if c == nil || c.Value == "" || len(c.Value) > maxCookieLen {
		return ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(c.Value, ".")
	if !ok || keyID == "" || enc == "" {
		return ErrCookieFormat
	}
	aead, ok := sc.aeads[keyID]
	if !ok {
		return ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil || len(sealed) < aead.NonceSize()+aead.Overhead() {
		return ErrCookieFormat
	}
	plain, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], sc.aad())
	if err != nil {
		return ErrCookieInvalid
	}
	return cbor.Unmarshal(plain, v)
}

// Clear returns a cookie that deletes this cookie in the client.
func (sc *SecureCookie) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     sc.name,
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}
}
