package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
)

const (
	testClientID    = "client-id"
	testRedirectURL = "http://app.example.com/api/v1/login/confirm"
)

// fakeIDP is an OIDC provider serving discovery, JWKS and a token endpoint
// that enforces PKCE. Tests drive the authorization step with authorize.
type fakeIDP struct {
	t      *testing.T
	srv    *httptest.Server
	key    *rsa.PrivateKey
	signer jose.Signer

	mu     sync.Mutex
	grants map[string]grant
	seq    int

	// Knobs applied to the next token response.
	email         string
	nonceOverride string
	atHash        func(accessToken string) string
	tokenError    bool
	omitIDToken   bool
	foreignKey    bool
	tokenRequests int
}

type grant struct {
	nonce     string
	challenge string
}

func newFakeIDP(t *testing.T) *fakeIDP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := newSigner(key)
	require.NoError(t, err)

	f := &fakeIDP{
		t:      t,
		key:    key,
		signer: signer,
		grants: make(map[string]grant),
		email:  "alice@example.com",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", f.discovery)
	mux.HandleFunc("GET /keys", f.keys)
	mux.HandleFunc("POST /token", f.token)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newSigner(key *rsa.PrivateKey) (jose.Signer, error) {
	return jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test-key"),
	)
}

func (f *fakeIDP) issuer() string {
	return f.srv.URL
}

func (f *fakeIDP) clientConfig() ClientConfig {
	return ClientConfig{
		Issuer:       f.issuer(),
		ClientID:     testClientID,
		ClientSecret: "secret",
		RedirectURL:  testRedirectURL,
	}
}

// provider discovers f and returns a Provider for it.
func (f *fakeIDP) provider(opts ...ProviderOption) *Provider {
	f.t.Helper()
	p, err := DiscoverProvider(context.Background(), f.clientConfig(), opts...)
	require.NoError(f.t, err)
	return p
}

func (f *fakeIDP) set(fn func(f *fakeIDP)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// requests returns the number of token requests served.
func (f *fakeIDP) requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenRequests
}

// authorize plays the user consenting at the provider: it reads the
// authorization URL and returns the state and a fresh code bound to the
// URL's nonce and PKCE challenge.
func (f *fakeIDP) authorize(authURL string) (state, code string) {
	f.t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(f.t, err)
	q := u.Query()
	require.Equal(f.t, "S256", q.Get("code_challenge_method"))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	code = "code-" + base64.RawURLEncoding.EncodeToString([]byte{byte(f.seq)})
	f.grants[code] = grant{nonce: q.Get("nonce"), challenge: q.Get("code_challenge")}
	return q.Get("state"), code
}

func (f *fakeIDP) discovery(w http.ResponseWriter, r *http.Request) {
	issuer := f.issuer()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                issuer,
		"jwks_uri":                              issuer + "/keys",
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func (f *fakeIDP) keys(w http.ResponseWriter, r *http.Request) {
	jwks := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &f.key.PublicKey,
		Use:       "sig",
		Algorithm: string(jose.RS256),
		KeyID:     "test-key",
	}}}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jwks)
}

func tokenError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func (f *fakeIDP) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenRequests++

	if f.tokenError {
		tokenError(w, "invalid_grant")
		return
	}
	code := r.PostForm.Get("code")
	g, ok := f.grants[code]
	if !ok {
		tokenError(w, "invalid_grant")
		return
	}
	if pkceChallenge(r.PostForm.Get("code_verifier")) != g.challenge {
		tokenError(w, "invalid_grant")
		return
	}
	delete(f.grants, code)

	accessToken := "access-" + code
	resp := map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !f.omitIDToken {
		raw, err := f.idToken(g, accessToken)
		if err != nil {
			f.t.Errorf("sign id token: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp["id_token"] = raw
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeIDP) idToken(g grant, accessToken string) (string, error) {
	now := time.Now()
	claims := jwt.Claims{
		Subject:   "user-123",
		Issuer:    f.issuer(),
		Audience:  jwt.Audience{testClientID},
		Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
	}
	extra := map[string]any{"nonce": g.nonce}
	if f.nonceOverride != "" {
		extra["nonce"] = f.nonceOverride
	}
	if f.email != "" {
		extra["email"] = f.email
	}
	if f.atHash != nil {
		extra["at_hash"] = f.atHash(accessToken)
	}

	signer := f.signer
	if f.foreignKey {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return "", err
		}
		if signer, err = newSigner(other); err != nil {
			return "", err
		}
	}
	return jwt.Signed(signer).Claims(claims).Claims(extra).Serialize()
}

// rs256AtHash is the at_hash of accessToken for an RS256-signed ID token.
func rs256AtHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
