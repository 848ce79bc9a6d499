package middleware

// Session bridge for the endpoint pipeline: a sealed cookie carries only the
// session id; the session record lives in an in-memory TTL cache.

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/mnehpets/lostpaw/endpoint"
	"github.com/mnehpets/lostpaw/logger"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

var ErrNilSession = errors.New("nil session")

// SessionIDBytes is the number of random bytes in a session id.
const SessionIDBytes = 16

// DefaultSessionPeriod is the default session lifetime.
const DefaultSessionPeriod = 24 * time.Hour

// DefaultCookieName is the default session cookie name.
const DefaultCookieName = "lps"

// Session is the request-scoped view of the caller's session.
type Session interface {
	// ID returns the session id, or "" when not logged in.
	ID() string
	// Username returns the logged-in user and true, or "" and false.
	Username() (string, bool)
	// Login starts a new session for username under a fresh id. Any previous
	// session of this client is discarded.
	Login(username string) error
	// Logout ends the session.
	Logout() error
	// Expires returns the session expiry, or the zero time.
	Expires() time.Time
}

type sessionRecord struct {
	ID       string
	Username string
	Expires  time.Time
}

// cookiePayload is what the session cookie carries.
type cookiePayload struct {
	ID string `cbor:"1,keyasint"`
}

// SessionStore keeps session records in process memory. Records expire on
// their own; nothing survives a restart.
type SessionStore struct {
	c *gocache.Cache
}

// NewSessionStore returns a store that purges expired records every
// cleanupInterval.
func NewSessionStore(cleanupInterval time.Duration) *SessionStore {
	return &SessionStore{c: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (s *SessionStore) get(id string) (sessionRecord, bool) {
	v, ok := s.c.Get(id)
	if !ok {
		return sessionRecord{}, false
	}
	rec, ok := v.(sessionRecord)
	return rec, ok
}

func (s *SessionStore) put(rec sessionRecord) {
	s.c.Set(rec.ID, rec, time.Until(rec.Expires))
}

func (s *SessionStore) delete(id string) {
	s.c.Delete(id)
}

// Len returns the number of stored sessions, including expired ones not yet
// purged.
func (s *SessionStore) Len() int {
	return s.c.ItemCount()
}

type session struct {
	store  *SessionStore
	maxAge time.Duration
	rec    *sessionRecord
	dirty  bool
}

func (s *session) ID() string {
	if s == nil || s.rec == nil {
		return ""
	}
	return s.rec.ID
}

func (s *session) Username() (string, bool) {
	if s == nil || s.rec == nil {
		return "", false
	}
	return s.rec.Username, true
}

func (s *session) Expires() time.Time {
	if s == nil || s.rec == nil {
		return time.Time{}
	}
	return s.rec.Expires
}

func (s *session) Login(username string) error {
	if s == nil {
		return ErrNilSession
	}
	b := make([]byte, SessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return err
	}
	// A fresh id on login prevents session fixation.
	if s.rec != nil {
		s.store.delete(s.rec.ID)
	}
	rec := sessionRecord{
		ID:       base64.RawURLEncoding.EncodeToString(b),
		Username: username,
		Expires:  time.Now().Add(s.maxAge).Truncate(time.Second),
	}
	s.store.put(rec)
	s.rec = &rec
	s.dirty = true
	return nil
}

func (s *session) Logout() error {
	if s == nil {
		return ErrNilSession
	}
	if s.rec != nil {
		s.store.delete(s.rec.ID)
	}
	s.rec = nil
	s.dirty = true
	return nil
}

type sessionContextKey struct{}

// WithSession returns a copy of ctx carrying sess.
func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the Session stored in ctx, if any.
func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(Session)
	return sess, ok && sess != nil
}

// SessionProcessor resolves the session cookie into a Session on the request
// context and writes the cookie back when the session changes.
type SessionProcessor struct {
	cookie *SecureCookie
	store  *SessionStore
	maxAge time.Duration
}

type sessionConfig struct {
	cookieName    string
	cookieOptions []CookieOption
	maxAge        time.Duration
	store         *SessionStore
}

// SessionOption configures a SessionProcessor.
type SessionOption func(*sessionConfig)

// WithCookieName sets the session cookie name.
func WithCookieName(name string) SessionOption {
	return func(c *sessionConfig) { c.cookieName = name }
}

// WithCookieOptions passes options to the session SecureCookie.
func WithCookieOptions(opts ...CookieOption) SessionOption {
	return func(c *sessionConfig) { c.cookieOptions = append(c.cookieOptions, opts...) }
}

// WithMaxAge sets the session lifetime.
func WithMaxAge(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.maxAge = d }
}

// WithStore shares a SessionStore between processors.
func WithStore(s *SessionStore) SessionOption {
	return func(c *sessionConfig) { c.store = s }
}

// NewSessionProcessor returns a SessionProcessor sealing its cookie with
// keys[keyID].
func NewSessionProcessor(keyID string, keys map[string][]byte, opts ...SessionOption) (*SessionProcessor, error) {
	cfg := sessionConfig{
		cookieName: DefaultCookieName,
		maxAge:     DefaultSessionPeriod,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxAge <= 0 {
		cfg.maxAge = DefaultSessionPeriod
	}
	if cfg.store == nil {
		cfg.store = NewSessionStore(10 * time.Minute)
	}
	cookie, err := NewSecureCookie(cfg.cookieName, keyID, keys, cfg.cookieOptions...)
	if err != nil {
		return nil, err
	}
	return &SessionProcessor{cookie: cookie, store: cfg.store, maxAge: cfg.maxAge}, nil
}

// Process implements endpoint.Processor.
func (p *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	sess := &session{store: p.store, maxAge: p.maxAge}

	if c, err := r.Cookie(p.cookie.Name()); err == nil {
		var payload cookiePayload
		if err := p.cookie.Decode(c, &payload); err == nil {
			if rec, ok := p.store.get(payload.ID); ok && time.Now().Before(rec.Expires) {
				sess.rec = &rec
			}
		}
		// Unreadable, unknown or expired: clear it.
		sess.dirty = sess.rec == nil
	}

	ctx := r.Context()
	endpoint.Defer(ctx, func(w http.ResponseWriter) {
		p.writeCookie(ctx, w, sess)
	})
	return next(w, r.WithContext(WithSession(ctx, sess)))
}

func (p *SessionProcessor) writeCookie(ctx context.Context, w http.ResponseWriter, sess *session) {
	if !sess.dirty {
		return
	}
	if sess.rec == nil {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	maxAge := int(time.Until(sess.rec.Expires).Seconds())
	if maxAge <= 0 {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	c, err := p.cookie.Encode(cookiePayload{ID: sess.rec.ID}, maxAge)
	if err != nil {
		// The record exists but the client cannot present it.
		logger.From(ctx).Error("session cookie not written", zap.Error(err))
		return
	}
	http.SetCookie(w, c)
}

var _ endpoint.Processor = (*SessionProcessor)(nil)
var _ Session = (*session)(nil)
