// Package config loads the login service configuration from an optional YAML
// file, an optional .env file and LOSTPAW_* environment variables, in
// increasing order of precedence, and validates it before anything starts.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mnehpets/lostpaw/auth"
	"github.com/mnehpets/lostpaw/logger"
	"github.com/mnehpets/lostpaw/middleware"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: oidc.client_id is read from
// LOSTPAW_OIDC_CLIENT_ID.
const EnvPrefix = "LOSTPAW"

type Config struct {
	Listen  string        `mapstructure:"listen" validate:"required"`
	OIDC    OIDCConfig    `mapstructure:"oidc"`
	Login   LoginConfig   `mapstructure:"login"`
	Session SessionConfig `mapstructure:"session"`
	CORS    CORSConfig    `mapstructure:"cors"`
	Log     logger.Config `mapstructure:"log"`
}

// OIDCConfig is the client registration with the identity provider.
type OIDCConfig struct {
	Issuer       string   `mapstructure:"issuer" validate:"required,url"`
	ClientID     string   `mapstructure:"client_id" validate:"required"`
	ClientSecret string   `mapstructure:"client_secret" validate:"required"`
	RedirectURL  string   `mapstructure:"redirect_url" validate:"required,url"`
	// Scopes are requested on top of openid, email and profile.
	Scopes []string `mapstructure:"scopes"`
	// SigningAlgs restricts accepted ID token algorithms; empty accepts what
	// the provider advertises.
	SigningAlgs []string `mapstructure:"signing_algs"`
}

type LoginConfig struct {
	// StateTTL is how long a login attempt may stay pending.
	StateTTL      time.Duration `mapstructure:"state_ttl" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	RequireEmail  bool          `mapstructure:"require_email"`
}

// SessionConfig configures the session cookie. Keys are base64 encoded
// 32-byte values; PreviousKeys are still accepted when opening cookies. Key
// ids are lowercase because the loader folds map keys to lowercase.
type SessionConfig struct {
	CookieName   string            `mapstructure:"cookie_name" validate:"required"`
	KeyID        string            `mapstructure:"key_id" validate:"required,lowercase,excludes=."`
	Key          string            `mapstructure:"key" validate:"required,sessionkey"`
	PreviousKeys map[string]string `mapstructure:"previous_keys" validate:"dive,keys,required,excludes=.,endkeys,sessionkey"`
	MaxAge       time.Duration     `mapstructure:"max_age" validate:"gt=0"`
	Secure       bool              `mapstructure:"secure"`
	Domain       string            `mapstructure:"domain"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age" validate:"gte=0"`
}

var defaults = map[string]any{
	"listen":                 ":3000",
	"oidc.issuer":            "",
	"oidc.client_id":         "",
	"oidc.client_secret":     "",
	"oidc.redirect_url":      "",
	"oidc.scopes":            []string{},
	"oidc.signing_algs":      []string{},
	"login.state_ttl":        10 * time.Minute,
	"login.sweep_interval":   time.Minute,
	"login.require_email":    false,
	"session.cookie_name":    middleware.DefaultCookieName,
	"session.key_id":         "1",
	"session.key":            "",
	"session.max_age":        middleware.DefaultSessionPeriod,
	"session.secure":         true,
	"session.domain":         "",
	"cors.allowed_origins":   []string{},
	"cors.allow_credentials": true,
	"cors.max_age":           600,
	"log.env":                "dev",
	"log.level":              "info",
	"log.service_name":       "lostpaw-login",
}

type loadOptions struct {
	configFile string
	envFile    string
}

// Option configures Load.
type Option func(*loadOptions)

// WithConfigFile reads path as YAML. The file must exist.
func WithConfigFile(path string) Option {
	return func(o *loadOptions) { o.configFile = path }
}

// WithEnvFile loads path into the environment first. Variables already set
// in the environment win. Without this option ./.env is loaded if present.
func WithEnvFile(path string) Option {
	return func(o *loadOptions) { o.envFile = path }
}

// Load builds and validates the configuration.
func Load(opts ...Option) (*Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	switch {
	case o.envFile != "":
		if err := godotenv.Load(o.envFile); err != nil {
			return nil, fmt.Errorf("config: load env file %s: %w", o.envFile, err)
		}
	default:
		if _, err := os.Stat(".env"); err == nil {
			if err := godotenv.Load(".env"); err != nil {
				return nil, fmt.Errorf("config: load .env: %w", err)
			}
		}
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if o.configFile != "" {
		v.SetConfigFile(o.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", o.configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
	})
	validate.RegisterValidation("sessionkey", func(fl validator.FieldLevel) bool {
		_, err := decodeKey(fl.Field().String())
		return err == nil
	})
	return validate
}

// Validate checks c. Failures name the offending keys.
func (c *Config) Validate() error {
	err := newValidator().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: validate: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "Config.oidc.client_id"; drop the type name.
		_, key, _ := strings.Cut(fe.Namespace(), ".")
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", key, fe.Tag()))
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	var (
		b   []byte
		err error
	)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err = enc.DecodeString(s); err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	if len(b) != middleware.KeySize {
		return nil, fmt.Errorf("session key is %d bytes, want %d", len(b), middleware.KeySize)
	}
	return b, nil
}

// Keys returns the decoded session keys by id, current key included.
func (s SessionConfig) Keys() (map[string][]byte, error) {
	keys := make(map[string][]byte, len(s.PreviousKeys)+1)
	for id, enc := range s.PreviousKeys {
		k, err := decodeKey(enc)
		if err != nil {
			return nil, fmt.Errorf("config: session key %q: %w", id, err)
		}
		keys[id] = k
	}
	k, err := decodeKey(s.Key)
	if err != nil {
		return nil, fmt.Errorf("config: session key %q: %w", s.KeyID, err)
	}
	keys[s.KeyID] = k
	return keys, nil
}

// ClientConfig returns the broker's view of the OIDC registration.
func (c *Config) ClientConfig() auth.ClientConfig {
	return auth.ClientConfig{
		Issuer:       c.OIDC.Issuer,
		ClientID:     c.OIDC.ClientID,
		ClientSecret: c.OIDC.ClientSecret,
		RedirectURL:  c.OIDC.RedirectURL,
		Scopes:       c.OIDC.Scopes,
	}
}

// CORSPolicy returns the middleware CORS settings.
func (c *Config) CORSPolicy() middleware.CORSConfig {
	return middleware.CORSConfig{
		AllowedOrigins:   c.CORS.AllowedOrigins,
		AllowCredentials: c.CORS.AllowCredentials,
		MaxAge:           c.CORS.MaxAge,
	}
}
