// Package logger builds the process zap logger and carries request-scoped
// loggers through a context.
//
// Construct one logger at startup with New and pass it explicitly to the
// components that need it. Request processors attach a scoped logger with
// ToContext; handlers retrieve it with From, which falls back to a no-op
// logger when none was attached.
package logger

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the logger.
type Config struct {
	// Env selects the encoder: "prod" for JSON, anything else for a colored console.
	Env string `mapstructure:"env"`
	// Level is the minimum level: debug, info, warn or error. Default: info.
	Level string `mapstructure:"level"`
	// ServiceName is added to every entry when set.
	ServiceName string `mapstructure:"service_name"`
}

// New builds a logger for cfg. It never returns nil; if the zap config fails to
// build, a production logger is returned instead.
func New(cfg Config) *zap.Logger {
	level := ParseLevel(cfg.Level)

	var zcfg zap.Config
	if strings.EqualFold(strings.TrimSpace(cfg.Env), "prod") {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		l, _ = zap.NewProduction()
	}
	if cfg.ServiceName != "" {
		l = l.With(zap.String("service", cfg.ServiceName))
	}
	return l
}

// ParseLevel converts a level name to a zapcore.Level, defaulting to info.
func ParseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

type ctxKey struct{}

// ToContext returns a copy of ctx carrying l.
func ToContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// Lookup returns the logger stored in ctx, if any.
func Lookup(ctx context.Context) (*zap.Logger, bool) {
	if ctx == nil {
		return nil, false
	}
	l, ok := ctx.Value(ctxKey{}).(*zap.Logger)
	return l, ok && l != nil
}

// From returns the logger stored in ctx, or a no-op logger.
func From(ctx context.Context) *zap.Logger {
	if l, ok := Lookup(ctx); ok {
		return l
	}
	return zap.NewNop()
}

// Field helpers shared by the request and login logs.

func RequestID(id string) zap.Field { return zap.String("request_id", id) }
func Method(m string) zap.Field { return zap.String("method", m) }
func Path(p string) zap.Field { return zap.String("path", p) }
func Status(code int) zap.Field { return zap.Int("status", code) }
func DurationMs(ms int64) zap.Field { return zap.Int64("duration_ms", ms) }
func SecurityEvent(e string) zap.Field { return zap.String("security_event", e) }
