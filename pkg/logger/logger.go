package logger

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var global atomic.Value

func init() {
	global.Store(zap.NewNop().Sugar())
}

// Run builds the process logger for the given level ("debug", "info", "warn",
// "error", "fatal") and installs it as the fallback for Log.
// Unknown levels fall back to info.
func Run(level string) *zap.SugaredLogger {
	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		l = zap.NewExample()
	}
	sugar := l.Sugar()
	global.Store(sugar)
	return sugar
}

// Global returns the process logger.
func Global() *zap.SugaredLogger {
	return global.Load().(*zap.SugaredLogger)
}

// WithLogger stores a request-scoped logger in the context.
func WithLogger(ctx context.Context, l *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// Log returns the request-scoped logger, or the process logger when the
// context carries none.
func Log(ctx context.Context) *zap.SugaredLogger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*zap.SugaredLogger); ok && l != nil {
			return l
		}
	}
	return Global()
}
