// Package dlogger exposes a simple zap logger, with log levels.
package dlogger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// LogLevelDebug enables per-operation tracing.
	LogLevelDebug = "debug"

	// LogLevelInfo is the default production level.
	LogLevelInfo = "info"

	// LogLevelError only reports failures.
	LogLevelError = "error"

	// LogLevelNone disables logging entirely.
	LogLevelNone = "none"
)

// GetLogger returns a zap logger for the requested level. The "none"
// level yields a no-op logger.
func GetLogger(logLevel string) (*zap.Logger, error) {
	if logLevel == LogLevelNone {
		return zap.NewNop(), nil
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("unknown log level %q: %w", logLevel, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = lvl > zapcore.DebugLevel

	return cfg.Build()
}

// MustGetLogger returns a logger for the level or panics. Meant for
// initialization paths where a bad level is a programming error.
func MustGetLogger(logLevel string) *zap.Logger {
	l, err := GetLogger(logLevel)
	if err != nil {
		panic(err)
	}
	return l
}
