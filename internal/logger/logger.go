// Package logger provides named zap loggers for each subsystem.
//
// Level and format are read from the environment once:
//
//	SHARDLINE_LOG_LEVEL=debug|info|warn|error   (default info)
//	SHARDLINE_LOG_FORMAT=console|json           (default console)
//
// Usage:
//
//	var log = logger.Logger("gateway")
//	log.Infow("session ready", "shard", shard, "session_id", id)
package logger

import (
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var base atomic.Pointer[zap.Logger]

func init() {
	base.Store(newFromEnv())
}

func newFromEnv() *zap.Logger {
	level := zapcore.InfoLevel
	if v := os.Getenv("SHARDLINE_LOG_LEVEL"); v != "" {
		if err := level.Set(strings.ToLower(v)); err != nil {
			level = zapcore.InfoLevel
		}
	}

	var cfg zap.Config
	if strings.EqualFold(os.Getenv("SHARDLINE_LOG_FORMAT"), "json") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Logger returns the logger for a subsystem, backed by the current base logger.
func Logger(subsystem string) *zap.SugaredLogger {
	return base.Load().Named(subsystem).Sugar()
}

// SetLogger replaces the base logger used by subsequent Logger calls.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	base.Store(l)
}

// Named derives a subsystem logger from l, falling back to the base logger.
func Named(l *zap.Logger, subsystem string) *zap.SugaredLogger {
	if l == nil {
		return Logger(subsystem)
	}
	return l.Named(subsystem).Sugar()
}
