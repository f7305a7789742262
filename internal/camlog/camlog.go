// Package camlog builds the process-wide zap logger and hands out named
// child loggers to components.
package camlog

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

var (
	globalMu sync.Mutex
	undo     func()
)

// New builds a zap logger from opts. Unknown levels are an error; an empty
// level means info.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if s := strings.TrimSpace(opts.Level); s != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
	case "json":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = level > zapcore.DebugLevel

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// ReplaceGlobal installs l as the global logger returned by L. Calling it
// again restores the previous logger first.
func ReplaceGlobal(l *zap.Logger) {
	if l == nil {
		return
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	if undo != nil {
		undo()
	}
	undo = zap.ReplaceGlobals(l)
}

// L returns the current global logger.
func L() *zap.Logger { return zap.L() }

// Named returns a child of the global logger for a component.
func Named(component string) *zap.Logger {
	return zap.L().Named(component)
}

// Or returns l when non-nil, otherwise the named global logger.
func Or(l *zap.Logger, component string) *zap.Logger {
	if l != nil {
		return l
	}
	return Named(component)
}
