// Package logger configures the process-wide slog logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu            sync.RWMutex
	currentLevel  = &slog.LevelVar{}
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: currentLevel}))
)

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error. Unknown levels default to info.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Options configures Init.
type Options struct {
	Level  string
	Format string // "text" (default) or "json"
	Output io.Writer
}

// Init builds the default logger and installs it as slog's default.
func Init(opts Options) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	currentLevel.Set(ParseLevel(opts.Level))

	handlerOpts := &slog.HandlerOptions{Level: currentLevel}
	var handler slog.Handler
	if strings.ToLower(opts.Format) == "json" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
	return defaultLogger
}

// SetLevel changes the active level without rebuilding handlers.
// Used by config hot-reload.
func SetLevel(levelStr string) {
	currentLevel.Set(ParseLevel(levelStr))
}

// Get returns a child logger tagged with the component name.
func Get(component string) *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger.With("component", component)
}
