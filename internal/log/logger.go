package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LevelVerbose sits below debug for per-item tracing.
const LevelVerbose = slog.Level(-8)

var (
	once   sync.Once
	logger *slog.Logger
	level  = new(slog.LevelVar)
)

// ParseLevel maps a configured level name to a slog level. The second value
// is false for "disabled" (and anything unrecognised), in which case output
// is discarded.
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "VERBOSE":
		return LevelVerbose, true
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	default:
		return slog.LevelError, false
	}
}

// Setup initializes the global logger. Only the first call has effect.
// Logging is disabled unless a known level is given.
func Setup(levelName, format string) {
	once.Do(func() {
		logger = build(os.Stdout, levelName, format)
		slog.SetDefault(logger)
	})
}

func build(w io.Writer, levelName, format string) *slog.Logger {
	l, enabled := ParseLevel(levelName)
	if !enabled {
		return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	level.Set(l)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lv, ok := a.Value.Any().(slog.Level); ok && lv == LevelVerbose {
					a.Value = slog.StringValue("VERBOSE")
				}
			}
			return a
		},
	}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// SetLevel changes the level of an enabled logger at runtime.
func SetLevel(levelName string) bool {
	l, ok := ParseLevel(levelName)
	if ok {
		level.Set(l)
	}
	return ok
}

// Get returns the configured logger, or a disabled one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("disabled", "json")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithWorker returns a logger with the worker key set.
func WithWorker(key string) *slog.Logger {
	return Get().With(slog.String("worker", key))
}

// WithPlugin returns a logger with the plugin field set.
func WithPlugin(name string) *slog.Logger {
	return Get().With(slog.String("plugin", name))
}

// Verbose logs at VERBOSE level.
func Verbose(msg string, args ...any) {
	Get().Log(context.Background(), LevelVerbose, msg, args...)
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
