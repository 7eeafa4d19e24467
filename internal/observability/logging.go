package observability

import (
	"log/slog"
	"os"

	"github.com/gatecache/gatecache/internal/config"
)

// NewLogger builds the process-wide slog logger that admission decisions,
// snapshot lifecycle events, and config reloads are written through. Level
// and format come from config and are fixed for the process lifetime.
func NewLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slogLevel(level)}

	if format == config.LogFormatText {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// slogLevel maps the config level onto slog's. Unknown or empty values
// fall back to info so a typo in GATECACHE_LOGGING_LEVEL never silences
// the log.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
