package observe

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/parlance-ai/parlance/internal/config"
)

// NewLogger builds the application logger from the server configuration:
// JSON output for production, a colourised tint console for development.
func NewLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	lvl := slogLevel(level)
	if format == config.LogText {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
