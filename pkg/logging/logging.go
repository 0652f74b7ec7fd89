// Package logging builds the process slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Config holds the configuration of the logger.
type Config struct {
	Level  slog.Level
	Format string
}

// FromConfig converts the level and format names of deepscope.yaml into
// a Config. Unknown levels fall back to info. APP_ENV=production forces
// JSON output.
func FromConfig(level, format string) Config {
	cfg := Config{Level: slog.LevelInfo, Format: "text"}

	switch level {
	case "debug":
		cfg.Level = slog.LevelDebug
	case "warn":
		cfg.Level = slog.LevelWarn
	case "error":
		cfg.Level = slog.LevelError
	}

	if format != "" {
		cfg.Format = format
	}
	if os.Getenv("APP_ENV") == "production" {
		cfg.Format = "json"
	}
	return cfg
}

// New creates a logger writing to w (stdout when nil).
func New(cfg Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	if cfg.Format == "json" {
		opts := &slog.HandlerOptions{
			Level: cfg.Level,
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.String(a.Key, a.Value.Time().Format(time.RFC3339))
				}
				return a
			},
		}
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      cfg.Level,
		TimeFormat: time.Kitchen,
	}))
}

// WithComponent tags every record of l with the component name. A nil
// logger resolves to slog.Default().
func WithComponent(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", name)
}
