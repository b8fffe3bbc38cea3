package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/druidia-bot/dotbot/internal/config"
)

// NewLogger builds the root slog logger from config. Components derive
// their own loggers with logger.With("component", name).
//
// Level defaults to info, format to text. JSON format is intended for
// production log shipping.
func NewLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	if out == nil {
		out = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}
