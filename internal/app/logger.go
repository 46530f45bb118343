package app

import (
	"io"
	"log/slog"

	"github.com/skobkin/gputelemetry-web/internal/config"
)

// NewLogger builds the process logger for the configured format and level.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
