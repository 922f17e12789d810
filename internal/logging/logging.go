package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init sets a JSON (default) or text slog handler as the process default.
// Supported formats: "json", "text". Levels: debug, info (default), warn, error.
func Init(service, format, level string) *slog.Logger {
	logger, unknown := build(os.Stdout, service, format, level)
	slog.SetDefault(logger)
	if unknown {
		logger.Warn("unknown log format, defaulting to json", "format", format)
	}
	return logger
}

func build(w io.Writer, service, format, level string) (*slog.Logger, bool) {
	format = strings.ToLower(strings.TrimSpace(format))
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	unknown := false
	switch format {
	case "", "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
		unknown = true
	}
	return slog.New(handler).With("service", service), unknown
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
