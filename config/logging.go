package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the service logger. The returned closer releases the
// output file, if any.
func (l LoggingConfig) NewLogger() (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return nil, nil, &ConfigError{Field: "logging.level", Message: err.Error()}
	}

	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)
	switch l.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(l.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log output: %w", err)
		}
		out, closer = f, f
	}
	return slog.New(l.handler(out, level)), closer, nil
}

func (l LoggingConfig) handler(w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
