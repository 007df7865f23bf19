// Package logging configures the process-wide structured logger.
//
// Everything in murmur logs through log/slog. Hosts call New once at startup
// with the log section of the configuration and install the result with
// slog.SetDefault; components receive a *slog.Logger and tag their records
// with a "component" attribute via For.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/m4xw311/murmur/config"
	"github.com/m4xw311/murmur/errors"
)

// New builds a logger from cfg. Records go to cfg.File when set, otherwise to
// fallback. The returned closer releases the log file and is never nil.
func New(cfg config.Log, fallback io.Writer) (*slog.Logger, io.Closer, error) {
	out := fallback
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "could not open log file %s", cfg.File)
		}
		out, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer, nil
}

// ParseLevel maps a configuration level name to a slog level. Unknown names
// mean info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// For returns logger (or slog.Default when nil) tagged with a component name.
func For(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", component))
}

// Discard returns a logger that drops every record. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
