// Package logging builds the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// Options selects the handler setup.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	// File, when set, receives a JSON copy of every record.
	File string
	// Output defaults to stdout.
	Output io.Writer
}

// Setup installs the default logger. The returned closer releases the log
// file, if any.
func Setup(opts Options) (io.Closer, error) {
	logger, closer, err := New(opts)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return closer, nil
}

// New builds a logger without installing it.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var console slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "json":
		console = slog.NewJSONHandler(out, handlerOpts)
	case "text":
		console = slog.NewTextHandler(out, handlerOpts)
	default:
		return nil, nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}

	if opts.File == "" {
		return slog.New(console), nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("logging: create log dir: %w", err)
	}
	f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: open log file: %w", err)
	}

	file := slog.NewJSONHandler(f, handlerOpts)
	return slog.New(slogmulti.Fanout(console, file)), f, nil
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
