// Package logging builds the slog loggers used by the chase binaries.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls logger behaviour.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or text

	// File enables a rotated log file in addition to stderr
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	AddSource bool
}

// New constructs a logger for cfg. The returned closer flushes and closes the
// log file, if any; it is always non-nil.
func New(cfg Config) (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}

	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = io.MultiWriter(os.Stderr, lj)
		closer = lj
	}
	return slog.New(NewHandler(w, cfg)), closer
}

// NewHandler returns a text or JSON handler writing to w.
func NewHandler(w io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ForwardFunc receives a copy of each forwarded record's level and message.
type ForwardFunc func(level slog.Level, msg string)

// Forward wraps next so records at or above min are also passed to fn.
// The chase server uses it to mirror log lines to connected clients.
func Forward(next slog.Handler, min slog.Level, fn ForwardFunc) slog.Handler {
	return &forwardHandler{next: next, min: min, fn: fn}
}

type forwardHandler struct {
	next slog.Handler
	min  slog.Level
	fn   ForwardFunc
}

func (h *forwardHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.min || h.next.Enabled(ctx, l)
}

func (h *forwardHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.min {
		h.fn(r.Level, r.Message)
	}
	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *forwardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &forwardHandler{next: h.next.WithAttrs(attrs), min: h.min, fn: h.fn}
}

func (h *forwardHandler) WithGroup(name string) slog.Handler {
	return &forwardHandler{next: h.next.WithGroup(name), min: h.min, fn: h.fn}
}
