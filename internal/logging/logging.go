// Package logging sets up the process logger and carries per-request
// attributes (user and run) on the context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	userKey ctxKey = iota
	runKey
)

// WithUser returns a context whose log records carry user_id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

// WithRun returns a context whose log records carry run_id.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey, runID)
}

// ContextHandler adds user_id and run_id from the context to each record.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler wraps h.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(userKey).(string); ok && id != "" {
		r.AddAttrs(slog.String("user_id", id))
	}
	if id, ok := ctx.Value(runKey).(string); ok && id != "" {
		r.AddAttrs(slog.String("run_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// ParseLevel maps a config value to a level. Unknown values mean info.
func ParseLevel(s string) slog.Level {
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

// Setup installs a text logger on w as the default and returns it.
func Setup(w io.Writer, level string) *slog.Logger {
	logger := slog.New(NewContextHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})))
	slog.SetDefault(logger)
	return logger
}
