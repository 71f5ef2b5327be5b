package logger

import (
	"context"
	"errors"
	"log/slog"
)

// FanoutHandler writes every record to all wrapped handlers. The level gate
// applies to the fanout as a whole so an OTel bridge without its own level
// does not receive debug noise.
//
// Implementation follows the slog handler guide for shared state across
// WithAttrs/WithGroup: https://pkg.go.dev/golang.org/x/example/slog-handler-guide
type FanoutHandler struct {
	level    slog.Leveler
	handlers []slog.Handler
}

// NewFanoutHandler creates a handler that forwards to each of handlers.
func NewFanoutHandler(level slog.Leveler, handlers ...slog.Handler) *FanoutHandler {
	return &FanoutHandler{level: level, handlers: handlers}
}

// Enabled reports whether the handler handles records at the given level.
func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle passes the record to every wrapped handler. A failing handler does
// not stop the others.
func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, wrapped := range h.handlers {
		if !wrapped.Enabled(ctx, r.Level) {
			continue
		}
		if err := wrapped.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WithAttrs returns a new handler with the given attributes.
func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, wrapped := range h.handlers {
		next[i] = wrapped.WithAttrs(attrs)
	}
	return &FanoutHandler{level: h.level, handlers: next}
}

// WithGroup returns a new handler with the given group name.
func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, wrapped := range h.handlers {
		next[i] = wrapped.WithGroup(name)
	}
	return &FanoutHandler{level: h.level, handlers: next}
}
