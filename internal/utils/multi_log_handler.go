package utils

import (
	"context"
	"errors"
	"log/slog"
)

// FanoutHandler duplicates every record to a fixed set of slog
// handlers. Each sink keeps its own level filter.
type FanoutHandler struct {
	sinks []slog.Handler
}

// NewMultiLogHandler builds a fan-out over the given handlers.
func NewMultiLogHandler(sinks ...slog.Handler) *FanoutHandler {
	return &FanoutHandler{sinks: sinks}
}

// Enabled reports true when any sink would accept the level.
func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range h.sinks {
		if s.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle delivers the record to every accepting sink. One failing sink
// does not stop delivery to the rest.
func (h *FanoutHandler) Handle(ctx context.Context, rec slog.Record) error {
	var errs []error
	for _, s := range h.sinks {
		if !s.Enabled(ctx, rec.Level) {
			continue
		}
		if err := s.Handle(ctx, rec.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.sinks))
	for i, s := range h.sinks {
		next[i] = s.WithAttrs(attrs)
	}
	return &FanoutHandler{sinks: next}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.sinks))
	for i, s := range h.sinks {
		next[i] = s.WithGroup(name)
	}
	return &FanoutHandler{sinks: next}
}
