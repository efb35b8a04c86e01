// Package logutil provides a sampling slog handler for high-volume code
// paths. The consume loop can log every poll at debug in development and a
// few percent of them in production without touching call sites.
package logutil

import (
	"context"
	"log/slog"
	"maps"
	"math/rand"
)

// SampledHandler passes a configurable percentage of records per level to
// the wrapped handler and drops the rest.
type SampledHandler struct {
	handler       slog.Handler
	levelPercents map[slog.Level]float64
	minLevel      slog.Level
}

// NewSampledLogger wraps handler with per-level percentage sampling. A level
// absent from levelPercents always passes.
func NewSampledLogger(levelPercents map[slog.Level]float64, handler slog.Handler, minLevel slog.Level) *slog.Logger {
	return slog.New(&SampledHandler{
		handler:       handler,
		levelPercents: maps.Clone(levelPercents),
		minLevel:      minLevel,
	})
}

func (h *SampledHandler) Enabled(_ context.Context, level slog.Level) bool {
	if level < h.minLevel {
		return false
	}
	percent, ok := h.levelPercents[level]
	if !ok {
		return true
	}
	return rand.Float64()*100 < percent
}

func (h *SampledHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *SampledHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SampledHandler{
		handler:       h.handler.WithAttrs(attrs),
		levelPercents: h.levelPercents,
		minLevel:      h.minLevel,
	}
}

func (h *SampledHandler) WithGroup(name string) slog.Handler {
	return &SampledHandler{
		handler:       h.handler.WithGroup(name),
		levelPercents: h.levelPercents,
		minLevel:      h.minLevel,
	}
}
