package log

import (
	"context"
	"log/slog"

	"github.com/getsentry/sentry-go"
)

// SentryHandler reports Error-level records to Sentry. It never writes
// anywhere else; combine it with another handler through MultiHandler.
type SentryHandler struct {
	hub   *sentry.Hub
	attrs []slog.Attr
}

func NewSentryHandler(hub *sentry.Hub) *SentryHandler {
	return &SentryHandler{hub: hub}
}

func (h *SentryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelError
}

func (h *SentryHandler) Handle(_ context.Context, r slog.Record) error {
	extra := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, attr := range h.attrs {
		extra[attr.Key] = attr.Value.Any()
	}
	r.Attrs(func(attr slog.Attr) bool {
		extra[attr.Key] = attr.Value.Any()
		return true
	})

	event := sentry.NewEvent()
	event.Level = sentry.LevelError
	event.Message = r.Message
	event.Timestamp = r.Time
	event.Extra = extra
	h.hub.CaptureEvent(event)
	return nil
}

func (h *SentryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &SentryHandler{hub: h.hub, attrs: newAttrs}
}

func (h *SentryHandler) WithGroup(_ string) slog.Handler {
	return h
}
