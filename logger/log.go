// Package logger forwards slog records to Google Cloud Logging.
package logger

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/logging"
	"google.golang.org/api/option"
)

const LogID = "ultcom"

type entryLogger interface {
	Log(e logging.Entry)
}

// Handler is a slog.Handler writing each record as a structured Cloud
// Logging entry. Entries are buffered by the client; Close flushes them.
type Handler struct {
	out   entryLogger
	level slog.Leveler
	attrs []slog.Attr
}

// Client owns the Cloud Logging connection behind a Handler.
type Client struct {
	client *logging.Client
}

func NewClient(ctx context.Context, projectID string, opts ...option.ClientOption) (*Client, error) {
	client, err := logging.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create logging client: %w", err)
	}
	return &Client{client: client}, nil
}

func (c *Client) Handler(level slog.Leveler) *Handler {
	return newHandler(c.client.Logger(LogID), level)
}

func (c *Client) Close() error {
	return c.client.Close()
}

func newHandler(out entryLogger, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{out: out, level: level}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	payload := make(map[string]any, len(h.attrs)+r.NumAttrs()+1)
	for _, a := range h.attrs {
		payload[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		payload[a.Key] = a.Value.Resolve().Any()
		return true
	})
	payload["message"] = r.Message

	h.out.Log(logging.Entry{
		Timestamp: r.Time,
		Severity:  severity(r.Level),
		Payload:   payload,
	})
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *Handler) WithGroup(_ string) slog.Handler {
	return h
}

func severity(level slog.Level) logging.Severity {
	switch {
	case level >= slog.LevelError:
		return logging.Error
	case level >= slog.LevelWarn:
		return logging.Warning
	case level >= slog.LevelInfo:
		return logging.Info
	default:
		return logging.Debug
	}
}
