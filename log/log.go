package log

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	ErrorMsgField  = "errorMsg"
	UserIDField    = "userID"
	RoomIDField    = "roomID"
	MessageIDField = "messageID"
	PhaseField     = "phase"
	PathField      = "path"
)

type ctxKey struct{}

// CloudLoggingHandler is a slog.Handler writing Google Cloud structured
// logging entries, one JSON object per line.
type CloudLoggingHandler struct {
	level slog.Leveler
	out   io.Writer
	mu    *sync.Mutex
	attrs []slog.Attr
}

// NewCloudLoggingHandler creates a handler writing to stdout at Info level.
func NewCloudLoggingHandler() *CloudLoggingHandler {
	return NewCloudLoggingHandlerTo(os.Stdout, slog.LevelInfo)
}

func NewCloudLoggingHandlerTo(out io.Writer, level slog.Leveler) *CloudLoggingHandler {
	return &CloudLoggingHandler{level: level, out: out, mu: &sync.Mutex{}}
}

// Handle processes log records.
func (h *CloudLoggingHandler) Handle(ctx context.Context, r slog.Record) error {
	traceID := getTraceID(ctx)

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	entry := map[string]any{
		"severity": severity(r.Level),
		"time":     ts.Format(time.RFC3339Nano),
		"message":  r.Message,
	}
	if traceID != "" {
		entry["logging.googleapis.com/trace"] = traceID
	}
	for _, attr := range h.attrs {
		entry[attr.Key] = attr.Value.Any()
	}
	r.Attrs(func(attr slog.Attr) bool {
		entry[attr.Key] = attr.Value.Any()
		return true
	})

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.out.Write(append(jsonData, '\n'))
	return err
}

func (h *CloudLoggingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *CloudLoggingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &CloudLoggingHandler{level: h.level, out: h.out, mu: h.mu, attrs: newAttrs}
}

// WithGroup returns the same handler, as grouping is not implemented.
func (h *CloudLoggingHandler) WithGroup(_ string) slog.Handler {
	return h
}

// severity maps slog levels onto Cloud Logging severities.
func severity(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARNING"
	case level >= slog.LevelInfo:
		return "INFO"
	}
	return "DEBUG"
}

type traceKey struct{}

// WithTraceID stores a Cloud Trace id to be attached to every entry.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

func getTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, _ := ctx.Value(traceKey{}).(string)
	return traceID
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = slog.New(NewCloudLoggingHandler())
)

// SetDefault replaces the logger returned for contexts without one.
func SetDefault(logger *slog.Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return logger
	}
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Err is the attribute used for error messages.
func Err(err error) slog.Attr {
	return slog.String(ErrorMsgField, err.Error())
}
