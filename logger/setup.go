package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/klipach/ultcom/config"
	"github.com/klipach/ultcom/log"
)

const sentryFlushTimeout = 2 * time.Second

// Setup builds the process logger from cfg: stdout or Cloud Logging,
// plus Sentry when a DSN is configured. The logger is also installed as
// the default for contexts without one. The returned func flushes the
// sinks.
func Setup(ctx context.Context, cfg *config.Config) (*slog.Logger, func(), error) {
	var (
		handlers []slog.Handler
		closers  []func()
	)

	switch cfg.Log.Sink {
	case config.SinkCloud:
		projectID, err := cfg.ResolveProjectID(ctx)
		if err != nil {
			return nil, nil, err
		}
		client, err := NewClient(ctx, projectID, cfg.ClientOptions()...)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, client.Handler(cfg.LogLevel()))
		closers = append(closers, func() { _ = client.Close() })
	default:
		handlers = append(handlers, log.NewCloudLoggingHandlerTo(os.Stdout, cfg.LogLevel()))
	}

	if cfg.Log.SentryDSN != "" {
		client, err := sentry.NewClient(sentry.ClientOptions{Dsn: cfg.Log.SentryDSN})
		if err != nil {
			return nil, nil, fmt.Errorf("sentry: %w", err)
		}
		handlers = append(handlers, log.NewSentryHandler(sentry.NewHub(client, sentry.NewScope())))
		closers = append(closers, func() { client.Flush(sentryFlushTimeout) })
	}

	var h slog.Handler = handlers[0]
	if len(handlers) > 1 {
		h = log.NewMultiHandler(handlers...)
	}
	logger := slog.New(h)
	log.SetDefault(logger)

	return logger, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}
