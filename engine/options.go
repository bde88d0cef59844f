package engine

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/klipach/ultcom/chat"
	"github.com/klipach/ultcom/inflight"
)

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithPhoneRules(r chat.PhoneRules) Option {
	return func(e *Engine) {
		e.rules = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithGuard replaces the in-process guard against duplicate sends, e.g.
// with a Redis guard shared with the HTTP functions.
func WithGuard(g inflight.Guard) Option {
	return func(e *Engine) {
		e.guard = g
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		e.newID = newID
	}
}

// OnView is called on the loop goroutine after every batch of events. fn
// must not call back into the engine synchronously.
func OnView(fn func(View)) Option {
	return func(e *Engine) {
		e.onView = fn
	}
}

func newMessageID() string {
	return uuid.NewString()
}
