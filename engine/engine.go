// Package engine composes the session feed, the profile feed, the inbox
// feed and the open room's message feed into one view. Every feed event and
// every action is folded on a single goroutine in arrival order; store I/O
// never runs on that goroutine.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klipach/ultcom/auth"
	"github.com/klipach/ultcom/chat"
	"github.com/klipach/ultcom/contract"
	"github.com/klipach/ultcom/gate"
	"github.com/klipach/ultcom/inflight"
	"github.com/klipach/ultcom/presence"
	"github.com/klipach/ultcom/profile"
	"github.com/klipach/ultcom/store"
	"github.com/klipach/ultcom/stream"
)

var (
	ErrNotReady       = errors.New("not signed in with a complete profile")
	ErrNoRoom         = errors.New("no room is open")
	ErrUnknownMessage = errors.New("no failed message with this id")
	ErrStopped        = errors.New("engine is not running")
	ErrRunning        = errors.New("engine is already running")
)

// Sessions is the auth session feed together with the session actions the
// engine performs. *auth.Manager implements it.
type Sessions interface {
	Subscribe(fn func(*auth.Session)) (unsubscribe func())
	SignOut()
	UpdateProfile(ctx context.Context, upd auth.ProfileUpdate) (*auth.Session, error)
}

// handle is a named live subscription. gen identifies the events the
// subscription produced; events carrying any other generation are stale.
type handle struct {
	gen uint64
	sub store.Subscription
}

func (h *handle) active() bool {
	return h.sub != nil
}

func (h *handle) stop() {
	if h.sub != nil {
		h.sub.Stop()
	}
	*h = handle{}
}

type openRoom struct {
	id       string
	peer     stream.Peer
	peerUID  string
	messages *stream.Messages
	sub      handle
	status   handle
	online   presence.Status
}

type Engine struct {
	store    store.Store
	sessions Sessions
	rooms    *chat.Rooms
	dir      *chat.Directory
	presence *presence.Coordinator
	profiles *profile.Service
	guard    inflight.Guard
	newID    func() string
	now      func() time.Time
	logger   *slog.Logger
	onView   func(View)
	rules    chat.PhoneRules

	qmu     sync.Mutex
	queue   []func(*Engine)
	wake    chan struct{}
	done    chan struct{}
	running atomic.Bool
	stopped atomic.Bool

	// Owned by the loop goroutine.
	ctx        context.Context
	gate       *gate.Gate
	session    *auth.Session
	profile    *contract.User
	profileSub handle
	inbox      *stream.Inbox
	inboxSub   handle
	room       *openRoom
	nextGen    uint64
	notice     error
}

func New(s store.Store, sessions Sessions, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		sessions: sessions,
		guard:    inflight.NewLocal(),
		newID:    newMessageID,
		now:      time.Now,
		logger:   slog.Default(),
		rules:    chat.DefaultPhoneRules,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		gate:     gate.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.rooms = chat.NewRooms(s)
	e.dir = chat.NewDirectory(s, e.rules)
	e.presence = presence.NewCoordinator(s)
	e.profiles = profile.NewService(s, sessions)
	return e
}

// Run folds events until ctx ends. On return every subscription the engine
// opened has been stopped.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	e.ctx = ctx
	defer close(e.done)
	defer e.stopped.Store(true)

	unsubscribe := e.sessions.Subscribe(func(s *auth.Session) {
		e.post(func(e *Engine) { e.onSession(s) })
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			e.endSession()
			e.emit()
			return ctx.Err()
		case <-e.wake:
		}
		for _, fn := range e.drain() {
			fn(e)
		}
		e.emit()
	}
}

// post queues fn for the loop. It never blocks.
func (e *Engine) post(fn func(*Engine)) {
	if e.stopped.Load() {
		return
	}
	e.qmu.Lock()
	e.queue = append(e.queue, fn)
	e.qmu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) drain() []func(*Engine) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	batch := e.queue
	e.queue = nil
	return batch
}

// call runs fn on the loop and waits for its result.
func call[T any](ctx context.Context, e *Engine, fn func(*Engine) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	if e.stopped.Load() {
		return zero, ErrStopped
	}
	reply := make(chan result, 1)
	e.post(func(e *Engine) {
		v, err := fn(e)
		reply <- result{v: v, err: err}
	})
	select {
	case r := <-reply:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-e.done:
		return zero, ErrStopped
	}
}

func (e *Engine) generation() uint64 {
	e.nextGen++
	return e.nextGen
}

func (e *Engine) emit() {
	if e.onView != nil {
		e.onView(e.view())
	}
}
