package store

import (
	"cmp"
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store with the same delivery contract as
// Firestore: every subscription receives the full current result set after
// each commit, in commit order, from its own goroutine.
type Memory struct {
	mu     sync.Mutex
	docs   map[string]map[string]any
	subs   map[int]*memSub
	nextID int
	now    func() time.Time
	closed bool
	hook   func(op, path string) error
}

type MemoryOption func(*Memory)

func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		docs: make(map[string]map[string]any),
		subs: make(map[int]*memSub),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, sub := range m.subs {
		sub.cancel()
		delete(m.subs, id)
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, path string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !isDocPath(path) {
		return nil, fmt.Errorf("%w: %q", errInvalidPath, path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(path), nil
}

func (m *Memory) Set(ctx context.Context, path string, data any) error {
	if err := m.checkWrite(ctx, "set", path); err != nil {
		return err
	}
	doc, err := encode(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.docs[path] = resolve(clone(doc).(map[string]any), now).(map[string]any)
	m.notifyLocked()
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, updates []Update) error {
	if err := m.checkWrite(ctx, "update", path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	doc = clone(doc).(map[string]any)
	now := m.now()
	for _, u := range updates {
		if len(u.Path) == 0 {
			return fmt.Errorf("store: empty field path in update of %s", path)
		}
		if err := applyUpdate(doc, u, now); err != nil {
			return fmt.Errorf("update %s: %w", path, err)
		}
	}
	m.docs[path] = doc
	m.notifyLocked()
	return nil
}

func (m *Memory) checkWrite(ctx context.Context, op, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !isDocPath(path) {
		return fmt.Errorf("%w: %q", errInvalidPath, path)
	}
	m.mu.Lock()
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(op, path); err != nil {
			return err
		}
	}
	return nil
}

// SetWriteHook installs fn to be consulted before every Set and Update; a
// non-nil error fails the write without applying it. nil removes the hook.
func (m *Memory) SetWriteHook(fn func(op, path string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

func applyUpdate(doc map[string]any, u Update, now time.Time) error {
	parent := doc
	for _, key := range u.Path[:len(u.Path)-1] {
		next, ok := parent[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			parent[key] = next
		}
		parent = next
	}
	leaf := u.Path[len(u.Path)-1]
	switch v := u.Value.(type) {
	case sentinel:
		if v == deleteField {
			delete(parent, leaf)
			return nil
		}
		parent[leaf] = now
	case increment:
		switch cur := parent[leaf].(type) {
		case nil:
			parent[leaf] = v.n
		case int64:
			parent[leaf] = cur + v.n
		case float64:
			parent[leaf] = cur + float64(v.n)
		default:
			return fmt.Errorf("cannot increment %T field %s", cur, strings.Join(u.Path, "."))
		}
	default:
		enc, err := encodeValue(reflect.ValueOf(u.Value))
		if err != nil {
			return err
		}
		parent[leaf] = resolve(enc, now)
	}
	return nil
}

// resolve replaces server timestamp sentinels with the commit time.
func resolve(v any, now time.Time) any {
	switch val := v.(type) {
	case sentinel:
		if val == serverTimestamp {
			return now
		}
		return nil
	case increment:
		return val.n
	case map[string]any:
		for k, item := range val {
			if s, ok := item.(sentinel); ok && s == deleteField {
				delete(val, k)
				continue
			}
			val[k] = resolve(item, now)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = resolve(item, now)
		}
		return val
	}
	return v
}

func (m *Memory) Query(ctx context.Context, q Query) ([]*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queryLocked(q), nil
}

func (m *Memory) snapshotLocked(path string) *Snapshot {
	doc, ok := m.docs[path]
	if !ok {
		return &Snapshot{ID: lastSegment(path), Path: path}
	}
	data := clone(doc).(map[string]any)
	return &Snapshot{
		ID:     lastSegment(path),
		Path:   path,
		exists: true,
		decode: func(v any) error { return decode(data, v) },
	}
}

func (m *Memory) queryLocked(q Query) []*Snapshot {
	var paths []string
	for path, doc := range m.docs {
		if parentCollection(path) != q.Collection || !matches(doc, q) {
			continue
		}
		paths = append(paths, path)
	}
	slices.SortFunc(paths, func(a, b string) int {
		c := 0
		if q.OrderField != "" {
			c = compareValues(m.docs[a][q.OrderField], m.docs[b][q.OrderField])
		}
		if c == 0 {
			c = strings.Compare(lastSegment(a), lastSegment(b))
		}
		if q.OrderDir == Desc {
			c = -c
		}
		return c
	})
	if q.Max > 0 && len(paths) > q.Max {
		paths = paths[:q.Max]
	}
	out := make([]*Snapshot, 0, len(paths))
	for _, path := range paths {
		out = append(out, m.snapshotLocked(path))
	}
	return out
}

func matches(doc map[string]any, q Query) bool {
	// Like Firestore, ordering by a field excludes documents without it.
	if q.OrderField != "" {
		if _, ok := doc[q.OrderField]; !ok {
			return false
		}
	}
	for _, f := range q.Filters {
		want, err := encodeValue(reflect.ValueOf(f.Value))
		if err != nil {
			return false
		}
		got := doc[f.Field]
		switch f.Op {
		case OpEqual:
			if compareValues(got, want) != 0 || got == nil {
				return false
			}
		case OpArrayContains:
			items, _ := got.([]any)
			if !slices.ContainsFunc(items, func(item any) bool { return compareValues(item, want) == 0 }) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case av:
				return 1
			}
			return -1
		}
	case int64, float64:
		if bf, ok := toFloat(b); ok {
			af, _ := toFloat(a)
			return cmp.Compare(af, bf)
		}
	}
	if reflect.DeepEqual(a, b) {
		return 0
	}
	// Values of different types order by type name, which keeps sorting total.
	return strings.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

type memSub struct {
	m      *Memory
	id     int
	ctx    context.Context
	cancel context.CancelFunc
	query  *Query
	path   string
	onDocs SnapshotsFunc
	onDoc  DocFunc

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
}

func (s *memSub) push(fn func()) {
	s.mu.Lock()
	s.pending = append(s.pending, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memSub) run() {
	defer s.m.remove(s.id)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			fn := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			if s.ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}

// deliverLocked queues the subscription's current result set.
func (m *Memory) deliverLocked(s *memSub) {
	if s.query != nil {
		docs := m.queryLocked(*s.query)
		s.push(func() { s.onDocs(docs, nil) })
		return
	}
	doc := m.snapshotLocked(s.path)
	s.push(func() { s.onDoc(doc, nil) })
}

func (m *Memory) notifyLocked() {
	for _, s := range m.subs {
		m.deliverLocked(s)
	}
}

func (m *Memory) addSub(ctx context.Context, s *memSub) Subscription {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wake = make(chan struct{}, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		s.cancel()
		return memSubscription{m: m}
	}
	id := m.nextID
	m.nextID++
	s.m, s.id = m, id
	m.subs[id] = s
	go s.run()
	m.deliverLocked(s)
	return memSubscription{m: m, id: id, cancel: s.cancel}
}

func (m *Memory) Subscribe(ctx context.Context, q Query, fn SnapshotsFunc) Subscription {
	return m.addSub(ctx, &memSub{query: &q, onDocs: fn})
}

func (m *Memory) SubscribeDoc(ctx context.Context, path string, fn DocFunc) Subscription {
	if !isDocPath(path) {
		go fn(nil, fmt.Errorf("%w: %q", errInvalidPath, path))
		return memSubscription{m: m}
	}
	return m.addSub(ctx, &memSub{path: path, onDoc: fn})
}

// EmitError delivers err to every live subscription whose collection or
// document path starts with prefix, simulating a listener failure. The
// subscriptions stay registered.
func (m *Memory) EmitError(prefix string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.query != nil && strings.HasPrefix(s.query.Collection, prefix) {
			s.push(func() { s.onDocs(nil, err) })
		}
		if s.query == nil && strings.HasPrefix(s.path, prefix) {
			s.push(func() { s.onDoc(nil, err) })
		}
	}
}

// Subscriptions reports the number of live subscriptions.
func (m *Memory) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

type memSubscription struct {
	m      *Memory
	id     int
	cancel context.CancelFunc
}

func (s memSubscription) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.m.remove(s.id)
}

func (m *Memory) remove(id int) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}
