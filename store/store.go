// Package store is the document store used by the sync engine: durable
// per-document storage, single-document atomic field updates and live
// query subscriptions delivering the full result set on every change.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrNotFound    = errors.New("document not found")
	errInvalidPath = errors.New("invalid document path")
)

type Direction int

const (
	Asc Direction = iota
	Desc
)

type Op string

const (
	OpEqual         Op = "=="
	OpArrayContains Op = "array-contains"
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents of a single collection. Query values are
// immutable; every builder method returns a copy.
type Query struct {
	Collection string
	Filters    []Filter
	OrderField string
	OrderDir   Direction
	Max        int
}

func Collection(path string) Query {
	return Query{Collection: path}
}

func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(slices.Clone(q.Filters), Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) WhereEquals(field string, value any) Query {
	return q.Where(field, OpEqual, value)
}

func (q Query) ArrayContains(field string, value any) Query {
	return q.Where(field, OpArrayContains, value)
}

func (q Query) OrderBy(field string, dir Direction) Query {
	q.OrderField = field
	q.OrderDir = dir
	return q
}

func (q Query) Limit(n int) Query {
	q.Max = n
	return q
}

// Update sets a single (possibly nested) field. Value may be one of the
// ServerTimestamp, Delete or Increment sentinels.
type Update struct {
	Path  []string
	Value any
}

type sentinel int

const (
	serverTimestamp sentinel = iota + 1
	deleteField
)

var (
	// ServerTimestamp is replaced by the store's commit time.
	ServerTimestamp any = serverTimestamp
	// Delete removes the field.
	Delete any = deleteField
)

type increment struct {
	n int64
}

// Increment atomically adds n to a numeric field; a missing field counts as 0.
func Increment(n int64) any {
	return increment{n: n}
}

// Snapshot is a read of a single document. A snapshot of an absent document
// has Exists() == false and DataTo returns ErrNotFound.
type Snapshot struct {
	ID     string
	Path   string
	exists bool
	decode func(v any) error
}

func (s *Snapshot) Exists() bool {
	return s != nil && s.exists
}

func (s *Snapshot) DataTo(v any) error {
	if !s.Exists() {
		return ErrNotFound
	}
	return s.decode(v)
}

// DataAll decodes every snapshot into T.
func DataAll[T any](docs []*Snapshot) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := doc.DataTo(&v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", doc.Path, err)
		}
		out = append(out, v)
	}
	return out, nil
}

type (
	SnapshotsFunc func(docs []*Snapshot, err error)
	DocFunc       func(doc *Snapshot, err error)
)

// Subscription is a handle to a live feed. Stop never blocks; callbacks
// already in flight may still run once after Stop returns.
type Subscription interface {
	Stop()
}

// Store is the capability set the engine needs from a document store.
// Callbacks of one subscription never run concurrently and arrive in commit
// order; callbacks of different subscriptions may interleave.
type Store interface {
	Get(ctx context.Context, path string) (*Snapshot, error)
	Set(ctx context.Context, path string, data any) error
	Update(ctx context.Context, path string, updates []Update) error
	Query(ctx context.Context, q Query) ([]*Snapshot, error)
	Subscribe(ctx context.Context, q Query, fn SnapshotsFunc) Subscription
	SubscribeDoc(ctx context.Context, path string, fn DocFunc) Subscription
	Close() error
}

func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func parentCollection(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

// isDocPath reports whether path names a document (an even number of segments).
func isDocPath(path string) bool {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return false
	}
	segments := strings.Split(path, "/")
	for _, s := range segments {
		if s == "" {
			return false
		}
	}
	return len(segments)%2 == 0
}
