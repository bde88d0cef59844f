package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore is a Store backed by Cloud Firestore.
type Firestore struct {
	client *firestore.Client
}

func NewFirestore(ctx context.Context, projectID string, opts ...option.ClientOption) (*Firestore, error) {
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &Firestore{client: client}, nil
}

func (f *Firestore) Close() error {
	return f.client.Close()
}

func (f *Firestore) doc(path string) (*firestore.DocumentRef, error) {
	ref := f.client.Doc(path)
	if ref == nil {
		return nil, fmt.Errorf("%w: %q", errInvalidPath, path)
	}
	return ref, nil
}

func (f *Firestore) Get(ctx context.Context, path string) (*Snapshot, error) {
	ref, err := f.doc(path)
	if err != nil {
		return nil, err
	}
	snap, err := ref.Get(ctx)
	if status.Code(err) == codes.NotFound {
		return &Snapshot{ID: ref.ID, Path: path}, nil
	}
	if err != nil {
		return nil, err
	}
	return fromFirestore(snap), nil
}

func (f *Firestore) Set(ctx context.Context, path string, data any) error {
	ref, err := f.doc(path)
	if err != nil {
		return err
	}
	if m, ok := data.(map[string]any); ok {
		data = toFirestoreMap(m)
	}
	_, err = ref.Set(ctx, data)
	return err
}

func (f *Firestore) Update(ctx context.Context, path string, updates []Update) error {
	ref, err := f.doc(path)
	if err != nil {
		return err
	}
	fsUpdates := make([]firestore.Update, 0, len(updates))
	for _, u := range updates {
		fsUpdates = append(fsUpdates, firestore.Update{
			FieldPath: firestore.FieldPath(u.Path),
			Value:     toFirestoreValue(u.Value),
		})
	}
	_, err = ref.Update(ctx, fsUpdates)
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return err
}

func (f *Firestore) query(q Query) (firestore.Query, error) {
	coll := f.client.Collection(q.Collection)
	if coll == nil {
		return firestore.Query{}, fmt.Errorf("%w: %q", errInvalidPath, q.Collection)
	}
	fq := coll.Query
	for _, filter := range q.Filters {
		fq = fq.Where(filter.Field, string(filter.Op), filter.Value)
	}
	if q.OrderField != "" {
		dir := firestore.Asc
		if q.OrderDir == Desc {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(q.OrderField, dir)
	}
	if q.Max > 0 {
		fq = fq.Limit(q.Max)
	}
	return fq, nil
}

func (f *Firestore) Query(ctx context.Context, q Query) ([]*Snapshot, error) {
	fq, err := f.query(q)
	if err != nil {
		return nil, err
	}
	docs, err := fq.Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	return fromFirestoreAll(docs), nil
}

// Subscribe follows the query with a snapshot listener. A listener error is
// reported once and ends the subscription; reconnecting is left to the
// Firestore client.
func (f *Firestore) Subscribe(ctx context.Context, q Query, fn SnapshotsFunc) Subscription {
	ctx, cancel := context.WithCancel(ctx)
	fq, err := f.query(q)
	if err != nil {
		go fn(nil, err)
		return cancelSubscription(cancel)
	}
	it := fq.Snapshots(ctx)
	go func() {
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				if !stopped(ctx, err) {
					fn(nil, err)
				}
				return
			}
			docs, err := qs.Documents.GetAll()
			if err != nil {
				fn(nil, err)
				continue
			}
			fn(fromFirestoreAll(docs), nil)
		}
	}()
	return cancelSubscription(cancel)
}

func (f *Firestore) SubscribeDoc(ctx context.Context, path string, fn DocFunc) Subscription {
	ctx, cancel := context.WithCancel(ctx)
	ref, err := f.doc(path)
	if err != nil {
		go fn(nil, err)
		return cancelSubscription(cancel)
	}
	it := ref.Snapshots(ctx)
	go func() {
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if !stopped(ctx, err) {
					fn(nil, err)
				}
				return
			}
			if !snap.Exists() {
				fn(&Snapshot{ID: ref.ID, Path: path}, nil)
				continue
			}
			fn(fromFirestore(snap), nil)
		}
	}()
	return cancelSubscription(cancel)
}

type cancelSubscription context.CancelFunc

func (c cancelSubscription) Stop() {
	c()
}

func stopped(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled
}

func fromFirestore(snap *firestore.DocumentSnapshot) *Snapshot {
	return &Snapshot{
		ID:     snap.Ref.ID,
		Path:   relativePath(snap.Ref.Path),
		exists: true,
		decode: snap.DataTo,
	}
}

// relativePath strips the "projects/{p}/databases/{d}/documents/" prefix.
func relativePath(full string) string {
	const marker = "/documents/"
	if i := strings.Index(full, marker); i >= 0 {
		return full[i+len(marker):]
	}
	return full
}

func fromFirestoreAll(docs []*firestore.DocumentSnapshot) []*Snapshot {
	out := make([]*Snapshot, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromFirestore(d))
	}
	return out
}

func toFirestoreValue(v any) any {
	switch v := v.(type) {
	case sentinel:
		if v == serverTimestamp {
			return firestore.ServerTimestamp
		}
		return firestore.Delete
	case increment:
		return firestore.Increment(v.n)
	case map[string]any:
		return toFirestoreMap(v)
	}
	return v
}

func toFirestoreMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = toFirestoreValue(v)
	}
	return out
}
