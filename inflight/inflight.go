// Package inflight rejects a second start of an operation that is already
// running, keyed by an operation id such as a client-assigned message id.
package inflight

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrInProgress = errors.New("operation already in progress")

type Guard interface {
	// Acquire claims key or fails with ErrInProgress.
	Acquire(ctx context.Context, key string) error
	// Release gives key up, so the operation may be started again.
	Release(ctx context.Context, key string) error
}

// Local is a Guard for a single process.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) Acquire(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return fmt.Errorf("%w: %s", ErrInProgress, key)
	}
	l.held[key] = struct{}{}
	return nil
}

func (l *Local) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// Redis is a Guard shared by every instance talking to the same Redis. A
// key that is never released expires after ttl, which also makes a retried
// request inside that window look like a duplicate.
type Redis struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedis(client redis.Cmdable, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) Acquire(ctx context.Context, key string) error {
	ok, err := r.client.SetNX(ctx, r.prefix+key, "locked", r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrInProgress, key)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// NewRedisClient connects to addr and checks the connection.
func NewRedisClient(ctx context.Context, addr, pass string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rdb, nil
}
