// Package presence keeps the per-participant unread counters of rooms and
// the online status of users.
package presence

import (
	"context"
	"fmt"

	"github.com/klipach/ultcom/contract"
	"github.com/klipach/ultcom/log"
	"github.com/klipach/ultcom/store"
)

const unreadCountField = "unreadCount"

// ResetUpdate sets viewerID's unread counter to zero.
func ResetUpdate(viewerID string) store.Update {
	return store.Update{Path: []string{unreadCountField, viewerID}, Value: 0}
}

// BumpUpdate atomically adds one to recipientID's unread counter. Both
// participants write each other's counters, so the counter is only ever
// changed through the store's increment, never read-modify-written.
func BumpUpdate(recipientID string) store.Update {
	return store.Update{Path: []string{unreadCountField, recipientID}, Value: store.Increment(1)}
}

// Coordinator issues the unread counter and presence writes.
type Coordinator struct {
	store store.Store
}

func NewCoordinator(s store.Store) *Coordinator {
	return &Coordinator{store: s}
}

func (c *Coordinator) ResetUnread(ctx context.Context, roomID, viewerID string) error {
	if err := c.store.Update(ctx, contract.RoomPath(roomID), []store.Update{ResetUpdate(viewerID)}); err != nil {
		return fmt.Errorf("reset unread of %s in %s: %w", viewerID, roomID, err)
	}
	return nil
}

// Forget runs a counter or presence write without making the caller wait;
// a failure only costs an accurate badge, so it is logged and dropped.
func Forget(ctx context.Context, what string, fn func(context.Context) error) {
	logger := log.LoggerFromContext(ctx)
	go func() {
		if err := fn(ctx); err != nil {
			logger.Warn(what+" failed", log.Err(err))
		}
	}()
}

// ResetUnreadAsync is ResetUnread fired once per room entry.
func (c *Coordinator) ResetUnreadAsync(ctx context.Context, roomID, viewerID string) {
	Forget(ctx, "unread reset", func(ctx context.Context) error {
		return c.ResetUnread(ctx, roomID, viewerID)
	})
}
