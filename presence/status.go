package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/klipach/ultcom/contract"
	"github.com/klipach/ultcom/store"
)

// Status is the online state of a user as stored in users/{uid}.
type Status struct {
	Online   bool
	LastSeen time.Time
}

func (c *Coordinator) setOnline(ctx context.Context, uid string, online bool) error {
	err := c.store.Update(ctx, contract.UserPath(uid), []store.Update{
		{Path: []string{"isOnline"}, Value: online},
		{Path: []string{"lastSeen"}, Value: store.ServerTimestamp},
	})
	if err != nil {
		return fmt.Errorf("set online=%t for %s: %w", online, uid, err)
	}
	return nil
}

func (c *Coordinator) SetOnline(ctx context.Context, uid string) error {
	return c.setOnline(ctx, uid, true)
}

func (c *Coordinator) SetOffline(ctx context.Context, uid string) error {
	return c.setOnline(ctx, uid, false)
}

// WatchStatus follows another user's online status. Snapshots of an absent
// user document are skipped; errors reach fn.
func (c *Coordinator) WatchStatus(ctx context.Context, uid string, fn func(Status, error)) store.Subscription {
	return c.store.SubscribeDoc(ctx, contract.UserPath(uid), func(doc *store.Snapshot, err error) {
		if err != nil {
			fn(Status{}, err)
			return
		}
		if !doc.Exists() {
			return
		}
		var u contract.User
		if err := doc.DataTo(&u); err != nil {
			fn(Status{}, err)
			return
		}
		fn(Status{Online: u.IsOnline, LastSeen: u.LastSeen}, nil)
	})
}

// SavePushToken stores the device push token; delivering pushes is handled
// elsewhere.
func (c *Coordinator) SavePushToken(ctx context.Context, uid, token string) error {
	err := c.store.Update(ctx, contract.UserPath(uid), []store.Update{
		{Path: []string{"pushToken"}, Value: token},
	})
	if err != nil {
		return fmt.Errorf("save push token for %s: %w", uid, err)
	}
	return nil
}

func (c *Coordinator) RemovePushToken(ctx context.Context, uid string) error {
	err := c.store.Update(ctx, contract.UserPath(uid), []store.Update{
		{Path: []string{"pushToken"}, Value: store.Delete},
	})
	if err != nil {
		return fmt.Errorf("remove push token for %s: %w", uid, err)
	}
	return nil
}
