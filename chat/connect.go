package chat

import (
	"context"
	"log/slog"

	"github.com/klipach/ultcom/contract"
	"github.com/klipach/ultcom/log"
)

// Connection is the result of a search-and-connect action.
type Connection struct {
	Room  *contract.ChatRoom
	Other contract.User
}

// Connect finds the user behind phone and ensures the room between self
// and that user exists. Validation and not-found errors are returned before
// any room write.
func Connect(ctx context.Context, dir *Directory, rooms *Rooms, self contract.User, phone string) (*Connection, error) {
	logger := log.LoggerFromContext(ctx)

	other, err := dir.FindByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if other.UID == self.UID {
		return nil, ErrSelfChat
	}
	room, err := rooms.Ensure(ctx, self, *other)
	if err != nil {
		return nil, err
	}
	logger.Info("connected",
		slog.String(log.UserIDField, self.UID),
		slog.String(log.RoomIDField, room.ID),
	)
	return &Connection{Room: room, Other: *other}, nil
}
