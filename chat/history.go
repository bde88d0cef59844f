package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/klipach/ultcom/contract"
	"github.com/klipach/ultcom/log"
	"github.com/klipach/ultcom/store"
)

const defaultHistoryLimit = 50

// MessagesQuery is the live query behind a room's message list, newest first.
func MessagesQuery(roomID string) store.Query {
	return store.Collection(contract.MessagesPath(roomID)).OrderBy("createdAt", store.Desc)
}

// LoadHistory reads the newest messages of a room once, newest first.
func (r *Rooms) LoadHistory(ctx context.Context, roomID string, limit int) ([]contract.Message, error) {
	logger := log.LoggerFromContext(ctx)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	docs, err := r.store.Query(ctx, MessagesQuery(roomID).Limit(limit))
	if err != nil {
		return nil, fmt.Errorf("load history of %s: %w", roomID, err)
	}
	messages, err := DecodeMessages(docs)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		logger.Info("room has no messages", slog.String(log.RoomIDField, roomID))
	}
	return messages, nil
}

func (r *Rooms) HasMessage(ctx context.Context, roomID, messageID string) (bool, error) {
	snap, err := r.store.Get(ctx, contract.MessagePath(roomID, messageID))
	if err != nil {
		return false, fmt.Errorf("get message %s: %w", messageID, err)
	}
	return snap.Exists(), nil
}

// DecodeMessages decodes message documents, keying each message by its
// document id.
func DecodeMessages(docs []*store.Snapshot) ([]contract.Message, error) {
	messages, err := store.DataAll[contract.Message](docs)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		messages[i].ID = docs[i].ID
	}
	return messages, nil
}

// DecodeRooms decodes room documents, filling a missing id from the document id.
func DecodeRooms(docs []*store.Snapshot) ([]contract.ChatRoom, error) {
	rooms, err := store.DataAll[contract.ChatRoom](docs)
	if err != nil {
		return nil, err
	}
	for i := range rooms {
		if rooms[i].ID == "" {
			rooms[i].ID = docs[i].ID
		}
	}
	return rooms, nil
}

// InboxQuery is the live query behind a user's room list, most recently
// updated first.
func InboxQuery(uid string) store.Query {
	return store.Collection(contract.ChatsCollection).
		ArrayContains("participants", uid).
		OrderBy("updatedAt", store.Desc)
}
