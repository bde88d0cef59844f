package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/klipach/ultcom/contract"
	"github.com/klipach/ultcom/log"
	"github.com/klipach/ultcom/presence"
	"github.com/klipach/ultcom/store"
)

const roomCreatedText = "Chat created"

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotMember    = errors.New("user is not a participant of the room")

	// ErrSummaryNotUpdated marks a send whose message was stored but whose room
	// summary and unread bump were not. The next send corrects the summary.
	ErrSummaryNotUpdated = errors.New("room summary not updated")
)

// Rooms keeps chats/{roomID} documents and their message subcollections.
type Rooms struct {
	store store.Store
	now   func() time.Time
}

func NewRooms(s store.Store) *Rooms {
	return &Rooms{store: s, now: time.Now}
}

// NewRoom builds the initial shape of a room between self and other.
func NewRoom(self, other contract.User, now time.Time) *contract.ChatRoom {
	participants := []string{self.UID, other.UID}
	slices.Sort(participants)
	return &contract.ChatRoom{
		ID:           RoomID(self.UID, other.UID),
		Participants: participants,
		ParticipantData: map[string]contract.ParticipantData{
			self.UID:  {DisplayName: self.DisplayName, AvatarURL: self.AvatarURL},
			other.UID: {DisplayName: other.DisplayName, AvatarURL: other.AvatarURL},
		},
		LastMessage: &contract.LastMessage{
			Text:      roomCreatedText,
			CreatedAt: now,
			User:      contract.MessageUser{ID: contract.SystemUserID, Name: contract.SystemUserName},
		},
		UnreadCount: map[string]int{self.UID: 0, other.UID: 0},
	}
}

// Ensure returns the room between self and other, creating it when absent.
// The get-then-set is not transactional: if both participants race, both
// write the same initial shape under the same id, so there is still exactly
// one room.
func (r *Rooms) Ensure(ctx context.Context, self, other contract.User) (*contract.ChatRoom, error) {
	if err := ValidatePair(self.UID, other.UID); err != nil {
		return nil, err
	}
	roomID := RoomID(self.UID, other.UID)
	room, err := r.Get(ctx, roomID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, ErrRoomNotFound) {
		return nil, err
	}

	room = NewRoom(self, other, r.now())
	if err := r.store.Set(ctx, contract.RoomPath(roomID), room); err != nil {
		return nil, fmt.Errorf("create room %s: %w", roomID, err)
	}
	log.LoggerFromContext(ctx).Info("room created", slog.String(log.RoomIDField, roomID))
	return room, nil
}

func (r *Rooms) Get(ctx context.Context, roomID string) (*contract.ChatRoom, error) {
	snap, err := r.store.Get(ctx, contract.RoomPath(roomID))
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}
	if !snap.Exists() {
		return nil, ErrRoomNotFound
	}
	var room contract.ChatRoom
	if err := snap.DataTo(&room); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	if room.ID == "" {
		room.ID = snap.ID
	}
	return &room, nil
}

// Peer returns the participant of room other than self.
func Peer(room *contract.ChatRoom, self string) (string, error) {
	if !slices.Contains(room.Participants, self) {
		return "", ErrNotMember
	}
	for _, uid := range room.Participants {
		if uid != self {
			return uid, nil
		}
	}
	return "", ErrSelfChat
}

// RecordMessageSent appends msg to the room and then updates the room's
// last message, updated timestamp and the recipient's unread counter in a
// single-document update. The two writes are not atomic; when the second
// fails the returned error wraps ErrSummaryNotUpdated and the message is
// already stored.
func (r *Rooms) RecordMessageSent(ctx context.Context, roomID string, msg contract.Message, recipientID string) error {
	if err := r.store.Set(ctx, contract.MessagePath(roomID, msg.ID), msg); err != nil {
		return fmt.Errorf("append message %s: %w", msg.ID, err)
	}

	updates := []store.Update{
		{Path: []string{"lastMessage"}, Value: contract.LastMessage{
			Text:      msg.Text,
			CreatedAt: msg.CreatedAt,
			User:      contract.MessageUser{ID: msg.User.ID, Name: msg.User.Name},
		}},
		{Path: []string{"updatedAt"}, Value: store.ServerTimestamp},
		presence.BumpUpdate(recipientID),
	}
	if err := r.store.Update(ctx, contract.RoomPath(roomID), updates); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSummaryNotUpdated, roomID, err)
	}
	return nil
}
