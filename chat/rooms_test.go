package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klipach/ultcom/contract"
	"github.com/klipach/ultcom/store"
)

var (
	ann = contract.User{UID: "u1", DisplayName: "Ann", PhoneNumber: "+919876543210"}
	bob = contract.User{UID: "u2", DisplayName: "Bob", PhoneNumber: "+919123456789", AvatarURL: "https://cdn/bob.png"}
)

func newTestRooms(t *testing.T) (*store.Memory, *Rooms) {
	t.Helper()
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var tick time.Duration
	clock := func() time.Time {
		tick += time.Second
		return start.Add(tick)
	}
	m := store.NewMemory(store.WithClock(clock))
	r := NewRooms(m)
	r.now = func() time.Time { return start }
	return m, r
}

func TestEnsureCreatesRoomOnce(t *testing.T) {
	ctx := context.Background()
	m, rooms := newTestRooms(t)

	room, err := rooms.Ensure(ctx, ann, bob)
	require.NoError(t, err)
	assert.Equal(t, "u1_u2", room.ID)
	assert.Equal(t, []string{"u1", "u2"}, room.Participants)
	assert.Equal(t, map[string]int{"u1": 0, "u2": 0}, room.UnreadCount)
	assert.Equal(t, "Chat created", room.LastMessage.Text)
	assert.Equal(t, contract.SystemUserID, room.LastMessage.User.ID)

	writes := 0
	m.SetWriteHook(func(op, path string) error {
		writes++
		return nil
	})
	again, err := rooms.Ensure(ctx, bob, ann)
	require.NoError(t, err)
	assert.Zero(t, writes, "existing room is not rewritten")
	assert.Equal(t, room.ID, again.ID)
	assert.Equal(t, room.Participants, again.Participants)
	assert.Equal(t, contract.ParticipantData{DisplayName: "Bob", AvatarURL: "https://cdn/bob.png"}, again.ParticipantData["u2"])
	assert.False(t, again.UpdatedAt.IsZero(), "server timestamp resolved")

	docs, err := m.Query(ctx, store.Collection(contract.ChatsCollection))
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestEnsureRejectsInvalidPairs(t *testing.T) {
	ctx := context.Background()
	m, rooms := newTestRooms(t)
	m.SetWriteHook(func(op, path string) error {
		t.Fatalf("unexpected %s of %s", op, path)
		return nil
	})

	_, err := rooms.Ensure(ctx, ann, ann)
	assert.ErrorIs(t, err, ErrSelfChat)
	_, err = rooms.Ensure(ctx, ann, contract.User{})
	assert.ErrorIs(t, err, ErrEmptyID)
}

func TestRecordMessageSent(t *testing.T) {
	ctx := context.Background()
	_, rooms := newTestRooms(t)
	_, err := rooms.Ensure(ctx, ann, bob)
	require.NoError(t, err)

	msg := contract.Message{
		ID:        "m1",
		Text:      "hi",
		CreatedAt: time.Date(2026, 5, 1, 9, 1, 0, 0, time.UTC),
		User:      contract.MessageUser{ID: "u1", Name: "Ann"},
	}
	require.NoError(t, rooms.RecordMessageSent(ctx, "u1_u2", msg, "u2"))

	room, err := rooms.Get(ctx, "u1_u2")
	require.NoError(t, err)
	assert.Equal(t, "hi", room.LastMessage.Text)
	assert.Equal(t, "u1", room.LastMessage.User.ID)
	assert.Equal(t, map[string]int{"u1": 0, "u2": 1}, room.UnreadCount)

	// Writing the same message id again leaves one document.
	require.NoError(t, rooms.RecordMessageSent(ctx, "u1_u2", msg, "u2"))
	history, err := rooms.LoadHistory(ctx, "u1_u2", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "m1", history[0].ID)

	ok, err := rooms.HasMessage(ctx, "u1_u2", "m1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = rooms.HasMessage(ctx, "u1_u2", "m2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordMessageSentPartialWrite(t *testing.T) {
	ctx := context.Background()
	m, rooms := newTestRooms(t)
	_, err := rooms.Ensure(ctx, ann, bob)
	require.NoError(t, err)

	m.SetWriteHook(func(op, path string) error {
		if op == "update" && path == contract.RoomPath("u1_u2") {
			return errors.New("deadline exceeded")
		}
		return nil
	})
	msg := contract.Message{ID: "m1", Text: "hi", CreatedAt: time.Now(), User: contract.MessageUser{ID: "u1", Name: "Ann"}}
	err = rooms.RecordMessageSent(ctx, "u1_u2", msg, "u2")
	require.ErrorIs(t, err, ErrSummaryNotUpdated)

	// The message is stored while the summary lags one message behind.
	history, err := rooms.LoadHistory(ctx, "u1_u2", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	room, err := rooms.Get(ctx, "u1_u2")
	require.NoError(t, err)
	assert.Equal(t, "Chat created", room.LastMessage.Text)
	assert.Zero(t, room.UnreadCount["u2"])

	// The next send heals the summary.
	m.SetWriteHook(nil)
	next := contract.Message{ID: "m2", Text: "there?", CreatedAt: time.Now(), User: contract.MessageUser{ID: "u1", Name: "Ann"}}
	require.NoError(t, rooms.RecordMessageSent(ctx, "u1_u2", next, "u2"))
	room, err = rooms.Get(ctx, "u1_u2")
	require.NoError(t, err)
	assert.Equal(t, "there?", room.LastMessage.Text)
	assert.Equal(t, 1, room.UnreadCount["u2"])
}

func TestPeer(t *testing.T) {
	room := NewRoom(ann, bob, time.Now())

	peer, err := Peer(room, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u2", peer)

	_, err = Peer(room, "u3")
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestGetMissingRoom(t *testing.T) {
	_, rooms := newTestRooms(t)
	_, err := rooms.Get(context.Background(), "u1_u9")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestDecodeRoomsFillsMissingID(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.Set(ctx, contract.RoomPath("u1_u2"), contract.ChatRoom{Participants: []string{"u1", "u2"}}))
	require.NoError(t, m.Set(ctx, contract.RoomPath("u1_u3"), contract.ChatRoom{ID: "u1_u3", Participants: []string{"u1", "u3"}}))

	docs, err := m.Query(ctx, store.Collection(contract.ChatsCollection))
	require.NoError(t, err)
	rooms, err := DecodeRooms(docs)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	ids := []string{rooms[0].ID, rooms[1].ID}
	assert.ElementsMatch(t, []string{"u1_u2", "u1_u3"}, ids)
}
