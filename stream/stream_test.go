package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klipach/ultcom/contract"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func msg(id string, offset int, text string) contract.Message {
	return contract.Message{
		ID:        id,
		Text:      text,
		CreatedAt: t0.Add(time.Duration(offset) * time.Second),
		User:      contract.MessageUser{ID: "u1", Name: "Ann"},
	}
}

func ids(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestMessagesApply(t *testing.T) {
	m := NewMessages()
	assert.False(t, m.Loaded())

	m.Apply([]contract.Message{msg("m2", 2, "b"), msg("m1", 1, "a"), msg("m1", 1, "a")})
	assert.True(t, m.Loaded())
	assert.Equal(t, []string{"m2", "m1"}, ids(m.List()))

	// A later snapshot replaces the list instead of merging into it.
	m.Apply([]contract.Message{msg("m3", 3, "c"), msg("m2", 2, "b")})
	assert.Equal(t, []string{"m3", "m2"}, ids(m.List()))
}

func TestMessagesFailRetainsLastGood(t *testing.T) {
	m := NewMessages()
	m.Apply([]contract.Message{msg("m1", 1, "a")})

	feedErr := errors.New("permission denied")
	m.Fail(feedErr)
	assert.ErrorIs(t, m.Err(), feedErr)
	assert.Equal(t, []string{"m1"}, ids(m.List()))

	m.Apply([]contract.Message{msg("m2", 2, "b"), msg("m1", 1, "a")})
	assert.NoError(t, m.Err())
}

func TestMessagesEcho(t *testing.T) {
	t.Run("snapshot before acknowledgement replaces echo", func(t *testing.T) {
		m := NewMessages()
		m.Apply([]contract.Message{msg("m1", 1, "a")})
		require.True(t, m.Echo(msg("m2", 2, "hi")))

		list := m.List()
		require.Len(t, list, 2)
		assert.Equal(t, "m2", list[0].ID)
		assert.Equal(t, Pending, list[0].State)

		m.Apply([]contract.Message{msg("m2", 2, "hi"), msg("m1", 1, "a")})
		list = m.List()
		assert.Equal(t, []string{"m2", "m1"}, ids(list))
		assert.Equal(t, Confirmed, list[0].State)
		_, local := m.Local("m2")
		assert.False(t, local)
	})

	t.Run("echo of a confirmed message is refused", func(t *testing.T) {
		m := NewMessages()
		m.Apply([]contract.Message{msg("m1", 1, "a")})
		assert.False(t, m.Echo(msg("m1", 1, "a")))
		assert.Len(t, m.List(), 1)
	})

	t.Run("double echo is refused", func(t *testing.T) {
		m := NewMessages()
		require.True(t, m.Echo(msg("m1", 1, "a")))
		assert.False(t, m.Echo(msg("m1", 1, "a")))
		assert.True(t, m.Has("m1"))
	})

	t.Run("failed echo can be retried", func(t *testing.T) {
		m := NewMessages()
		require.True(t, m.Echo(msg("m1", 1, "a")))
		m.MarkFailed("m1")

		assert.False(t, m.Has("m1"))
		require.Len(t, m.Failed(), 1)
		list := m.List()
		require.Len(t, list, 1)
		assert.Equal(t, Failed, list[0].State)

		require.True(t, m.Echo(msg("m1", 1, "a")))
		assert.Empty(t, m.Failed())
		assert.True(t, m.Has("m1"))
	})

	t.Run("dropped echo disappears", func(t *testing.T) {
		m := NewMessages()
		require.True(t, m.Echo(msg("m1", 1, "a")))
		m.MarkFailed("m1")
		m.Drop("m1")
		assert.Empty(t, m.List())
	})
}

func room(id string, updated time.Time, unread map[string]int, last *contract.LastMessage) contract.ChatRoom {
	peer := id[len("u1_"):]
	return contract.ChatRoom{
		ID:           id,
		Participants: []string{"u1", peer},
		ParticipantData: map[string]contract.ParticipantData{
			"u1": {DisplayName: "Ann"},
			peer: {DisplayName: "Peer " + peer},
		},
		UnreadCount: unread,
		UpdatedAt:   updated,
		LastMessage: last,
	}
}

func TestInboxOrdering(t *testing.T) {
	in := NewInbox("u1")
	in.Apply([]contract.ChatRoom{
		room("u1_u2", t0.Add(time.Minute), nil, nil),
		room("u1_u3", t0.Add(3*time.Minute), nil, nil),
		room("u1_u4", time.Time{}, nil, nil),
		room("u1_u5", t0.Add(2*time.Minute), nil, nil),
	})

	var order []string
	for _, e := range in.Entries() {
		order = append(order, e.Room.ID)
	}
	assert.Equal(t, []string{"u1_u4", "u1_u3", "u1_u5", "u1_u2"}, order)

	entries := in.Entries()
	for i := 2; i < len(entries); i++ {
		assert.False(t, entries[i].Room.UpdatedAt.After(entries[i-1].Room.UpdatedAt))
	}
}

func TestInboxEntries(t *testing.T) {
	in := NewInbox("u1")
	in.Apply([]contract.ChatRoom{
		room("u1_u2", t0, map[string]int{"u1": 2, "u2": 0}, &contract.LastMessage{Text: "**hi** there"}),
		room("u1_u3", t0.Add(-time.Minute), map[string]int{"u1": 1}, nil),
	})

	e, ok := in.Entry("u1_u2")
	require.True(t, ok)
	assert.Equal(t, Peer{UID: "u2", DisplayName: "Peer u2"}, e.Peer)
	assert.Equal(t, 2, e.Unread)
	assert.Equal(t, "hi there", e.Preview)

	e, ok = in.Entry("u1_u3")
	require.True(t, ok)
	assert.Equal(t, EmptyRoomText, e.Preview)
	assert.Equal(t, 3, in.TotalUnread())
}

func TestOtherParticipantFallback(t *testing.T) {
	tests := []struct {
		name     string
		room     contract.ChatRoom
		expected Peer
	}{
		{
			name:     "missing participant data",
			room:     contract.ChatRoom{Participants: []string{"u1", "u2"}},
			expected: Peer{UID: UnknownPeerID, DisplayName: UnknownPeerName},
		},
		{
			name:     "no other participant",
			room:     contract.ChatRoom{Participants: []string{"u1"}},
			expected: Peer{UID: UnknownPeerID, DisplayName: UnknownPeerName},
		},
		{
			name: "present",
			room: contract.ChatRoom{
				Participants:    []string{"u0", "u1"},
				ParticipantData: map[string]contract.ParticipantData{"u0": {DisplayName: "Zed", AvatarURL: "a.png"}},
			},
			expected: Peer{UID: "u0", DisplayName: "Zed", AvatarURL: "a.png"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, OtherParticipant(test.room, "u1"))
		})
	}
}

func TestInboxFail(t *testing.T) {
	in := NewInbox("u1")
	in.Apply([]contract.ChatRoom{room("u1_u2", t0, nil, nil)})
	in.Fail(errors.New("unavailable"))
	assert.Error(t, in.Err())
	assert.Len(t, in.Entries(), 1)
}
