package stream

import (
	"slices"

	"github.com/klipach/ultcom/contract"
	"github.com/klipach/ultcom/filter"
)

const (
	UnknownPeerID   = "unknown"
	UnknownPeerName = "Unknown User"
	EmptyRoomText   = "Start a conversation"
)

// Peer is the other participant of a room as denormalized on the room.
type Peer struct {
	UID         string
	DisplayName string
	AvatarURL   string
}

type Entry struct {
	Room    contract.ChatRoom
	Peer    Peer
	Unread  int
	Preview string
}

// Inbox holds the room list of one user, most recently updated first.
type Inbox struct {
	self    string
	entries []Entry
	loaded  bool
	err     error
}

func NewInbox(self string) *Inbox {
	return &Inbox{self: self}
}

// Apply takes a full snapshot of the user's rooms. Rooms whose updatedAt is
// still pending a server timestamp sort first.
func (in *Inbox) Apply(rooms []contract.ChatRoom) {
	entries := make([]Entry, 0, len(rooms))
	seen := make(map[string]struct{}, len(rooms))
	for _, room := range rooms {
		if _, dup := seen[room.ID]; dup {
			continue
		}
		seen[room.ID] = struct{}{}
		entries = append(entries, Entry{
			Room:    room,
			Peer:    OtherParticipant(room, in.self),
			Unread:  room.UnreadCount[in.self],
			Preview: Preview(room),
		})
	}
	slices.SortStableFunc(entries, func(a, b Entry) int {
		at, bt := a.Room.UpdatedAt, b.Room.UpdatedAt
		switch {
		case at.IsZero() && bt.IsZero():
			return 0
		case at.IsZero():
			return -1
		case bt.IsZero():
			return 1
		}
		return bt.Compare(at)
	})
	in.entries = entries
	in.loaded = true
	in.err = nil
}

func (in *Inbox) Fail(err error) {
	in.err = err
}

// OtherParticipant picks the participant that is not self. Missing
// denormalized data yields a placeholder peer instead of an error.
func OtherParticipant(room contract.ChatRoom, self string) Peer {
	for _, uid := range room.Participants {
		if uid == self {
			continue
		}
		data, ok := room.ParticipantData[uid]
		if !ok {
			break
		}
		return Peer{UID: uid, DisplayName: data.DisplayName, AvatarURL: data.AvatarURL}
	}
	return Peer{UID: UnknownPeerID, DisplayName: UnknownPeerName}
}

func Preview(room contract.ChatRoom) string {
	if room.LastMessage == nil || room.LastMessage.Text == "" {
		return EmptyRoomText
	}
	return filter.Preview(room.LastMessage.Text)
}

func (in *Inbox) Entries() []Entry {
	return slices.Clone(in.entries)
}

func (in *Inbox) Entry(roomID string) (Entry, bool) {
	for _, e := range in.entries {
		if e.Room.ID == roomID {
			return e, true
		}
	}
	return Entry{}, false
}

// TotalUnread is the badge count across all rooms.
func (in *Inbox) TotalUnread() int {
	total := 0
	for _, e := range in.entries {
		total += e.Unread
	}
	return total
}

func (in *Inbox) Err() error {
	return in.err
}

func (in *Inbox) Loaded() bool {
	return in.loaded
}
