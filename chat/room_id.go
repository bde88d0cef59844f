package chat

import (
	"errors"
	"strings"
)

const roomIDSeparator = "_"

var (
	ErrEmptyID  = errors.New("participant id is empty")
	ErrSelfChat = errors.New("cannot chat with yourself")
)

// RoomID returns the canonical room identifier for two participants: the
// lexicographically smaller id, the separator, then the larger one. It is
// commutative. Callers reject a == b with ValidatePair first.
func RoomID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + roomIDSeparator + b
}

// ValidatePair is the caller-side guard for RoomID.
func ValidatePair(a, b string) error {
	if a == "" || b == "" {
		return ErrEmptyID
	}
	if a == b {
		return ErrSelfChat
	}
	return nil
}

// PeerFromRoomID returns the participant of roomID that is not self. It only
// works for ids without the separator, which holds for provider-assigned
// user ids; callers prefer the room's participants list when they have it.
func PeerFromRoomID(roomID, self string) (string, bool) {
	a, b, ok := strings.Cut(roomID, roomIDSeparator)
	if !ok {
		return "", false
	}
	switch self {
	case a:
		return b, b != ""
	case b:
		return a, a != ""
	}
	return "", false
}
