package contract

import "time"

const (
	UsersCollection    = "users"
	ChatsCollection    = "chats"
	MessagesCollection = "messages"

	SystemUserID   = "system"
	SystemUserName = "System"
)

// User is stored at users/{uid}.
type User struct {
	UID         string    `firestore:"uid" json:"uid"`
	PhoneNumber string    `firestore:"phoneNumber" json:"phoneNumber"`
	DisplayName string    `firestore:"displayName" json:"displayName"`
	About       string    `firestore:"about,omitempty" json:"about,omitempty"`
	AvatarURL   string    `firestore:"avatarUrl,omitempty" json:"avatarUrl,omitempty"`
	PushToken   string    `firestore:"pushToken,omitempty" json:"-"`
	IsOnline    bool      `firestore:"isOnline" json:"isOnline"`
	LastSeen    time.Time `firestore:"lastSeen,omitempty" json:"lastSeen,omitempty"`
	CreatedAt   time.Time `firestore:"createdAt,serverTimestamp" json:"createdAt"`
}

// ParticipantData is a snapshot of a participant taken when the room was created.
// It is not kept in sync with the live User document.
type ParticipantData struct {
	DisplayName string `firestore:"displayName" json:"displayName"`
	AvatarURL   string `firestore:"avatarUrl,omitempty" json:"avatarUrl,omitempty"`
}

type MessageUser struct {
	ID     string `firestore:"_id" json:"_id"`
	Name   string `firestore:"name" json:"name"`
	Avatar string `firestore:"avatar,omitempty" json:"avatar,omitempty"`
}

// LastMessage is the inbox preview summary denormalized onto the room.
type LastMessage struct {
	Text      string      `firestore:"text" json:"text"`
	CreatedAt time.Time   `firestore:"createdAt" json:"createdAt"`
	User      MessageUser `firestore:"user" json:"user"`
}

// ChatRoom is stored at chats/{roomID}.
type ChatRoom struct {
	ID              string                     `firestore:"id" json:"id"`
	Participants    []string                   `firestore:"participants" json:"participants"`
	ParticipantData map[string]ParticipantData `firestore:"participantData" json:"participantData"`
	LastMessage     *LastMessage               `firestore:"lastMessage,omitempty" json:"lastMessage,omitempty"`
	UnreadCount     map[string]int             `firestore:"unreadCount" json:"unreadCount"`
	UpdatedAt       time.Time                  `firestore:"updatedAt,serverTimestamp" json:"updatedAt"`
}

// Message is stored at chats/{roomID}/messages/{messageID}. The document ID
// is the client-assigned message ID, so writing the same message twice
// leaves a single document.
type Message struct {
	ID        string      `firestore:"_id" json:"_id"`
	Text      string      `firestore:"text" json:"text"`
	CreatedAt time.Time   `firestore:"createdAt" json:"createdAt"`
	User      MessageUser `firestore:"user" json:"user"`
	Sent      bool        `firestore:"sent,omitempty" json:"sent,omitempty"`
	Received  bool        `firestore:"received,omitempty" json:"received,omitempty"`
	Read      bool        `firestore:"read,omitempty" json:"read,omitempty"`
}

func UserPath(uid string) string {
	return UsersCollection + "/" + uid
}

func RoomPath(roomID string) string {
	return ChatsCollection + "/" + roomID
}

func MessagesPath(roomID string) string {
	return RoomPath(roomID) + "/" + MessagesCollection
}

func MessagePath(roomID, messageID string) string {
	return MessagesPath(roomID) + "/" + messageID
}
