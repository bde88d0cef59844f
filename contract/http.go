package contract

type ConnectRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type ConnectResponse struct {
	RoomID        string `json:"room_id"`
	OtherUserID   string `json:"other_user_id"`
	OtherUserName string `json:"other_user_name"`
}

type SendRequest struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

type SendResponse struct {
	MessageID string `json:"message_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}
