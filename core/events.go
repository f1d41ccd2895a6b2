package core

import "time"

// EventType names a frame on the real-time surface.
type EventType string

// Inbound events.
const (
	EventJoinRoom    EventType = "join-room"
	EventSendMessage EventType = "send-message"
	EventTyping      EventType = "typing"
	EventStopTyping  EventType = "stop-typing"
	// EventDisconnect is synthesized by the transport when a connection closes.
	EventDisconnect EventType = "disconnect"
)

// Outbound events.
const (
	EventPreviousMessages   EventType = "previous-messages"
	EventUserJoined         EventType = "user-joined"
	EventJoinedSuccessfully EventType = "joined-successfully"
	EventError              EventType = "error"
	EventNewMessage         EventType = "new-message"
	EventFileShared         EventType = "file-shared"
	EventUserTyping         EventType = "user-typing"
	EventUserStopTyping     EventType = "user-stop-typing"
	EventUserLeft           EventType = "user-left"
)

const (
	userJoinedMessage = "Someone joined the chat"
	userLeftMessage   = "Someone left the chat"
	// fileShareSender is the sender reported on file-shared events.
	// Uploads arrive over HTTP and carry no connection handle.
	fileShareSender = "anonymous"
)

// JoinRoomPayload is the payload of join-room: the bare room id.
type JoinRoomPayload string

// SendMessagePayload is the payload of send-message.
// A nil Message means the client sent no content.
type SendMessagePayload struct {
	Message *string `json:"message"`
}

// UserCountPayload is the payload of user-joined and user-left.
type UserCountPayload struct {
	Message   string `json:"message"`
	UserCount int    `json:"userCount"`
}

// JoinedPayload is the payload of joined-successfully.
type JoinedPayload struct {
	RoomID    string `json:"roomId"`
	UserCount int    `json:"userCount"`
}

// FileSharedPayload is the payload of file-shared.
type FileSharedPayload struct {
	Type        MessageKind `json:"type"`
	FileName    string      `json:"fileName"`
	FileSize    int64       `json:"fileSize"`
	DownloadURL string      `json:"downloadUrl"`
	Timestamp   time.Time   `json:"timestamp"`
	Sender      string      `json:"sender"`
}
