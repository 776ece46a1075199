// Package wire defines the JSON event envelope and payloads exchanged
// between client transport and delivery server.
package wire

import "encoding/json"

// Event names, client to server.
const (
	EventAuthenticate = "authenticate"
	EventSendMessage  = "send_message"
	EventMarkAsRead   = "mark_as_read"
	EventUpdateStatus = "update_status"
	EventTyping       = "typing"
	EventSendLike     = "send_like"
)

// Event names, server to client.
const (
	EventAuthenticated     = "authenticated"
	EventAuthError         = "auth_error"
	EventNewMessage        = "new_message"
	EventMessageSent       = "message_sent"
	EventMessageError      = "message_error"
	EventMessageRead       = "message_read"
	EventUserOnline        = "user_online"
	EventUserOffline       = "user_offline"
	EventUserStatusChanged = "user_status_changed"
	EventUserTyping        = "user_typing"
	EventStatusUpdated     = "status_updated"
	EventReceivedLike      = "received_like"
	EventLikeSent          = "like_sent"
)

// Envelope is the frame format for every event in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope.
func NewEnvelope(event string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Payload: raw}, nil
}

// Authenticate is the first frame a client sends after dialing.
type Authenticate struct {
	Token string `json:"token"`
}

// Authenticated confirms a successful handshake.
type Authenticated struct {
	Identity string `json:"identity"`
}

// AuthError reports a rejected handshake. The server closes the connection
// right after sending it; clients must not retry with the same token.
type AuthError struct {
	Message string `json:"message"`
}

// SendMessage asks the server to persist and deliver a message. TempID is
// client-assigned and echoed back in MessageSent for correlation.
type SendMessage struct {
	TempID     string `json:"tempId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	Kind       string `json:"kind"`
	FileInfo   string `json:"fileInfo,omitempty"`
}

// NewMessage fans out to the receiver's room.
type NewMessage struct {
	MessageID  string `json:"messageId"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	Kind       string `json:"kind"`
	CreatedAt  int64  `json:"createdAt"`
}

// MessageSent echoes a persisted message to the sender's own room so every
// session of the sender can reconcile its optimistic record.
type MessageSent struct {
	MessageID  string `json:"messageId"`
	TempID     string `json:"tempId"`
	ReceiverID string `json:"receiverId"`
	CreatedAt  int64  `json:"createdAt"`
}

// MessageError reports a failed persistence back to the emitting connection.
type MessageError struct {
	TempID  string `json:"tempId"`
	Message string `json:"message"`
}

// MarkAsRead marks messages from SenderID as read. Empty MessageIDs means
// everything unread in the conversation.
type MarkAsRead struct {
	SenderID   string   `json:"senderId"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

// MessageRead notifies the original sender that messages were read.
type MessageRead struct {
	MessageIDs []string `json:"messageIds"`
	ReadBy     string   `json:"readBy"`
	ReadAt     int64    `json:"readAt"`
}

// UserOnline is broadcast to an identity's contacts when it comes online.
type UserOnline struct {
	Identity   string `json:"identity"`
	Status     string `json:"status"`
	StatusText string `json:"statusText"`
	Timestamp  int64  `json:"timestamp"`
}

// UserOffline is broadcast with the last-seen timestamp on disconnect.
type UserOffline struct {
	Identity string `json:"identity"`
	LastSeen int64  `json:"lastSeen"`
}

// UpdateStatus changes the sender's presence status.
type UpdateStatus struct {
	Status     string `json:"status"`
	StatusText string `json:"statusText"`
}

// UserStatusChanged is broadcast to contacts after UpdateStatus.
type UserStatusChanged struct {
	Identity   string `json:"identity"`
	Status     string `json:"status"`
	StatusText string `json:"statusText"`
}

// StatusUpdated acknowledges an UpdateStatus back to the emitting connection.
type StatusUpdated struct {
	Status     string `json:"status"`
	StatusText string `json:"statusText"`
}

// SendLike sends a like to another identity.
type SendLike struct {
	TargetID string `json:"targetId"`
}

// ReceivedLike notifies an identity that someone liked them.
type ReceivedLike struct {
	FromID    string `json:"fromId"`
	Timestamp int64  `json:"timestamp"`
}

// LikeSent acknowledges a SendLike back to the emitting connection.
type LikeSent struct {
	TargetID string `json:"targetId"`
}

// Typing is a passthrough typing indicator.
type Typing struct {
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// UserTyping is the receiver-side form of Typing.
type UserTyping struct {
	Identity string `json:"identity"`
	IsTyping bool   `json:"isTyping"`
}
