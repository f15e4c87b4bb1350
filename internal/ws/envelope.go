package ws

import (
	"encoding/json"

	"github.com/helpinghands/assist-chat/internal/models"
)

// Inbound events.
const (
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventSendMessage       = "send-message"
	EventTyping            = "typing"
	EventMarkRead          = "mark-read"
)

// Outbound events.
const (
	EventConnected    = "connected"
	EventNewMessage   = "new-message"
	EventUserTyping   = "user-typing"
	EventMessagesRead = "messages-read"
	EventError        = "error"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type roomPayload struct {
	RequestID string `json:"requestId"`
}

type sendMessagePayload struct {
	ReceiverID     string      `json:"receiverId"`
	RequestID      string      `json:"requestId"`
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	SenderRole     models.Role `json:"senderRole"`
	ReceiverRole   models.Role `json:"receiverRole"`
}

type typingPayload struct {
	RequestID string `json:"requestId"`
	IsTyping  bool   `json:"isTyping"`
}

type markReadPayload struct {
	ConversationID string `json:"conversationId"`
}

type userTyping struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type messagesRead struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
	Count          int64  `json:"count"`
}

type connected struct {
	ConnectionID string      `json:"connectionId"`
	UserID       string      `json:"userId"`
	Role         models.Role `json:"role"`
}

type errorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
