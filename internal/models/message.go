package models

import "time"

type Message struct {
	ID             string     `bson:"_id" json:"id"`
	Sender         string     `bson:"sender" json:"sender"`
	SenderRole     Role       `bson:"sender_role" json:"senderRole"`
	Receiver       string     `bson:"receiver" json:"receiver"`
	ReceiverRole   Role       `bson:"receiver_role" json:"receiverRole"`
	Content        string     `bson:"content" json:"content"`
	Read           bool       `bson:"read" json:"read"`
	ReadAt         *time.Time `bson:"read_at,omitempty" json:"readAt,omitempty"`
	RequestID      string     `bson:"request_id" json:"requestId"`
	ConversationID string     `bson:"conversation_id,omitempty" json:"conversationId,omitempty"`
	CreatedAt      time.Time  `bson:"created_at" json:"createdAt"`
}

// Before orders messages by (CreatedAt, ID).
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}
