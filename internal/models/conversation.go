package models

import "time"

type Conversation struct {
	ID              string        `bson:"_id" json:"id"`
	Participants    []Participant `bson:"participants" json:"participants"`
	RequestID       string        `bson:"request_id" json:"requestId"`
	LastMessage     string        `bson:"last_message,omitempty" json:"lastMessage,omitempty"`
	LastMessageTime *time.Time    `bson:"last_message_time,omitempty" json:"lastMessageTime,omitempty"`
	CreatedAt       time.Time     `bson:"created_at" json:"createdAt"`
	UpdatedAt       time.Time     `bson:"updated_at" json:"updatedAt"`
}

func (c *Conversation) HasParticipant(p Participant) bool {
	for _, x := range c.Participants {
		if x.Equal(p) {
			return true
		}
	}
	return false
}

// HasParticipantID matches on id alone, for callers that only know the identity.
func (c *Conversation) HasParticipantID(id string) bool {
	for _, x := range c.Participants {
		if x.ID == id {
			return true
		}
	}
	return false
}

// ConversationSummary pairs a conversation with the caller's unread count.
type ConversationSummary struct {
	*Conversation
	Unread int64 `json:"unread"`
}
