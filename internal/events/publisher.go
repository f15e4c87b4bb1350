package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/helpinghands/assist-chat/internal/models"
)

const SubjectConversationCreated = "conversation.created"

type ConversationCreatedEvent struct {
	ConversationID string               `json:"conversation_id"`
	RequestID      string               `json:"request_id"`
	Participants   []models.Participant `json:"participants"`
	CreatedAt      time.Time            `json:"created_at"`
}

type Publisher struct{ nc *nats.Conn }

func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("assist-chat"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc}, nil
}

func (p *Publisher) PublishConversationCreated(c *models.Conversation) error {
	if p == nil || p.nc == nil {
		return nil
	}
	b, err := json.Marshal(ConversationCreatedEvent{
		ConversationID: c.ID,
		RequestID:      c.RequestID,
		Participants:   c.Participants,
		CreatedAt:      c.CreatedAt,
	})
	if err != nil {
		return err
	}
	return p.nc.Publish(SubjectConversationCreated, b)
}

func (p *Publisher) Close() {
	if p != nil && p.nc != nil {
		_ = p.nc.Drain()
	}
}
