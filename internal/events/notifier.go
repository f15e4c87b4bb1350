package events

import (
	"context"
	"errors"

	"github.com/helpinghands/assist-chat/internal/kafka"
	"github.com/helpinghands/assist-chat/internal/models"
)

// Notifier fans chat lifecycle events out to Kafka and NATS. Either side may
// be nil when its broker is not configured.
type Notifier struct {
	kafka *kafka.Producer
	nats  *Publisher
}

func NewNotifier(kp *kafka.Producer, np *Publisher) *Notifier {
	return &Notifier{kafka: kp, nats: np}
}

func (n *Notifier) MessageSent(ctx context.Context, m *models.Message) error {
	if n.kafka == nil {
		return nil
	}
	return n.kafka.PublishMessageSent(ctx, m)
}

func (n *Notifier) ConversationRead(ctx context.Context, conversationID, readerID string, count int64) error {
	if n.kafka == nil {
		return nil
	}
	return n.kafka.PublishConversationRead(ctx, conversationID, readerID, count)
}

func (n *Notifier) ConversationCreated(ctx context.Context, c *models.Conversation) error {
	var errs []error
	if n.nats != nil {
		errs = append(errs, n.nats.PublishConversationCreated(c))
	}
	if n.kafka != nil {
		errs = append(errs, n.kafka.Publish(ctx, kafka.ChatEvent{
			Type:           SubjectConversationCreated,
			ConversationID: c.ID,
			RequestID:      c.RequestID,
			At:             c.CreatedAt,
		}))
	}
	return errors.Join(errs...)
}
