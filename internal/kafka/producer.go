package kafka

import (
	"context"
	"encoding/json"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/helpinghands/assist-chat/internal/models"
)

const (
	EventMessageSent      = "message.sent"
	EventConversationRead = "conversation.read"
)

// ChatEvent is the value written to the chat events topic.
type ChatEvent struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	RequestID      string          `json:"request_id,omitempty"`
	Message        *models.Message `json:"message,omitempty"`
	ReaderID       string          `json:"reader_id,omitempty"`
	Count          int64           `json:"count,omitempty"`
	At             time.Time       `json:"at"`
}

type Producer struct {
	writer *kafkago.Writer
	topic  string
}

const producerBatchTimeout = 10 * time.Millisecond

// NewProducer returns an async writer; delivery failures are logged from the
// writer's completion callback.
func NewProducer(brokers []string, topic string, log *zap.SugaredLogger) *Producer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: producerBatchTimeout,
		Async:        true,
		Completion: func(msgs []kafkago.Message, err error) {
			if err != nil {
				log.Warnw("kafka delivery failed", "topic", topic, "messages", len(msgs), "err", err)
			}
		},
	}
	return &Producer{writer: w, topic: topic}
}

// Publish keys by conversation id so one conversation's events stay ordered in a partition.
func (p *Producer) Publish(ctx context.Context, ev ChatEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(ev.ConversationID),
		Value: b,
		Time:  ev.At,
	})
}

func (p *Producer) PublishMessageSent(ctx context.Context, m *models.Message) error {
	return p.Publish(ctx, ChatEvent{
		Type:           EventMessageSent,
		ConversationID: m.ConversationID,
		RequestID:      m.RequestID,
		Message:        m,
		At:             time.Now().UTC(),
	})
}

func (p *Producer) PublishConversationRead(ctx context.Context, conversationID, readerID string, count int64) error {
	return p.Publish(ctx, ChatEvent{
		Type:           EventConversationRead,
		ConversationID: conversationID,
		ReaderID:       readerID,
		Count:          count,
		At:             time.Now().UTC(),
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
