package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// RequestAssigned is published by the request service when a volunteer is
// assigned to an approved request.
type RequestAssigned struct {
	RequestID   string `json:"requestId"`
	RequesterID string `json:"requesterId"`
	VolunteerID string `json:"volunteerId"`
}

// AssignmentHandler reacts to one assignment event. Returned errors are logged
// and the offset is still committed.
type AssignmentHandler func(ctx context.Context, ev RequestAssigned) error

type Consumer struct {
	reader *kafkago.Reader
	log    *zap.SugaredLogger
}

func NewConsumer(brokers []string, topic, groupID string, log *zap.SugaredLogger) *Consumer {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
	return &Consumer{reader: r, log: log}
}

// Run reads until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle AssignmentHandler) {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			c.log.Errorw("kafka read", "err", err)
			time.Sleep(time.Second)
			continue
		}
		var ev RequestAssigned
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.RequestID == "" {
			c.log.Warnw("skip malformed assignment event", "offset", m.Offset, "err", err)
			continue
		}
		if err := handle(ctx, ev); err != nil {
			c.log.Warnw("assignment event", "request_id", ev.RequestID, "err", err)
		}
	}
}

func (c *Consumer) Close() error { return c.reader.Close() }
