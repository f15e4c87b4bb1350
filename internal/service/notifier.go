package service

import (
	"context"

	"github.com/helpinghands/assist-chat/internal/models"
)

// Notifier receives chat lifecycle events after they are persisted.
// Errors are logged by the caller and never fail the operation.
type Notifier interface {
	MessageSent(ctx context.Context, m *models.Message) error
	ConversationRead(ctx context.Context, conversationID, readerID string, count int64) error
	ConversationCreated(ctx context.Context, c *models.Conversation) error
}

type nopNotifier struct{}

func (nopNotifier) MessageSent(context.Context, *models.Message) error { return nil }

func (nopNotifier) ConversationRead(context.Context, string, string, int64) error { return nil }

func (nopNotifier) ConversationCreated(context.Context, *models.Conversation) error { return nil }
