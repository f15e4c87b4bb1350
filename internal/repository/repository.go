package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/helpinghands/assist-chat/internal/models"
)

type MessageStore interface {
	InsertMessage(ctx context.Context, m *models.Message) (*models.Message, error)
	ListByConversation(ctx context.Context, conversationID string) ([]*models.Message, error)
	MarkReadForReceiver(ctx context.Context, conversationID, receiverID string, at time.Time) (int64, error)
	CountUnread(ctx context.Context, conversationID, receiverID string) (int64, error)
}

type ConversationStore interface {
	// FindOrCreateByRequest returns the single conversation for c.RequestID,
	// inserting c when none exists. created reports whether this call inserted it.
	FindOrCreateByRequest(ctx context.Context, c *models.Conversation) (conv *models.Conversation, created bool, err error)
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	GetByRequest(ctx context.Context, requestID string) (*models.Conversation, error)
	UpdateLastMessage(ctx context.Context, id, content string, at time.Time) error
	ListForParticipant(ctx context.Context, participantID string) ([]*models.Conversation, error)
}

// NewID returns a hex ObjectID; ids generated by one process sort in creation order.
func NewID() string {
	return primitive.NewObjectID().Hex()
}
