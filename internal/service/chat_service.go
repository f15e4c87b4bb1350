package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/helpinghands/assist-chat/internal/chaterr"
	"github.com/helpinghands/assist-chat/internal/keylock"
	"github.com/helpinghands/assist-chat/internal/models"
	"github.com/helpinghands/assist-chat/internal/repository"
	"github.com/helpinghands/assist-chat/internal/requests"
)

const DefaultMaxContentLength = 4000

type ChatService struct {
	messages    repository.MessageStore
	convs       repository.ConversationStore
	assignments requests.Source
	notifier    Notifier
	events      *dispatcher
	log         *zap.SugaredLogger

	requestLocks *keylock.Locker
	maxContent   int
}

func NewChatService(msgs repository.MessageStore, convs repository.ConversationStore, src requests.Source, n Notifier, maxContent int, log *zap.SugaredLogger) *ChatService {
	if n == nil {
		n = nopNotifier{}
	}
	if maxContent <= 0 {
		maxContent = DefaultMaxContentLength
	}
	return &ChatService{
		messages:     msgs,
		convs:        convs,
		assignments:  src,
		notifier:     n,
		events:       newDispatcher(log),
		log:          log,
		requestLocks: keylock.New(),
		maxContent:   maxContent,
	}
}

// GetOrCreateConversation returns the conversation for requestID, creating it
// when the request is approved and {a, b} is its requester/volunteer pair.
func (s *ChatService) GetOrCreateConversation(ctx context.Context, requestID string, a, b models.Participant) (*models.Conversation, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, chaterr.Validation("requestId is required")
	}
	// an existing conversation outlives its request's approval
	existing, err := s.convs.GetByRequest(ctx, requestID)
	switch {
	case err == nil:
		if len(existing.Participants) != 2 || !models.SamePair(a, b, existing.Participants[0], existing.Participants[1]) {
			return nil, chaterr.ErrInvalidParticipant
		}
		return existing, nil
	case !errors.Is(err, chaterr.ErrNotFound):
		return nil, err
	}

	assignment, err := s.assignments.GetApprovedAssignment(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("assignment %s: %w", requestID, err)
	}
	if !models.SamePair(a, b, assignment.Requester, assignment.Volunteer) {
		return nil, chaterr.ErrInvalidParticipant
	}

	unlock := s.requestLocks.Lock(requestID)
	defer unlock()

	conv, created, err := s.convs.FindOrCreateByRequest(ctx, &models.Conversation{
		RequestID:    requestID,
		Participants: []models.Participant{assignment.Requester, assignment.Volunteer},
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Infow("conversation created", "conversation_id", conv.ID, "request_id", requestID)
		s.events.submit(ctx, "conversation.created", func(ctx context.Context) error {
			return s.notifier.ConversationCreated(ctx, conv)
		})
	}
	return conv, nil
}

// AuthorizeRequestRoom reports whether p may follow live activity for
// requestID: a participant of its conversation or, before one exists, a
// member of the approved assignment.
func (s *ChatService) AuthorizeRequestRoom(ctx context.Context, requestID string, p models.Participant) error {
	conv, err := s.convs.GetByRequest(ctx, requestID)
	if err == nil {
		if !conv.HasParticipant(p) {
			return chaterr.ErrNotAParticipant
		}
		return nil
	}
	if !errors.Is(err, chaterr.ErrNotFound) {
		return err
	}
	a, err := s.assignments.GetApprovedAssignment(ctx, requestID)
	if err != nil {
		return err
	}
	if !a.Requester.Equal(p) && !a.Volunteer.Equal(p) {
		return chaterr.ErrNotAParticipant
	}
	return nil
}

// Close waits for pending lifecycle events to reach the Notifier.
func (s *ChatService) Close() {
	s.events.close()
}

func (s *ChatService) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return s.convs.GetByID(ctx, id)
}

// ListMessages returns the full history in (createdAt, id) order.
func (s *ChatService) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	return s.messages.ListByConversation(ctx, conversationID)
}

// ListMessagesFor is ListMessages restricted to participants.
func (s *ChatService) ListMessagesFor(ctx context.Context, conversationID, viewerID string) ([]*models.Message, error) {
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipantID(viewerID) {
		return nil, chaterr.ErrNotAParticipant
	}
	return s.messages.ListByConversation(ctx, conversationID)
}

type AppendInput struct {
	SenderID       string
	SenderRole     models.Role
	ReceiverID     string
	ReceiverRole   models.Role
	Content        string
	ConversationID string
}

func (s *ChatService) validate(in AppendInput) error {
	if strings.TrimSpace(in.Content) == "" {
		return chaterr.Validation("message content is empty")
	}
	if utf8.RuneCountInString(in.Content) > s.maxContent {
		return chaterr.Validation("message content exceeds %d characters", s.maxContent)
	}
	if !in.SenderRole.Valid() || !in.ReceiverRole.Valid() {
		return chaterr.Validation("role must be user or volunteer")
	}
	if in.SenderID == "" || in.ReceiverID == "" {
		return chaterr.Validation("sender and receiver are required")
	}
	if in.SenderID == in.ReceiverID && in.SenderRole == in.ReceiverRole {
		return chaterr.Validation("cannot send a message to yourself")
	}
	if in.ConversationID == "" {
		return chaterr.Validation("conversationId is required")
	}
	return nil
}

// AppendMessage persists a message between the two participants of a
// conversation. The lastMessage preview update is best-effort.
func (s *ChatService) AppendMessage(ctx context.Context, in AppendInput) (*models.Message, error) {
	if err := s.validate(in); err != nil {
		return nil, err
	}
	conv, err := s.convs.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	sender := models.Participant{ID: in.SenderID, Role: in.SenderRole}
	receiver := models.Participant{ID: in.ReceiverID, Role: in.ReceiverRole}
	if !conv.HasParticipant(sender) || !conv.HasParticipant(receiver) {
		return nil, chaterr.ErrNotAParticipant
	}

	msg, err := s.messages.InsertMessage(ctx, &models.Message{
		Sender:         in.SenderID,
		SenderRole:     in.SenderRole,
		Receiver:       in.ReceiverID,
		ReceiverRole:   in.ReceiverRole,
		Content:        in.Content,
		RequestID:      conv.RequestID,
		ConversationID: conv.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	if err := s.convs.UpdateLastMessage(ctx, conv.ID, msg.Content, msg.CreatedAt); err != nil {
		s.log.Errorw("update last message", "conversation_id", conv.ID, "err", err)
	}
	s.events.submit(ctx, "message.sent", func(ctx context.Context) error {
		return s.notifier.MessageSent(ctx, msg)
	})
	return msg, nil
}

// MarkConversationRead marks every message addressed to readerID as read.
func (s *ChatService) MarkConversationRead(ctx context.Context, conversationID, readerID string) error {
	_, err := s.MarkConversationReadCount(ctx, conversationID, readerID)
	return err
}

func (s *ChatService) MarkConversationReadCount(ctx context.Context, conversationID, readerID string) (int64, error) {
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipantID(readerID) {
		return 0, chaterr.ErrNotAParticipant
	}
	n, err := s.messages.MarkReadForReceiver(ctx, conversationID, readerID, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.events.submit(ctx, "conversation.read", func(ctx context.Context) error {
			return s.notifier.ConversationRead(ctx, conversationID, readerID, n)
		})
	}
	return n, nil
}

// ListConversations returns participantID's conversations, most recent first,
// with their unread counts.
func (s *ChatService) ListConversations(ctx context.Context, participantID string) ([]models.ConversationSummary, error) {
	convs, err := s.convs.ListForParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	out := make([]models.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		n, err := s.messages.CountUnread(ctx, c.ID, participantID)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ConversationSummary{Conversation: c, Unread: n})
	}
	return out, nil
}
