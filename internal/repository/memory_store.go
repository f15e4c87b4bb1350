package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/helpinghands/assist-chat/internal/chaterr"
	"github.com/helpinghands/assist-chat/internal/models"
)

// MemoryStore implements MessageStore and ConversationStore in process.
// Used for local runs without Mongo and in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	messages  map[string][]*models.Message // conversationID -> msgs
	convs     map[string]*models.Conversation
	byRequest map[string]string // requestID -> conversationID

	// FailInsert, when set, is returned by InsertMessage.
	FailInsert error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:  make(map[string][]*models.Message),
		convs:     make(map[string]*models.Conversation),
		byRequest: make(map[string]string),
	}
}

func (s *MemoryStore) InsertMessage(_ context.Context, m *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailInsert != nil {
		return nil, s.FailInsert
	}
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	cp := *m
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], &cp)
	return m, nil
}

func (s *MemoryStore) ListByConversation(_ context.Context, conversationID string) ([]*models.Message, error) {
	s.mu.RLock()
	msgs := s.messages[conversationID]
	out := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *MemoryStore) MarkReadForReceiver(_ context.Context, conversationID, receiverID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages[conversationID] {
		if m.Receiver == receiverID && !m.Read {
			m.Read = true
			t := at
			m.ReadAt = &t
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountUnread(_ context.Context, conversationID, receiverID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, m := range s.messages[conversationID] {
		if m.Receiver == receiverID && !m.Read {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) FindOrCreateByRequest(_ context.Context, c *models.Conversation) (*models.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byRequest[c.RequestID]; ok {
		cp := *s.convs[id]
		return &cp, false, nil
	}
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:           NewID(),
		Participants: append([]models.Participant(nil), c.Participants...),
		RequestID:    c.RequestID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.convs[conv.ID] = conv
	s.byRequest[conv.RequestID] = conv.ID
	cp := *conv
	return &cp, true, nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, chaterr.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetByRequest(ctx context.Context, requestID string) (*models.Conversation, error) {
	s.mu.RLock()
	id, ok := s.byRequest[requestID]
	s.mu.RUnlock()
	if !ok {
		return nil, chaterr.ErrNotFound
	}
	return s.GetByID(ctx, id)
}

func (s *MemoryStore) UpdateLastMessage(_ context.Context, id, content string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return chaterr.ErrNotFound
	}
	t := at
	c.LastMessage = content
	c.LastMessageTime = &t
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListForParticipant(_ context.Context, participantID string) ([]*models.Conversation, error) {
	s.mu.RLock()
	out := make([]*models.Conversation, 0)
	for _, c := range s.convs {
		if c.HasParticipantID(participantID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return activity(out[i]).After(activity(out[j])) })
	return out, nil
}

func activity(c *models.Conversation) time.Time {
	if c.LastMessageTime != nil {
		return *c.LastMessageTime
	}
	return c.UpdatedAt
}
