package requests

import (
	"context"
	"sync"

	"github.com/helpinghands/assist-chat/internal/chaterr"
)

type MemorySource struct {
	mu   sync.RWMutex
	byID map[string]*Assignment
}

func NewMemorySource() *MemorySource {
	return &MemorySource{byID: make(map[string]*Assignment)}
}

// Approve records requestID as approved with the given pair.
func (m *MemorySource) Approve(requestID, requesterID, volunteerID string) {
	m.mu.Lock()
	m.byID[requestID] = newAssignment(requestID, requesterID, volunteerID)
	m.mu.Unlock()
}

func (m *MemorySource) Revoke(requestID string) {
	m.mu.Lock()
	delete(m.byID, requestID)
	m.mu.Unlock()
}

func (m *MemorySource) GetApprovedAssignment(_ context.Context, requestID string) (*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[requestID]
	if !ok {
		return nil, chaterr.ErrNotApproved
	}
	cp := *a
	return &cp, nil
}
