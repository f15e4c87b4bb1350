package requests

import (
	"context"

	"github.com/helpinghands/assist-chat/internal/models"
)

// Assignment is the approved pairing of a request's requester and volunteer.
type Assignment struct {
	RequestID string             `json:"requestId"`
	Requester models.Participant `json:"requester"`
	Volunteer models.Participant `json:"volunteer"`
}

// Source answers whether a request is approved and who it pairs.
// Implementations return chaterr.ErrNotApproved for unknown or unapproved requests.
type Source interface {
	GetApprovedAssignment(ctx context.Context, requestID string) (*Assignment, error)
}

var approvedStatuses = map[string]bool{
	"approved":    true,
	"assigned":    true,
	"in_progress": true,
}

func isApproved(status string) bool { return approvedStatuses[status] }

func newAssignment(requestID, requesterID, volunteerID string) *Assignment {
	return &Assignment{
		RequestID: requestID,
		Requester: models.Participant{ID: requesterID, Role: models.RoleUser},
		Volunteer: models.Participant{ID: volunteerID, Role: models.RoleVolunteer},
	}
}
