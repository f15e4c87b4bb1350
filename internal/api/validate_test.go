package api

import (
	"errors"
	"strings"
	"testing"

	"github.com/helpinghands/assist-chat/internal/chaterr"
	"github.com/helpinghands/assist-chat/internal/models"
)

func TestValidateBody(t *testing.T) {
	ok := createConversationRequest{
		RequestID: "R1",
		Participants: []models.Participant{
			{ID: "U1", Role: models.RoleUser},
			{ID: "V1", Role: models.RoleVolunteer},
		},
	}
	if err := validateBody(ok); err != nil {
		t.Fatalf("expected valid body, got %v", err)
	}

	bad := createConversationRequest{Participants: []models.Participant{{ID: "U1", Role: "admin"}}}
	err := validateBody(bad)
	if !errors.Is(err, chaterr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	msg := chaterr.PublicMessage(err)
	if !strings.Contains(msg, "RequestID is required") || !strings.Contains(msg, "Participants must have exactly 2 entries") {
		t.Fatalf("unexpected message %q", msg)
	}
}
