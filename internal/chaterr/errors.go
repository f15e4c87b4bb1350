package chaterr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotAParticipant    = errors.New("not a participant of this conversation")
	ErrInvalidParticipant = errors.New("participants do not match the request assignment")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotApproved        = errors.New("request is not approved")
	ErrNotFound           = errors.New("not found")
	ErrRateLimited        = errors.New("rate limit exceeded")
)

const genericDeliveryFailure = "message could not be delivered, please retry"

type validationError struct {
	reason string
}

func (e *validationError) Error() string { return e.reason }

func (e *validationError) Unwrap() error { return ErrValidation }

// Validation returns an error matching ErrValidation whose text is safe to show clients.
func Validation(format string, args ...any) error {
	return &validationError{reason: fmt.Sprintf(format, args...)}
}

// PublicMessage maps err to text a client may see. Unclassified errors
// (store, broker) become a generic message.
func PublicMessage(err error) string {
	var ve *validationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return ve.reason
	case errors.Is(err, ErrValidation):
		return ErrValidation.Error()
	case errors.Is(err, ErrNotAParticipant),
		errors.Is(err, ErrInvalidParticipant),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrNotApproved),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrRateLimited):
		return rootMessage(err)
	default:
		return genericDeliveryFailure
	}
}

func rootMessage(err error) string {
	for _, s := range []error{ErrNotAParticipant, ErrInvalidParticipant, ErrUnauthorized, ErrNotApproved, ErrNotFound, ErrRateLimited} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return err.Error()
}
