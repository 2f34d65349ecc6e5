package services

import "github.com/dukex/autoflow/pkg/models"

// ValidateEvent checks an inbound domain event carries a key, a workspace and a subject.
func ValidateEvent(event *models.Event) error {
	err := requestValidator.Struct(event)
	if err != nil {
		return NewValidationError("Notify", "INVALID_EVENT", err.Error(), ErrInvalidEvent)
	}

	return nil
}
