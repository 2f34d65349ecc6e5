package services

import (
	"context"
	"fmt"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/google/uuid"
)

// Triggers binds event keys to automations and resolves events to the automations they start.
type Triggers struct {
	persistence persistence.Persistence
}

// NewTriggers creates a new trigger registry.
func NewTriggers(persistence persistence.Persistence) *Triggers {
	return &Triggers{persistence: persistence}
}

// Create registers an active trigger for an automation in the automation's workspace.
func (tr *Triggers) Create(ctx context.Context, trigger *models.AutomationTrigger) (*models.AutomationTrigger, error) {
	err := requestValidator.Struct(trigger)
	if err != nil {
		return nil, NewValidationError("CreateTrigger", "INVALID_TRIGGER", err.Error(), ErrInvalidRequest)
	}

	automation, err := tr.persistence.AutomationRepository().GetByID(ctx, trigger.AutomationID)
	if err != nil {
		return nil, err
	}

	if automation.WorkspaceID != trigger.WorkspaceID {
		return nil, NewValidationError("CreateTrigger", "WORKSPACE_MISMATCH", "", ErrWorkspaceMismatch)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate trigger ID: %w", err)
	}

	trigger.ID = id.String()
	trigger.IsActive = true

	err = tr.persistence.TriggerRepository().Save(ctx, trigger)
	if err != nil {
		return nil, err
	}

	return trigger, nil
}

// SetActive enables or disables a trigger.
func (tr *Triggers) SetActive(ctx context.Context, triggerID string, active bool) (*models.AutomationTrigger, error) {
	trigger, err := tr.persistence.TriggerRepository().GetByID(ctx, triggerID)
	if err != nil {
		return nil, err
	}

	trigger.IsActive = active

	err = tr.persistence.TriggerRepository().Save(ctx, trigger)
	if err != nil {
		return nil, err
	}

	return trigger, nil
}

// ListByAutomation returns every trigger of an automation ordered by creation.
func (tr *Triggers) ListByAutomation(ctx context.Context, automationID string) ([]*models.AutomationTrigger, error) {
	return tr.persistence.TriggerRepository().ListByAutomation(ctx, automationID)
}

// Resolve returns the active triggers of active automations matching an event, in trigger
// creation order. Unscoped triggers match any scope hint, scoped ones only an equal hint.
func (tr *Triggers) Resolve(ctx context.Context, eventKey, workspaceID, scopeHint string) ([]*models.TriggerMatch, error) {
	triggers, err := tr.persistence.TriggerRepository().FindActive(ctx, eventKey, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to find triggers: %w", err)
	}

	automations := make(map[string]*models.Automation)
	matches := make([]*models.TriggerMatch, 0, len(triggers))

	for _, trigger := range triggers {
		if !trigger.Matches(eventKey, workspaceID, scopeHint) {
			continue
		}

		automation, ok := automations[trigger.AutomationID]
		if !ok {
			automation, err = tr.persistence.AutomationRepository().GetByID(ctx, trigger.AutomationID)
			if err != nil {
				if persistence.IsAutomationNotFound(err) {
					continue
				}

				return nil, err
			}

			automations[trigger.AutomationID] = automation
		}

		if !automation.IsActive {
			continue
		}

		matches = append(matches, &models.TriggerMatch{Trigger: trigger, Automation: automation})
	}

	return matches, nil
}
