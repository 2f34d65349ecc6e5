package file

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

// TriggerRepository handles trigger files.
type TriggerRepository struct {
	store *store
}

// Save inserts or updates a trigger, assigning the next sequence on insert.
func (tr *TriggerRepository) Save(_ context.Context, trigger *models.AutomationTrigger) error {
	tr.store.mu.Lock()
	defer tr.store.mu.Unlock()

	all, err := readAll[models.AutomationTrigger](tr.store, triggersDir)
	if err != nil {
		return err
	}

	var maxSequence int64

	for _, existing := range all {
		if existing.ID == trigger.ID {
			trigger.Sequence = existing.Sequence
			trigger.CreatedAt = existing.CreatedAt

			return tr.store.write(triggersDir, trigger.ID, trigger)
		}

		if existing.Sequence > maxSequence {
			maxSequence = existing.Sequence
		}
	}

	trigger.Sequence = maxSequence + 1
	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = time.Now().UTC()
	}

	return tr.store.write(triggersDir, trigger.ID, trigger)
}

// GetByID returns a trigger by its ID.
func (tr *TriggerRepository) GetByID(_ context.Context, id string) (*models.AutomationTrigger, error) {
	tr.store.mu.Lock()
	defer tr.store.mu.Unlock()

	var trigger models.AutomationTrigger

	found, err := tr.store.read(triggersDir, id, &trigger)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrTriggerNotFound
	}

	return &trigger, nil
}

// ListByAutomation returns the automation's triggers ordered by sequence.
func (tr *TriggerRepository) ListByAutomation(_ context.Context, automationID string) ([]*models.AutomationTrigger, error) {
	return tr.filter(func(t *models.AutomationTrigger) bool {
		return t.AutomationID == automationID
	})
}

// FindActive returns the active triggers bound to an event key in a workspace ordered by sequence.
func (tr *TriggerRepository) FindActive(_ context.Context, eventKey, workspaceID string) ([]*models.AutomationTrigger, error) {
	return tr.filter(func(t *models.AutomationTrigger) bool {
		return t.IsActive && t.EventKey == eventKey && t.WorkspaceID == workspaceID
	})
}

func (tr *TriggerRepository) filter(keep func(*models.AutomationTrigger) bool) ([]*models.AutomationTrigger, error) {
	tr.store.mu.Lock()
	defer tr.store.mu.Unlock()

	all, err := readAll[models.AutomationTrigger](tr.store, triggersDir)
	if err != nil {
		return nil, err
	}

	triggers := make([]*models.AutomationTrigger, 0)

	for _, trigger := range all {
		if keep(trigger) {
			triggers = append(triggers, trigger)
		}
	}

	sort.Slice(triggers, func(i, j int) bool { return triggers[i].Sequence < triggers[j].Sequence })

	return triggers, nil
}
