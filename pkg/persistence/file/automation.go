package file

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

// AutomationRepository handles automation-related file operations.
type AutomationRepository struct {
	store *store
}

// Save inserts or updates an automation. An update keeps the stored creation time and
// published version.
func (ar *AutomationRepository) Save(_ context.Context, automation *models.Automation) error {
	ar.store.mu.Lock()
	defer ar.store.mu.Unlock()

	existing, err := readAll[models.Automation](ar.store, automationsDir)
	if err != nil {
		return err
	}

	var stored *models.Automation

	for _, other := range existing {
		if other.ID == automation.ID {
			stored = other

			continue
		}

		if other.WorkspaceID == automation.WorkspaceID && other.Name == automation.Name {
			return persistence.NewAutomationError("Save", automation.ID, persistence.ErrAutomationAlreadyExists)
		}
	}

	now := time.Now().UTC()

	// The published pointer only moves through SetPublishedVersion.
	if stored != nil {
		automation.CreatedAt = stored.CreatedAt
		automation.PublishedVersionID = stored.PublishedVersionID
	} else if automation.CreatedAt.IsZero() {
		automation.CreatedAt = now
	}

	automation.UpdatedAt = now

	return ar.store.write(automationsDir, automation.ID, automation)
}

// GetByID returns an automation by its ID.
func (ar *AutomationRepository) GetByID(_ context.Context, id string) (*models.Automation, error) {
	ar.store.mu.Lock()
	defer ar.store.mu.Unlock()

	return ar.get(id)
}

func (ar *AutomationRepository) get(id string) (*models.Automation, error) {
	var automation models.Automation

	found, err := ar.store.read(automationsDir, id, &automation)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewAutomationError("GetByID", id, persistence.ErrAutomationNotFound)
	}

	return &automation, nil
}

// ListByWorkspace returns the workspace's automations ordered by creation time.
func (ar *AutomationRepository) ListByWorkspace(_ context.Context, workspaceID string) ([]*models.Automation, error) {
	ar.store.mu.Lock()
	defer ar.store.mu.Unlock()

	all, err := readAll[models.Automation](ar.store, automationsDir)
	if err != nil {
		return nil, err
	}

	automations := make([]*models.Automation, 0, len(all))

	for _, automation := range all {
		if automation.WorkspaceID == workspaceID {
			automations = append(automations, automation)
		}
	}

	sort.SliceStable(automations, func(i, j int) bool {
		return automations[i].CreatedAt.Before(automations[j].CreatedAt)
	})

	return automations, nil
}

// SetPublishedVersion points the automation at one of its versions.
func (ar *AutomationRepository) SetPublishedVersion(_ context.Context, automationID, versionID string) error {
	ar.store.mu.Lock()
	defer ar.store.mu.Unlock()

	automation, err := ar.get(automationID)
	if err != nil {
		return err
	}

	var version models.AutomationVersion

	found, err := ar.store.read(versionsDir, versionID, &version)
	if err != nil {
		return err
	}

	if !found || version.AutomationID != automationID {
		return persistence.NewAutomationError("Publish", automationID, persistence.ErrVersionNotFound)
	}

	automation.PublishedVersionID = &versionID
	automation.UpdatedAt = time.Now().UTC()

	return ar.store.write(automationsDir, automation.ID, automation)
}
