package file

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

// VersionRepository handles append-only version files.
type VersionRepository struct {
	store *store
}

// Create appends a version, numbering it after the automation's latest one.
func (vr *VersionRepository) Create(_ context.Context, version *models.AutomationVersion) error {
	vr.store.mu.Lock()
	defer vr.store.mu.Unlock()

	var automation models.Automation

	found, err := vr.store.read(automationsDir, version.AutomationID, &automation)
	if err != nil {
		return err
	}

	if !found {
		return persistence.NewAutomationError("CreateVersion", version.AutomationID, persistence.ErrAutomationNotFound)
	}

	versions, err := vr.list(version.AutomationID)
	if err != nil {
		return err
	}

	version.Number = 1
	if len(versions) > 0 {
		version.Number = versions[len(versions)-1].Number + 1
	}

	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	return vr.store.write(versionsDir, version.ID, version)
}

// GetByID returns a version by its ID.
func (vr *VersionRepository) GetByID(_ context.Context, id string) (*models.AutomationVersion, error) {
	vr.store.mu.Lock()
	defer vr.store.mu.Unlock()

	var version models.AutomationVersion

	found, err := vr.store.read(versionsDir, id, &version)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrVersionNotFound
	}

	return &version, nil
}

// ListByAutomation returns the automation's versions ordered by number.
func (vr *VersionRepository) ListByAutomation(_ context.Context, automationID string) ([]*models.AutomationVersion, error) {
	vr.store.mu.Lock()
	defer vr.store.mu.Unlock()

	return vr.list(automationID)
}

func (vr *VersionRepository) list(automationID string) ([]*models.AutomationVersion, error) {
	all, err := readAll[models.AutomationVersion](vr.store, versionsDir)
	if err != nil {
		return nil, err
	}

	versions := make([]*models.AutomationVersion, 0)

	for _, version := range all {
		if version.AutomationID == automationID {
			versions = append(versions, version)
		}
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].Number < versions[j].Number })

	return versions, nil
}
