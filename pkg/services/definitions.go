// Package services provides the authoring operations for automations, their versions and triggers.
package services

import (
	"context"
	"fmt"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var requestValidator = validator.New(validator.WithRequiredStructEnabled())

// ConfigValidator checks a node's static configuration against what its handler accepts.
type ConfigValidator interface {
	ValidateConfig(nodeType string, config map[string]any) error
}

// Definitions stores automations and their append-only versions.
type Definitions struct {
	persistence     persistence.Persistence
	configValidator ConfigValidator
}

// NewDefinitions creates a new definition store. configValidator may be nil, in which case
// node configs are accepted as long as the graph is well formed.
func NewDefinitions(persistence persistence.Persistence, configValidator ConfigValidator) *Definitions {
	return &Definitions{
		persistence:     persistence,
		configValidator: configValidator,
	}
}

// CreateAutomation creates an active, unpublished automation.
func (d *Definitions) CreateAutomation(ctx context.Context, workspaceID, name, description string) (*models.Automation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate automation ID: %w", err)
	}

	automation := &models.Automation{
		ID:          id.String(),
		WorkspaceID: workspaceID,
		Name:        name,
		Description: description,
		IsActive:    true,
	}

	err = requestValidator.Struct(automation)
	if err != nil {
		return nil, NewValidationError("CreateAutomation", "INVALID_AUTOMATION", err.Error(), ErrInvalidRequest)
	}

	err = d.persistence.AutomationRepository().Save(ctx, automation)
	if err != nil {
		return nil, err
	}

	return automation, nil
}

// Automation returns an automation by its ID.
func (d *Definitions) Automation(ctx context.Context, automationID string) (*models.Automation, error) {
	return d.persistence.AutomationRepository().GetByID(ctx, automationID)
}

// ListAutomations returns the workspace's automations ordered by creation.
func (d *Definitions) ListAutomations(ctx context.Context, workspaceID string) ([]*models.Automation, error) {
	return d.persistence.AutomationRepository().ListByWorkspace(ctx, workspaceID)
}

// CreateVersion validates a definition and appends it as the automation's next version.
// The publish pointer is left untouched.
func (d *Definitions) CreateVersion(ctx context.Context, automationID string, definition models.Definition, createdBy string) (*models.AutomationVersion, error) {
	_, err := d.persistence.AutomationRepository().GetByID(ctx, automationID)
	if err != nil {
		return nil, err
	}

	graph, err := definition.Compile()
	if err != nil {
		return nil, err
	}

	if d.configValidator != nil {
		for _, node := range graph.Nodes() {
			err := d.configValidator.ValidateConfig(node.Type, node.Config)
			if err != nil {
				return nil, &models.DefinitionError{NodeID: node.ID, Reason: err.Error()}
			}
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate version ID: %w", err)
	}

	version := &models.AutomationVersion{
		ID:           id.String(),
		AutomationID: automationID,
		Definition:   definition,
		CreatedBy:    createdBy,
	}

	err = d.persistence.VersionRepository().Create(ctx, version)
	if err != nil {
		return nil, err
	}

	return version, nil
}

// Versions returns the automation's versions ordered by number.
func (d *Definitions) Versions(ctx context.Context, automationID string) ([]*models.AutomationVersion, error) {
	_, err := d.persistence.AutomationRepository().GetByID(ctx, automationID)
	if err != nil {
		return nil, err
	}

	return d.persistence.VersionRepository().ListByAutomation(ctx, automationID)
}

// Publish makes the version the one new runs are pinned to. Runs already started keep their version.
func (d *Definitions) Publish(ctx context.Context, automationID, versionID string) (*models.Automation, error) {
	err := d.persistence.AutomationRepository().SetPublishedVersion(ctx, automationID, versionID)
	if err != nil {
		return nil, err
	}

	return d.persistence.AutomationRepository().GetByID(ctx, automationID)
}

// GetPublished returns the automation's published version.
func (d *Definitions) GetPublished(ctx context.Context, automationID string) (*models.AutomationVersion, error) {
	automation, err := d.persistence.AutomationRepository().GetByID(ctx, automationID)
	if err != nil {
		return nil, err
	}

	if !automation.IsPublished() {
		return nil, persistence.NewAutomationError("GetPublished", automationID, persistence.ErrNoPublishedVersion)
	}

	return d.persistence.VersionRepository().GetByID(ctx, *automation.PublishedVersionID)
}

// Activate lets the automation's triggers start runs again.
func (d *Definitions) Activate(ctx context.Context, automationID string) (*models.Automation, error) {
	return d.setActive(ctx, automationID, true)
}

// Deactivate stops the automation's triggers from starting runs. Running runs are not affected.
func (d *Definitions) Deactivate(ctx context.Context, automationID string) (*models.Automation, error) {
	return d.setActive(ctx, automationID, false)
}

func (d *Definitions) setActive(ctx context.Context, automationID string, active bool) (*models.Automation, error) {
	automation, err := d.persistence.AutomationRepository().GetByID(ctx, automationID)
	if err != nil {
		return nil, err
	}

	automation.IsActive = active

	err = d.persistence.AutomationRepository().Save(ctx, automation)
	if err != nil {
		return nil, err
	}

	return automation, nil
}
