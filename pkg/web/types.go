// Package web provides the HTTP surface for authoring automations, submitting events and inspecting runs.
package web

import "github.com/dukex/autoflow/pkg/models"

// CreateAutomationRequest represents the request body for creating an automation.
type CreateAutomationRequest struct {
	WorkspaceID string `json:"workspace_id" validate:"required"`
	Name        string `json:"name"         validate:"required,min=3"`
	Description string `json:"description"`
}

// CreateVersionRequest represents the request body for appending a version.
type CreateVersionRequest struct {
	Definition models.Definition `json:"definition"`
	CreatedBy  string            `json:"created_by" validate:"required"`
}

// PublishRequest selects the version new runs are pinned to.
type PublishRequest struct {
	VersionID string `json:"version_id" validate:"required"`
}

// CreateTriggerRequest represents the request body for binding an event key to an automation.
type CreateTriggerRequest struct {
	AutomationID string `json:"automation_id" validate:"required"`
	WorkspaceID  string `json:"workspace_id"  validate:"required"`
	EventKey     string `json:"event_key"     validate:"required"`
	Scope        string `json:"scope"`
}

// UpdateTriggerRequest toggles a trigger.
type UpdateTriggerRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

// EventAcceptedResponse is returned once an event was handed to the engine.
type EventAcceptedResponse struct {
	EventID string                  `json:"event_id"`
	Runs    []*models.AutomationRun `json:"runs"`
}

// NodeTypeResponse describes a registered node handler.
type NodeTypeResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}
