// Package models defines the core domain models for event-driven automations.
package models

import "time"

// Automation is a named, versioned process definition within a workspace.
type Automation struct {
	ID                 string    `json:"id"`
	WorkspaceID        string    `json:"workspace_id"                   validate:"required"`
	Name               string    `json:"name"                           validate:"required,min=3"`
	Description        string    `json:"description"`
	IsActive           bool      `json:"is_active"`
	PublishedVersionID *string   `json:"published_version_id,omitempty"` // Version eligible for new runs
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// IsPublished reports whether the automation has a publish target.
func (a *Automation) IsPublished() bool {
	return a.PublishedVersionID != nil && *a.PublishedVersionID != ""
}

// AutomationVersion is an immutable snapshot of an automation's node graph.
type AutomationVersion struct {
	ID           string     `json:"id"`
	AutomationID string     `json:"automation_id"`
	Number       int        `json:"number"`
	Definition   Definition `json:"definition"`
	CreatedBy    string     `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`
}
