package models

import "time"

// AutomationTrigger binds an event key to an automation, optionally narrowed to a scope
// such as a workflow or stage identifier.
type AutomationTrigger struct {
	ID           string    `json:"id"`
	AutomationID string    `json:"automation_id" validate:"required"`
	WorkspaceID  string    `json:"workspace_id"  validate:"required"`
	EventKey     string    `json:"event_key"     validate:"required"`
	Scope        string    `json:"scope,omitempty"`
	IsActive     bool      `json:"is_active"`
	Sequence     int64     `json:"sequence"` // Creation order, used for deterministic resolution
	CreatedAt    time.Time `json:"created_at"`
}

// Matches reports whether the trigger applies to an event key, workspace and scope hint.
// Unscoped triggers match any hint.
func (t *AutomationTrigger) Matches(eventKey, workspaceID, scopeHint string) bool {
	if !t.IsActive || t.EventKey != eventKey || t.WorkspaceID != workspaceID {
		return false
	}

	return t.Scope == "" || t.Scope == scopeHint
}

// TriggerMatch is an active trigger resolved together with its automation.
type TriggerMatch struct {
	Trigger    *AutomationTrigger `json:"trigger"`
	Automation *Automation        `json:"automation"`
}
