package models

import "time"

// Subject is a (type, id) reference to the business entity an automation acts upon.
// The engine never interprets it.
type Subject struct {
	Type string `json:"type" validate:"required"`
	ID   string `json:"id"   validate:"required"`
}

func (s Subject) String() string {
	return s.Type + ":" + s.ID
}

// Event is a domain event occurrence delivered to the engine.
type Event struct {
	ID          string         `json:"id"`
	Key         string         `json:"key"          validate:"required"`
	WorkspaceID string         `json:"workspace_id" validate:"required"`
	Scope       string         `json:"scope,omitempty"`
	Subject     Subject        `json:"subject"`
	Payload     map[string]any `json:"payload,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}
