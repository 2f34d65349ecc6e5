// Package events defines the run lifecycle notifications and the inbound domain event envelope.
package events

import (
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topics.
const Topic = "autoflow.events"                    // Run and node lifecycle events
const DomainEventsTopic = "autoflow.domain.events" // Inbound domain events consumed by workers

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Run lifecycle events.
	RunStartedEvent   EventType = "run.started"
	RunCompletedEvent EventType = "run.completed"
	RunFailedEvent    EventType = "run.failed"
	RunCanceledEvent  EventType = "run.canceled"

	// Node lifecycle events.
	NodeCompletedEvent EventType = "node.completed"
	NodeFailedEvent    EventType = "node.failed"

	// Inbound domain event.
	DomainEventReceivedEvent EventType = "domain.event"
)

// TopicFor returns the topic carrying the given event type.
func TopicFor(eventType EventType) string {
	if eventType == DomainEventReceivedEvent {
		return DomainEventsTopic
	}

	return Topic
}

type BaseEvent struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	AutomationID string    `json:"automation_id,omitempty"`
	WorkspaceID  string    `json:"workspace_id,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
}

type RunStarted struct {
	BaseEvent

	VersionID string         `json:"version_id"`
	TriggerID string         `json:"trigger_id"`
	EventKey  string         `json:"event_key"`
	EventID   string         `json:"event_id"`
	Subject   models.Subject `json:"subject"`
	Nodes     int            `json:"nodes"`
}

func (r RunStarted) GetType() EventType {
	return RunStartedEvent
}

// RunFinished is published once per run, with Type telling completed, failed or canceled apart.
type RunFinished struct {
	BaseEvent

	Status     models.RunStatus `json:"status"`
	Error      string           `json:"error,omitempty"`
	DurationMs int64            `json:"duration_ms"`
}

func (r RunFinished) GetType() EventType {
	return r.Type
}

type NodeCompleted struct {
	BaseEvent

	NodeRunID  string         `json:"node_run_id"`
	NodeID     string         `json:"node_id"`
	NodeType   string         `json:"node_type"`
	Attempts   int            `json:"attempts"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

func (n NodeCompleted) GetType() EventType {
	return NodeCompletedEvent
}

type NodeFailed struct {
	BaseEvent

	NodeRunID  string `json:"node_run_id"`
	NodeID     string `json:"node_id"`
	NodeType   string `json:"node_type"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error"`
	WillRetry  bool   `json:"will_retry"`
	DurationMs int64  `json:"duration_ms"`
}

func (n NodeFailed) GetType() EventType {
	return NodeFailedEvent
}

// DomainEventReceived carries an inbound domain event between processes.
type DomainEventReceived struct {
	BaseEvent

	Event models.Event `json:"event"`
}

func (d DomainEventReceived) GetType() EventType {
	return DomainEventReceivedEvent
}

func NewBaseEvent(eventType EventType, run *models.AutomationRun) BaseEvent {
	base := BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}

	if run != nil {
		base.AutomationID = run.AutomationID
		base.WorkspaceID = run.WorkspaceID
		base.RunID = run.ID
	}

	return base
}

// NewRunFinished builds the closing event matching the run's terminal status.
func NewRunFinished(run *models.AutomationRun) RunFinished {
	eventType := RunCompletedEvent

	switch run.Status {
	case models.RunStatusFailed:
		eventType = RunFailedEvent
	case models.RunStatusCanceled:
		eventType = RunCanceledEvent
	}

	finished := RunFinished{
		BaseEvent: NewBaseEvent(eventType, run),
		Status:    run.Status,
		Error:     run.Error,
	}

	if run.FinishedAt != nil {
		finished.DurationMs = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
	}

	return finished
}

// NewDomainEventReceived wraps an inbound event for publication.
func NewDomainEventReceived(event models.Event) DomainEventReceived {
	return DomainEventReceived{
		BaseEvent: BaseEvent{
			ID:          uuid.New().String(),
			Type:        DomainEventReceivedEvent,
			Timestamp:   time.Now().UTC(),
			WorkspaceID: event.WorkspaceID,
		},
		Event: event,
	}
}
