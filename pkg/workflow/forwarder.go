package workflow

import (
	"context"
	"fmt"

	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/services"
	"github.com/google/uuid"
)

// Forwarder hands domain events to the workers through the event bus instead of
// starting runs in process.
type Forwarder struct {
	publisher eventbus.EventPublisher
}

func NewForwarder(publisher eventbus.EventPublisher) *Forwarder {
	return &Forwarder{publisher: publisher}
}

// Notify publishes the event. Runs are started by the worker consuming it, so none are returned.
// Events without an id get one here so bus redeliveries are deduplicated by the worker.
func (f *Forwarder) Notify(ctx context.Context, event *models.Event) ([]*models.AutomationRun, error) {
	err := services.ValidateEvent(event)
	if err != nil {
		return nil, err
	}

	if event.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate event ID: %w", err)
		}

		event.ID = id.String()
	}

	err = f.publisher.Publish(ctx, event.WorkspaceID+":"+event.Subject.String(), events.NewDomainEventReceived(*event))
	if err != nil {
		return nil, fmt.Errorf("failed to forward event: %w", err)
	}

	return nil, nil
}

// HandleDomainEvent feeds events consumed from the bus to the engine. Invalid events are
// dropped rather than redelivered.
func (e *Engine) HandleDomainEvent(ctx context.Context, event any) error {
	received, ok := event.(*events.DomainEventReceived)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	_, err := e.Notify(ctx, &received.Event)
	if services.IsValidationError(err) {
		e.logger.WarnContext(ctx, "Dropping invalid domain event", "event_id", received.Event.ID, "error", err)

		return nil
	}

	return err
}
