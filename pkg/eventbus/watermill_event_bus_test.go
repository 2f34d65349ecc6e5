package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/autoflow/pkg/channels/gochannel"
	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_RoutesByType(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newBus(t)

	started := make(chan *events.RunStarted, 1)
	finished := make(chan *events.RunFinished, 1)
	domain := make(chan *events.DomainEventReceived, 1)

	require.NoError(t, bus.Handle(events.RunStartedEvent, func(_ context.Context, event any) error {
		started <- event.(*events.RunStarted)

		return nil
	}))
	require.NoError(t, bus.Handle(events.RunFailedEvent, func(_ context.Context, event any) error {
		finished <- event.(*events.RunFinished)

		return nil
	}))
	require.NoError(t, bus.Handle(events.DomainEventReceivedEvent, func(_ context.Context, event any) error {
		domain <- event.(*events.DomainEventReceived)

		return nil
	}))

	require.NoError(t, bus.Subscribe(ctx))

	run := &models.AutomationRun{ID: "run-1", AutomationID: "auto-1", WorkspaceID: "ws-1", Status: models.RunStatusFailed, Error: "node a: boom"}

	require.NoError(t, bus.Publish(ctx, run.ID, events.RunStarted{
		BaseEvent: events.NewBaseEvent(events.RunStartedEvent, run),
		VersionID: "v-1",
		Nodes:     3,
	}))
	require.NoError(t, bus.Publish(ctx, run.ID, events.NewRunFinished(run)))
	require.NoError(t, bus.Publish(ctx, "ws-1", events.NewDomainEventReceived(models.Event{
		ID:          "evt-1",
		Key:         "candidate.created",
		WorkspaceID: "ws-1",
	})))

	select {
	case event := <-started:
		assert.Equal(t, "run-1", event.RunID)
		assert.Equal(t, "v-1", event.VersionID)
		assert.Equal(t, 3, event.Nodes)
	case <-time.After(5 * time.Second):
		t.Fatal("run.started not delivered")
	}

	select {
	case event := <-finished:
		assert.Equal(t, events.RunFailedEvent, event.GetType())
		assert.Equal(t, "node a: boom", event.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("run.failed not delivered")
	}

	select {
	case event := <-domain:
		assert.Equal(t, "evt-1", event.Event.ID)
		assert.Equal(t, "candidate.created", event.Event.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("domain event not delivered")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newBus(t)

	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}
