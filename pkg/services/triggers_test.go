package services_test

import (
	"testing"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence/file"
	"github.com/dukex/autoflow/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTriggers(t *testing.T) (*services.Definitions, *services.Triggers) {
	t.Helper()

	p := file.NewPersistence(t.TempDir())

	return services.NewDefinitions(p, nil), services.NewTriggers(p)
}

func TestTriggers_Create(t *testing.T) {
	definitions, triggers := setupTriggers(t)
	ctx := t.Context()

	automation, err := definitions.CreateAutomation(ctx, "ws-1", "Triggered", "")
	require.NoError(t, err)

	trigger, err := triggers.Create(ctx, &models.AutomationTrigger{
		AutomationID: automation.ID,
		WorkspaceID:  "ws-1",
		EventKey:     "ticket.created",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, trigger.ID)
	assert.True(t, trigger.IsActive)
	assert.Positive(t, trigger.Sequence)

	_, err = triggers.Create(ctx, &models.AutomationTrigger{
		AutomationID: automation.ID,
		WorkspaceID:  "ws-2",
		EventKey:     "ticket.created",
	})
	assert.ErrorIs(t, err, services.ErrWorkspaceMismatch)
	assert.True(t, services.IsValidationError(err))

	_, err = triggers.Create(ctx, &models.AutomationTrigger{AutomationID: automation.ID, WorkspaceID: "ws-1"})
	assert.ErrorIs(t, err, services.ErrInvalidRequest)
}

func TestTriggers_Resolve(t *testing.T) {
	definitions, triggers := setupTriggers(t)
	ctx := t.Context()

	first, err := definitions.CreateAutomation(ctx, "ws-1", "First", "")
	require.NoError(t, err)

	second, err := definitions.CreateAutomation(ctx, "ws-1", "Second", "")
	require.NoError(t, err)

	inactive, err := definitions.CreateAutomation(ctx, "ws-1", "Inactive", "")
	require.NoError(t, err)

	create := func(automationID, scope string) *models.AutomationTrigger {
		trigger, err := triggers.Create(ctx, &models.AutomationTrigger{
			AutomationID: automationID,
			WorkspaceID:  "ws-1",
			EventKey:     "ticket.moved",
			Scope:        scope,
		})
		require.NoError(t, err)

		return trigger
	}

	unscoped := create(first.ID, "")
	scoped := create(second.ID, "stage-review")
	create(inactive.ID, "")

	disabled := create(second.ID, "")
	_, err = triggers.SetActive(ctx, disabled.ID, false)
	require.NoError(t, err)

	_, err = definitions.Deactivate(ctx, inactive.ID)
	require.NoError(t, err)

	tests := []struct {
		name      string
		eventKey  string
		workspace string
		scopeHint string
		expected  []string
	}{
		{name: "unscoped matches any hint", eventKey: "ticket.moved", workspace: "ws-1", scopeHint: "stage-done", expected: []string{unscoped.ID}},
		{name: "scoped matches equal hint", eventKey: "ticket.moved", workspace: "ws-1", scopeHint: "stage-review", expected: []string{unscoped.ID, scoped.ID}},
		{name: "no hint", eventKey: "ticket.moved", workspace: "ws-1", expected: []string{unscoped.ID}},
		{name: "other workspace", eventKey: "ticket.moved", workspace: "ws-2", scopeHint: "stage-review", expected: []string{}},
		{name: "other event", eventKey: "ticket.created", workspace: "ws-1", expected: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches, err := triggers.Resolve(t.Context(), tt.eventKey, tt.workspace, tt.scopeHint)
			require.NoError(t, err)

			ids := make([]string, 0, len(matches))
			for _, match := range matches {
				ids = append(ids, match.Trigger.ID)
				assert.Equal(t, match.Trigger.AutomationID, match.Automation.ID)
			}

			assert.Equal(t, tt.expected, ids)
		})
	}

	listed, err := triggers.ListByAutomation(ctx, second.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestValidateEvent(t *testing.T) {
	valid := &models.Event{
		Key:         "candidate.created",
		WorkspaceID: "ws-1",
		Subject:     models.Subject{Type: "candidate", ID: "c-1"},
	}
	require.NoError(t, services.ValidateEvent(valid))

	missingKey := *valid
	missingKey.Key = ""
	err := services.ValidateEvent(&missingKey)
	assert.True(t, services.IsValidationError(err))
	assert.ErrorIs(t, err, services.ErrInvalidEvent)
	assert.Equal(t, "INVALID_EVENT", services.ErrorCode(err))

	missingSubject := *valid
	missingSubject.Subject = models.Subject{}
	assert.True(t, services.IsValidationError(services.ValidateEvent(&missingSubject)))
}
