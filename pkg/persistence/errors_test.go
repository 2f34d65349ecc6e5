package persistence_test

import (
	"errors"
	"testing"

	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error checking functions work correctly", func(t *testing.T) {
		automationErr := persistence.NewAutomationError("GetByID", "automation-123", persistence.ErrAutomationNotFound)
		runErr := persistence.NewRunError("StartNode", "run-1", "send", persistence.ErrRunNotRunning)

		assert.True(t, persistence.IsAutomationNotFound(automationErr))
		assert.True(t, persistence.IsNotFound(automationErr))
		assert.False(t, persistence.IsNotFound(runErr))

		assert.True(t, errors.Is(automationErr, persistence.ErrAutomationNotFound))
		assert.True(t, errors.Is(runErr, persistence.ErrRunNotRunning))
	})

	t.Run("automation error contains context", func(t *testing.T) {
		err := persistence.NewAutomationError("Publish", "automation-123", persistence.ErrVersionNotFound)

		assert.Contains(t, err.Error(), "Publish")
		assert.Contains(t, err.Error(), "automation-123")
		assert.Contains(t, err.Error(), "automation version not found")
		assert.True(t, persistence.IsVersionNotFound(err))
	})

	t.Run("run error names the node when present", func(t *testing.T) {
		withNode := persistence.NewRunError("CompleteNode", "run-1", "send", persistence.ErrNodeRunNotFound)
		withoutNode := persistence.NewRunError("GetRun", "run-1", "", persistence.ErrRunNotFound)

		assert.Contains(t, withNode.Error(), "node send in run run-1")
		assert.Equal(t, "GetRun operation failed for run run-1: run not found", withoutNode.Error())
		assert.True(t, persistence.IsNotFound(withNode))
		assert.True(t, persistence.IsRunNotFound(withoutNode))
	})
}
