package retention

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence/file"
	"github.com/dukex/autoflow/pkg/persistence/persistencetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSweeper(t *testing.T) {
	p := file.NewPersistence(t.TempDir())
	logger := slog.New(slog.DiscardHandler)

	s, err := NewSweeper(p, time.Hour, "", logger)
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedule, s.schedule)

	_, err = NewSweeper(p, 0, "", logger)
	require.Error(t, err)

	_, err = NewSweeper(p, time.Hour, "every now and then", logger)
	require.Error(t, err)
}

func TestSweeper_Sweep(t *testing.T) {
	ctx := context.Background()
	p := file.NewPersistence(t.TempDir())
	repo := p.RunRepository()

	now := time.Now().UTC()

	old := persistencetest.NewRun(t, p, now.Add(-72*time.Hour), "a")
	_, closed, err := repo.CloseRun(ctx, old.ID, models.RunStatusCompleted, "", now.Add(-48*time.Hour))
	require.NoError(t, err)
	require.True(t, closed)

	recent := persistencetest.NewRun(t, p, now.Add(-2*time.Hour), "a")
	_, closed, err = repo.CloseRun(ctx, recent.ID, models.RunStatusFailed, "node a: boom", now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, closed)

	running := persistencetest.NewRun(t, p, now.Add(-96*time.Hour), "a")

	s, err := NewSweeper(p, 24*time.Hour, "", slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	s.now = func() time.Time { return now }

	deleted, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = repo.GetRun(ctx, old.ID)
	require.Error(t, err)

	_, err = repo.GetRun(ctx, recent.ID)
	require.NoError(t, err)

	_, err = repo.GetRun(ctx, running.ID)
	require.NoError(t, err)
}

func TestSweeper_StartStop(t *testing.T) {
	p := file.NewPersistence(t.TempDir())

	s, err := NewSweeper(p, time.Hour, "@every 1s", slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.NotNil(t, s.cron)

	s.Stop()
	s.Stop()
	assert.Nil(t, s.cron)
}
