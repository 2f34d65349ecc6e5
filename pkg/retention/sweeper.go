// Package retention deletes finished runs once they are older than the retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the sweep hourly.
const DefaultSchedule = "@hourly"

// Sweeper periodically removes runs finished before now minus the retention window.
type Sweeper struct {
	persistence persistence.Persistence
	retention   time.Duration
	schedule    string
	logger      *slog.Logger
	now         func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func NewSweeper(p persistence.Persistence, retention time.Duration, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if retention <= 0 {
		return nil, errors.New("retention must be positive")
	}

	if schedule == "" {
		schedule = DefaultSchedule
	}

	_, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule '%s': %w", schedule, err)
	}

	return &Sweeper{
		persistence: p,
		retention:   retention,
		schedule:    schedule,
		logger:      logger.With("module", "retention", "retention", retention, "schedule", schedule),
		now:         time.Now,
	}, nil
}

// Sweep deletes the expired runs once and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	before := s.now().UTC().Add(-s.retention)

	deleted, err := s.persistence.RunRepository().DeleteFinishedBefore(ctx, before)
	if err != nil {
		return deleted, fmt.Errorf("failed to delete runs finished before %s: %w", before.Format(time.RFC3339), err)
	}

	s.logger.InfoContext(ctx, "Swept finished runs", "deleted", deleted, "before", before)

	return deleted, nil
}

// Start schedules the sweep. Overlapping sweeps are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	entryID, err := c.AddFunc(s.schedule, func() {
		_, err := s.Sweep(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "Retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}

	c.Start()
	s.cron = c

	s.logger.InfoContext(ctx, "Retention sweeper started", "entry_id", entryID)

	return nil
}

// Stop unschedules the sweep and waits for a running one to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}

	<-s.cron.Stop().Done()
	s.cron = nil

	s.logger.Info("Retention sweeper stopped")
}
