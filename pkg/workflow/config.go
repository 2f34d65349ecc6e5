package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/sethvargo/go-retry"
)

// Config tunes the engine.
type Config struct {
	Workers        int                  // Concurrent node executions
	QueueSize      int                  // Buffered dispatch slots; tasks beyond it wait in an unbounded overflow list
	MaxAttempts    int                  // Attempt budget for nodes that do not set one
	NodeTimeout    time.Duration        // Per-dispatch timeout for nodes that do not set one
	RetryBaseDelay time.Duration        // First retry delay, doubled on each further attempt
	RetryMaxDelay  time.Duration        // Upper bound for retry delays
	FailurePolicy  models.FailurePolicy // Used by definitions that do not set one
}

func DefaultConfig() Config {
	return Config{
		Workers:        4,
		QueueSize:      256,
		MaxAttempts:    3,
		NodeTimeout:    30 * time.Second,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  time.Minute,
		FailurePolicy:  models.FailurePolicyFailFast,
	}
}

var ErrInvalidConfig = errors.New("invalid engine config")

func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be at least 1", ErrInvalidConfig)
	case c.QueueSize < 1:
		return fmt.Errorf("%w: queue size must be at least 1", ErrInvalidConfig)
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidConfig)
	case c.NodeTimeout <= 0:
		return fmt.Errorf("%w: node timeout must be positive", ErrInvalidConfig)
	case c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay:
		return fmt.Errorf("%w: retry delays must be positive and max must not be lower than base", ErrInvalidConfig)
	}

	switch c.FailurePolicy {
	case models.FailurePolicyFailFast, models.FailurePolicyBestEffort:
		return nil
	default:
		return fmt.Errorf("%w: unknown failure policy %q", ErrInvalidConfig, c.FailurePolicy)
	}
}

// RetryDelay returns the wait before the attempt following the given failed attempt.
func (c Config) RetryDelay(failedAttempt int) time.Duration {
	backoff := retry.WithCappedDuration(c.RetryMaxDelay, retry.NewExponential(c.RetryBaseDelay))

	var delay time.Duration

	for range max(failedAttempt, 1) {
		delay, _ = backoff.Next()
	}

	return delay
}

func (c Config) policy(definition models.Definition) models.FailurePolicy {
	if definition.FailurePolicy != "" {
		return definition.FailurePolicy
	}

	return c.FailurePolicy
}
