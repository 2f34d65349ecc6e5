package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/dedup"
)

// NewDeduplicator uses Redis when redisURL is set, shared by every process, and an
// in-memory window otherwise. The returned close function is never nil.
func NewDeduplicator(ctx context.Context, logger *slog.Logger, redisURL string, ttl time.Duration) (dedup.Deduplicator, func() error, error) {
	if redisURL == "" {
		logger.InfoContext(ctx, "Using in-memory event deduplication", "ttl", ttl)

		return dedup.NewMemory(ttl), func() error { return nil }, nil
	}

	redisDedup, err := dedup.NewRedisFromURL(ctx, redisURL, ttl)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.InfoContext(ctx, "Using redis event deduplication", "ttl", ttl)

	return redisDedup, redisDedup.Close, nil
}
