// Package dedup drops redeliveries of domain events already accepted by the engine.
package dedup

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long an event id is remembered.
const DefaultTTL = 24 * time.Hour

// Deduplicator remembers event ids for a bounded time.
type Deduplicator interface {
	// FirstSeen records the key and reports whether it was not seen before.
	FirstSeen(ctx context.Context, key string) (bool, error)
}

// Memory is a process local Deduplicator.
type Memory struct {
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Memory{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

func (m *Memory) FirstSeen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	for k, expiresAt := range m.seen {
		if !now.Before(expiresAt) {
			delete(m.seen, k)
		}
	}

	if _, exists := m.seen[key]; exists {
		return false, nil
	}

	m.seen[key] = now.Add(m.ttl)

	return true, nil
}
