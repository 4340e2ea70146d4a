package idempotency

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultTTL bounds how long a completed delivery key is remembered.
const DefaultTTL = 72 * time.Hour

const maxSweepInterval = 10 * time.Minute

// Store remembers completed side effects so redelivered events skip them.
type Store interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// Key returns the store key of one channel delivery of a message.
func Key(messageID string, channel string) string {
	return fmt.Sprintf("notification:delivered:%s:%s", strings.TrimSpace(messageID), strings.ToLower(strings.TrimSpace(channel)))
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local Store for single-instance deployments.
// Expired keys are dropped when looked up and by a sweep that runs at most
// once per sweep interval.
type MemoryStore struct {
	ttl   time.Duration
	sweep time.Duration
	now   func() time.Time

	mu        sync.Mutex
	keys      map[string]time.Time
	nextSweep time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return newMemoryStore(ttl, time.Now)
}

func newMemoryStore(ttl time.Duration, nowFn func() time.Time) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	sweep := min(ttl, maxSweepInterval)

	return &MemoryStore{
		ttl:       ttl,
		sweep:     sweep,
		now:       nowFn,
		keys:      make(map[string]time.Time),
		nextSweep: nowFn().Add(sweep),
	}
}

func (s *MemoryStore) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.keys[key]
	if !ok {
		return false, nil
	}
	if !s.now().Before(expiresAt) {
		delete(s.keys, key)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Mark(_ context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("idempotency key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !now.Before(s.nextSweep) {
		s.sweepLocked(now)
	}
	s.keys[key] = now.Add(s.ttl)
	return nil
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for k, expiresAt := range s.keys {
		if !now.Before(expiresAt) {
			delete(s.keys, k)
		}
	}
	s.nextSweep = now.Add(s.sweep)
}
