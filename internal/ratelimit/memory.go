package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
)

// MemoryStore keeps buckets in process memory. It is suitable for a single
// instance and for tests.
type MemoryStore struct {
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	mu       sync.Mutex
	rule     Rule
	permits  []time.Time // acquisition times, oldest first
	lastSeen time.Time
	removed  bool
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	return &MemoryStore{clock: clock.OrReal(c), buckets: make(map[string]*bucket)}
}

func (s *MemoryStore) TryAcquire(ctx context.Context, key string, rule Rule) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for {
		b := s.bucketFor(key, rule)
		b.mu.Lock()
		if b.removed {
			// swept between lookup and lock; look it up again
			b.mu.Unlock()
			continue
		}
		ok := b.take(s.clock.Now())
		b.mu.Unlock()
		return ok, nil
	}
}

func (s *MemoryStore) bucketFor(key string, rule Rule) *bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{rule: rule, permits: make([]time.Time, 0, rule.Permits)}
		s.buckets[key] = b
	}
	return b
}

// take must be called with b.mu held.
func (b *bucket) take(now time.Time) bool {
	if !b.lastSeen.IsZero() && b.rule.IdleTTL > 0 && now.Sub(b.lastSeen) >= b.rule.IdleTTL {
		b.permits = b.permits[:0]
	}
	b.lastSeen = now

	i := 0
	for i < len(b.permits) && now.Sub(b.permits[i]) >= b.rule.Window {
		i++
	}
	if i > 0 {
		b.permits = append(b.permits[:0], b.permits[i:]...)
	}
	if len(b.permits) >= b.rule.Permits {
		return false
	}
	b.permits = append(b.permits, now)
	return true
}

// Sweep drops buckets idle for longer than their rule's IdleTTL and returns
// how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, b := range s.buckets {
		b.mu.Lock()
		if b.rule.IdleTTL > 0 && now.Sub(b.lastSeen) >= b.rule.IdleTTL {
			b.removed = true
			delete(s.buckets, key)
			removed++
		}
		b.mu.Unlock()
	}
	return removed
}

// Len reports the number of tracked clients.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Run sweeps idle buckets every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
