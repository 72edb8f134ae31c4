package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/clock"
)

// MemoryLocker serialises holders within one process.
type MemoryLocker struct {
	clock clock.Clock

	mu     sync.Mutex
	leases map[string]Lease
}

func NewMemoryLocker(c clock.Clock) *MemoryLocker {
	return &MemoryLocker{clock: clock.OrReal(c), leases: make(map[string]Lease)}
}

func (m *MemoryLocker) TryAcquire(ctx context.Context, key string, wait, hold time.Duration) (Lease, error) {
	var lease Lease
	err := retry(ctx, wait, func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		now := m.clock.Now()
		if cur, ok := m.leases[key]; ok && cur.ExpiresAt.After(now) {
			return false, nil
		}
		lease = Lease{Key: key, Token: uuid.NewString(), ExpiresAt: now.Add(hold)}
		m.leases[key] = lease
		return true, nil
	})
	if err != nil {
		return Lease{}, err
	}
	return lease, nil
}

func (m *MemoryLocker) Release(_ context.Context, lease Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[lease.Key]; ok && cur.Token == lease.Token {
		delete(m.leases, lease.Key)
	}
	return nil
}
