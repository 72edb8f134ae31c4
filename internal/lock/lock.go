// Package lock provides lease-based mutual exclusion keyed by name. A lease
// expires on its own after its hold duration, so a crashed holder cannot
// wedge the resource.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned when the lock stayed held by someone else for
// the whole wait duration.
var ErrNotAcquired = errors.New("lock not acquired within wait time")

// ErrUnavailable wraps failures of the lock backend itself.
var ErrUnavailable = errors.New("lock provider unavailable")

// Lease is proof of holding a key until ExpiresAt. Token distinguishes this
// holder from any later holder of the same key.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Locker is the lock provider used by the dispatch coordinator.
type Locker interface {
	// TryAcquire blocks for at most wait trying to take key for hold.
	TryAcquire(ctx context.Context, key string, wait, hold time.Duration) (Lease, error)
	// Release gives the lease back. Releasing twice, or after expiry, is a
	// no-op and never touches another holder's lease.
	Release(ctx context.Context, lease Lease) error
}

const (
	minRetry = 5 * time.Millisecond
	maxRetry = 100 * time.Millisecond
)

// retry polls attempt until it succeeds, the wait deadline passes or ctx ends.
func retry(ctx context.Context, wait time.Duration, attempt func() (bool, error)) error {
	deadline := time.Now().Add(wait)
	backoff := minRetry
	for {
		ok, err := attempt()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrNotAcquired
		}
		sleep := backoff
		if sleep > remaining {
			sleep = remaining
		}
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
		if backoff > maxRetry {
			backoff = maxRetry
		}
	}
}
