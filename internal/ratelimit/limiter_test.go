package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/testutil"
)

func newFakeClock() *testutil.FakeClock {
	return testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
}

func TestMemoryStoreWindow(t *testing.T) {
	clk := newFakeClock()
	l := New(NewMemoryStore(clk), DefaultRule(), true, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if !l.Admit(ctx, "10.0.0.1") {
			t.Fatalf("request %d rejected", i+1)
		}
	}
	if l.Admit(ctx, "10.0.0.1") {
		t.Fatal("11th request admitted inside the window")
	}
	if !l.Admit(ctx, "10.0.0.2") {
		t.Fatal("other client should have its own bucket")
	}

	clk.Advance(59 * time.Second)
	if l.Admit(ctx, "10.0.0.1") {
		t.Fatal("admitted before window elapsed")
	}
	clk.Advance(time.Second)
	if !l.Admit(ctx, "10.0.0.1") {
		t.Fatal("rejected after window elapsed")
	}
}

func TestMemoryStoreSlidingRelease(t *testing.T) {
	clk := newFakeClock()
	s := NewMemoryStore(clk)
	rule := Rule{Permits: 2, Window: 10 * time.Second, IdleTTL: time.Hour}

	mustAcquire(t, s, rule, true)
	clk.Advance(5 * time.Second)
	mustAcquire(t, s, rule, true)
	mustAcquire(t, s, rule, false)
	clk.Advance(5 * time.Second)
	// first permit is now a full window old
	mustAcquire(t, s, rule, true)
	mustAcquire(t, s, rule, false)
}

func mustAcquire(t *testing.T, s Store, rule Rule, want bool) {
	t.Helper()
	got, err := s.TryAcquire(context.Background(), "k", rule)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if got != want {
		t.Fatalf("TryAcquire = %v, want %v", got, want)
	}
}

func TestMemoryStoreConcurrentFirstRequests(t *testing.T) {
	s := NewMemoryStore(newFakeClock())
	l := New(s, DefaultRule(), false, nil)

	const workers = 64
	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.Admit(context.Background(), "203.0.113.9") {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := admitted.Load(); got != 10 {
		t.Fatalf("admitted %d, want 10", got)
	}
	if s.Len() != 1 {
		t.Fatalf("tracked clients = %d, want 1", s.Len())
	}
}

func TestMemoryStoreSweepsIdleClients(t *testing.T) {
	clk := newFakeClock()
	s := NewMemoryStore(clk)
	l := New(s, DefaultRule(), false, nil)
	ctx := context.Background()

	l.Admit(ctx, "a")
	clk.Advance(30 * time.Minute)
	l.Admit(ctx, "b")
	clk.Advance(30 * time.Minute)

	if n := s.Sweep(); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if s.Len() != 1 {
		t.Fatalf("tracked clients = %d, want 1", s.Len())
	}
}

type failingStore struct{}

func (failingStore) TryAcquire(context.Context, string, Rule) (bool, error) {
	return false, errors.New("connection refused")
}

func TestLimiterFailPolicy(t *testing.T) {
	if !New(failingStore{}, DefaultRule(), true, nil).Admit(context.Background(), "c") {
		t.Fatal("fail-open limiter rejected on store error")
	}
	if New(failingStore{}, DefaultRule(), false, nil).Admit(context.Background(), "c") {
		t.Fatal("fail-closed limiter admitted on store error")
	}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis, *testutil.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := newFakeClock()
	return NewRedisStore(client, clk), mr, clk
}

func TestRedisStoreWindow(t *testing.T) {
	s, _, clk := newRedisStore(t)
	l := New(s, DefaultRule(), false, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if !l.Admit(ctx, "198.51.100.7") {
			t.Fatalf("request %d rejected", i+1)
		}
	}
	if l.Admit(ctx, "198.51.100.7") {
		t.Fatal("11th request admitted inside the window")
	}
	clk.Advance(60 * time.Second)
	if !l.Admit(ctx, "198.51.100.7") {
		t.Fatal("rejected after window elapsed")
	}
}

func TestRedisStoreRuleFixedAtCreation(t *testing.T) {
	s, mr, _ := newRedisStore(t)
	ctx := context.Background()
	first := Rule{Permits: 1, Window: time.Minute, IdleTTL: time.Hour}
	second := Rule{Permits: 5, Window: time.Minute, IdleTTL: time.Hour}

	if ok, err := s.TryAcquire(ctx, "rate_limit:x", first); err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	if ok, err := s.TryAcquire(ctx, "rate_limit:x", second); err != nil || ok {
		t.Fatalf("second acquire = %v, %v; rule must not be replaced", ok, err)
	}
	if got := mr.HGet("{rate_limit:x}", "permits"); got != "1" {
		t.Fatalf("stored permits = %q, want 1", got)
	}
	if ttl := mr.TTL("{rate_limit:x}"); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("idle ttl = %s", ttl)
	}
}

func TestRedisStoreIdleExpiry(t *testing.T) {
	s, mr, _ := newRedisStore(t)
	rule := Rule{Permits: 1, Window: 24 * time.Hour, IdleTTL: time.Hour}

	mustAcquire(t, s, rule, true)
	mustAcquire(t, s, rule, false)
	mr.FastForward(time.Hour)
	if mr.Exists("{k}") {
		t.Fatal("idle bucket not reclaimed")
	}
	mustAcquire(t, s, rule, true)
}

func TestRedisStoreUnavailable(t *testing.T) {
	s, mr, _ := newRedisStore(t)
	mr.Close()
	l := New(s, DefaultRule(), false, nil)
	if l.Admit(context.Background(), "c") {
		t.Fatal("fail-closed limiter admitted with redis down")
	}
}
