// Package ratelimit admits or rejects client requests against a per-client
// sliding window of permits.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

const keyPrefix = "rate_limit:"

// Rule is the permit budget applied to a client. It is fixed when the
// client's bucket is first created; later callers cannot change it.
type Rule struct {
	Permits int
	Window  time.Duration
	IdleTTL time.Duration
}

// DefaultRule allows 10 requests per minute and forgets clients idle for an hour.
func DefaultRule() Rule {
	return Rule{Permits: 10, Window: 60 * time.Second, IdleTTL: time.Hour}
}

// Store is a per-key permit bucket with create-if-absent semantics.
// TryAcquire never blocks waiting for a permit.
type Store interface {
	TryAcquire(ctx context.Context, key string, rule Rule) (bool, error)
}

type Limiter struct {
	store    Store
	rule     Rule
	failOpen bool
	logger   *slog.Logger
}

// New builds a Limiter. failOpen decides what Admit returns when the store
// cannot be reached: true admits the request, false rejects it.
func New(store Store, rule Rule, failOpen bool, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, rule: rule, failOpen: failOpen, logger: logger.With("component", "ratelimit")}
}

// Admit takes one permit for clientID. It returns false immediately when the
// client has used its budget for the current window.
func (l *Limiter) Admit(ctx context.Context, clientID string) bool {
	ok, err := l.store.TryAcquire(ctx, keyPrefix+clientID, l.rule)
	if err != nil {
		observability.RateLimitDecisions.WithLabelValues("store_error").Inc()
		l.logger.Warn("rate limit store unavailable", "client", clientID, "fail_open", l.failOpen, "error", err)
		return l.failOpen
	}
	if ok {
		observability.RateLimitDecisions.WithLabelValues("admit").Inc()
	} else {
		observability.RateLimitDecisions.WithLabelValues("reject").Inc()
	}
	return ok
}
