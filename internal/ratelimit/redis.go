package ratelimit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/clock"
)

// acquireScript creates the rule if absent, drops permits older than the
// window, takes a permit when one is free and refreshes the idle expiry.
// KEYS[1] rule hash, KEYS[2] permit log (zset scored by acquisition ms).
// ARGV: permits, window ms, now ms, idle ttl ms, permit id.
var acquireScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'permits', ARGV[1])
redis.call('HSETNX', KEYS[1], 'window', ARGV[2])
local permits = tonumber(redis.call('HGET', KEYS[1], 'permits'))
local window = tonumber(redis.call('HGET', KEYS[1], 'window'))
local now = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', now - window)
local allowed = 0
if redis.call('ZCARD', KEYS[2]) < permits then
	redis.call('ZADD', KEYS[2], now, ARGV[5])
	allowed = 1
end
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return allowed
`)

// RedisStore shares buckets between instances through Redis. The whole
// check-and-take runs as one script so concurrent first requests from a
// client cannot create two rules or double-spend a permit.
type RedisStore struct {
	client redis.UniversalClient
	clock  clock.Clock
}

func NewRedisStore(client redis.UniversalClient, c clock.Clock) *RedisStore {
	return &RedisStore{client: client, clock: clock.OrReal(c)}
}

func (s *RedisStore) TryAcquire(ctx context.Context, key string, rule Rule) (bool, error) {
	// hash tag keeps both keys on one cluster slot
	ruleKey := "{" + key + "}"
	logKey := ruleKey + ":permits"
	now := s.clock.Now().UnixMilli()
	res, err := acquireScript.Run(ctx, s.client, []string{ruleKey, logKey},
		rule.Permits, rule.Window.Milliseconds(), now, rule.IdleTTL.Milliseconds(), uuid.NewString()).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	return res == 1, nil
}
