package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker holds leases as Redis keys set with NX and a PX expiry, so
// every service instance sharing the Redis sees the same holder.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client, prefix: "lock:"}
}

func (r *RedisLocker) TryAcquire(ctx context.Context, key string, wait, hold time.Duration) (Lease, error) {
	token := uuid.NewString()
	var expires time.Time
	err := retry(ctx, wait, func() (bool, error) {
		// taken before the round trip so the lease never outlives the key
		sent := time.Now()
		ok, err := r.client.SetNX(ctx, r.prefix+key, token, hold).Result()
		if err != nil {
			return false, fmt.Errorf("%w: acquire %s: %w", ErrUnavailable, key, err)
		}
		if ok {
			expires = sent.Add(hold)
		}
		return ok, nil
	})
	if err != nil {
		return Lease{}, err
	}
	return Lease{Key: key, Token: token, ExpiresAt: expires}, nil
}

func (r *RedisLocker) Release(ctx context.Context, lease Lease) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + lease.Key}, lease.Token).Err(); err != nil {
		return fmt.Errorf("%w: release %s: %w", ErrUnavailable, lease.Key, err)
	}
	return nil
}
