package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/models"
)

// RedisStore keeps each cell as a sorted set of driver ids scored by the
// membership's expiry (unix ms), so one driver's TTL does not depend on
// other drivers refreshing the same cell. The cell key itself also expires
// once its newest member would have.
type RedisStore struct {
	client redis.UniversalClient
	clock  clock.Clock
}

func NewRedisStore(client redis.UniversalClient, c clock.Clock) *RedisStore {
	return &RedisStore{client: client, clock: clock.OrReal(c)}
}

func (r *RedisStore) Put(ctx context.Context, loc models.DriverLocation, ttl time.Duration) (models.DriverLocation, bool, error) {
	now := r.clock.Now()
	exp := now.Add(ttl).UnixMilli()
	cell := cellKey(loc.Cell)
	lk := locKey(loc.DriverID)

	pipe := r.client.TxPipeline()
	prev := pipe.HGetAll(ctx, lk)
	pipe.ZRemRangeByScore(ctx, cell, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
	pipe.ZAdd(ctx, cell, redis.Z{Score: float64(exp), Member: loc.DriverID})
	pipe.PExpire(ctx, cell, ttl)
	pipe.HSet(ctx, lk, map[string]interface{}{
		"cell":    loc.Cell,
		"lat":     strconv.FormatFloat(loc.Loc.Lat, 'f', -1, 64),
		"lon":     strconv.FormatFloat(loc.Loc.Lon, 'f', -1, 64),
		"updated": loc.Updated.UTC().Format(time.RFC3339Nano),
	})
	pipe.PExpire(ctx, lk, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.DriverLocation{}, false, err
	}
	p, ok := parseLocation(loc.DriverID, prev.Val())
	return p, ok, nil
}

func (r *RedisStore) Remove(ctx context.Context, cell, driverID string) error {
	return r.client.ZRem(ctx, cellKey(cell), driverID).Err()
}

func (r *RedisStore) Members(ctx context.Context, cell string) ([]string, error) {
	live := "(" + strconv.FormatInt(r.clock.Now().UnixMilli(), 10)
	return r.client.ZRangeByScore(ctx, cellKey(cell), &redis.ZRangeBy{Min: live, Max: "+inf"}).Result()
}

func (r *RedisStore) Location(ctx context.Context, driverID string) (models.DriverLocation, bool, error) {
	m, err := r.client.HGetAll(ctx, locKey(driverID)).Result()
	if err != nil {
		return models.DriverLocation{}, false, err
	}
	loc, ok := parseLocation(driverID, m)
	return loc, ok, nil
}

func parseLocation(driverID string, m map[string]string) (models.DriverLocation, bool) {
	if len(m) == 0 {
		return models.DriverLocation{}, false
	}
	loc := models.DriverLocation{DriverID: driverID, Cell: m["cell"]}
	if v, err := strconv.ParseFloat(m["lat"], 64); err == nil {
		loc.Loc.Lat = v
	}
	if v, err := strconv.ParseFloat(m["lon"], 64); err == nil {
		loc.Loc.Lon = v
	}
	if t, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
		loc.Updated = t
	}
	return loc, loc.Cell != ""
}

func cellKey(cell string) string { return "grid:" + cell }
func locKey(driverID string) string { return "driver:loc:" + driverID }
