// README: Redis cache of planned routes keyed by rounded origin/destination.
package route

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"coursier/internal/logging"
	"coursier/internal/types"
)

const cacheKeyPrefix = "route:"

type RedisCache struct {
	redis *redis.Client
	ttl   time.Duration
	log   *slog.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, log *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisCache{redis: client, ttl: ttl, log: logging.OrNop(log)}
}

// cacheKey rounds to 4 decimals (~11 m) so jittery fixes share an entry.
func cacheKey(origin, destination types.Point) string {
	return fmt.Sprintf("%s%.4f,%.4f:%.4f,%.4f", cacheKeyPrefix,
		origin.Lat, origin.Lng, destination.Lat, destination.Lng)
}

func (c *RedisCache) Get(ctx context.Context, origin, destination types.Point) (*Route, bool) {
	raw, err := c.redis.Get(ctx, cacheKey(origin, destination)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("route cache read", "error", err)
		}
		return nil, false
	}
	var r Route
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false
	}
	// Cached geometry was anchored to the first caller's exact points.
	r.Coordinates = AnchorEndpoints(r.Coordinates, &origin, &destination)
	return &r, true
}

func (c *RedisCache) Set(ctx context.Context, origin, destination types.Point, r *Route) {
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, cacheKey(origin, destination), raw, c.ttl).Err(); err != nil {
		c.log.Warn("route cache write", "error", err)
	}
}
