// README: Redis read cache for commission account views.
package commission

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"coursier/internal/logging"
	"coursier/internal/types"
)

const balanceKeyPrefix = "commission:balance:"

type RedisCache struct {
	redis *redis.Client
	ttl   time.Duration
	log   *slog.Logger
}

var _ BalanceCache = (*RedisCache)(nil)

func NewRedisCache(client *redis.Client, ttl time.Duration, log *slog.Logger) *RedisCache {
	return &RedisCache{redis: client, ttl: ttl, log: logging.OrNop(log)}
}

// cachedAccount is the JSON shape stored in Redis.
type cachedAccount struct {
	DriverID       string          `json:"driver_id"`
	Balance        int64           `json:"balance"`
	MinimumBalance int64           `json:"minimum_balance"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	IsSuspended    bool            `json:"is_suspended"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (c *RedisCache) Get(ctx context.Context, driverID types.ID) (*Account, bool) {
	raw, err := c.redis.Get(ctx, balanceKeyPrefix+string(driverID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("balance cache read failed", "driver_id", driverID, "error", err)
		}
		return nil, false
	}
	var v cachedAccount
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return &Account{
		DriverID:       types.ID(v.DriverID),
		Balance:        v.Balance,
		MinimumBalance: v.MinimumBalance,
		CommissionRate: v.CommissionRate,
		IsSuspended:    v.IsSuspended,
		UpdatedAt:      v.UpdatedAt,
	}, true
}

func (c *RedisCache) Set(ctx context.Context, a *Account) {
	raw, err := json.Marshal(cachedAccount{
		DriverID:       string(a.DriverID),
		Balance:        a.Balance,
		MinimumBalance: a.MinimumBalance,
		CommissionRate: a.CommissionRate,
		IsSuspended:    a.IsSuspended,
		UpdatedAt:      a.UpdatedAt,
	})
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, balanceKeyPrefix+string(a.DriverID), raw, c.ttl).Err(); err != nil {
		c.log.Warn("balance cache write failed", "driver_id", a.DriverID, "error", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, driverID types.ID) {
	if err := c.redis.Del(ctx, balanceKeyPrefix+string(driverID)).Err(); err != nil {
		c.log.Warn("balance cache invalidate failed", "driver_id", driverID, "error", err)
	}
}
