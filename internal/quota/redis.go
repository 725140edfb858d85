package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"wedding-dispatch/internal/models"

	"github.com/redis/go-redis/v9"
)

// Counters live in one hash per tenant, channel and period with fields used,
// committed and limit.
var (
	reserveScript = redis.NewScript(`
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
local n = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
redis.call('HSET', KEYS[1], 'limit', limit)
redis.call('EXPIRE', KEYS[1], ARGV[3])
if used + n > limit then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'used', n)
return 1
`)

	releaseScript = redis.NewScript(`
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
local n = tonumber(ARGV[1])
if n > used then
  n = used
end
return redis.call('HINCRBY', KEYS[1], 'used', -n)
`)

	commitScript = redis.NewScript(`
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
local committed = tonumber(redis.call('HGET', KEYS[1], 'committed') or '0') + tonumber(ARGV[1])
if committed > used then
  committed = used
end
redis.call('HSET', KEYS[1], 'committed', committed)
return committed
`)
)

// RedisCounter keeps counters in Redis so several dispatcher processes can
// share one allowance.
type RedisCounter struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisCounter creates a Redis counter backend. Counters expire after
// retention.
func NewRedisCounter(client *redis.Client, prefix string, retention time.Duration) *RedisCounter {
	if prefix == "" {
		prefix = "quota"
	}
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &RedisCounter{client: client, prefix: prefix, retention: retention}
}

func (c *RedisCounter) key(tenantID string, ch models.Channel, period time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", c.prefix, tenantID, ch, period.UTC().Unix())
}

func (c *RedisCounter) Reserve(ctx context.Context, tenantID string, ch models.Channel, period time.Time, n, limit int) (bool, error) {
	ok, err := reserveScript.Run(ctx, c.client, []string{c.key(tenantID, ch, period)},
		n, limit, int(c.retention.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("failed to reserve quota: %w", err)
	}
	return ok == 1, nil
}

func (c *RedisCounter) Release(ctx context.Context, tenantID string, ch models.Channel, period time.Time, n int) error {
	if err := releaseScript.Run(ctx, c.client, []string{c.key(tenantID, ch, period)}, n).Err(); err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

func (c *RedisCounter) Commit(ctx context.Context, tenantID string, ch models.Channel, period time.Time, n int) error {
	if err := commitScript.Run(ctx, c.client, []string{c.key(tenantID, ch, period)}, n).Err(); err != nil {
		return fmt.Errorf("failed to commit quota: %w", err)
	}
	return nil
}

func (c *RedisCounter) Get(ctx context.Context, tenantID string, ch models.Channel, period time.Time) (models.QuotaCounter, error) {
	fields, err := c.client.HGetAll(ctx, c.key(tenantID, ch, period)).Result()
	if err != nil {
		return models.QuotaCounter{}, fmt.Errorf("failed to load quota counter: %w", err)
	}
	counter := models.QuotaCounter{TenantID: tenantID, Channel: ch, PeriodStart: period}
	counter.Used, _ = strconv.Atoi(fields["used"])
	counter.Committed, _ = strconv.Atoi(fields["committed"])
	counter.Limit, _ = strconv.Atoi(fields["limit"])
	return counter, nil
}
