package httpmiddleware

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

var _ Limiter = (*RedisLimiter)(nil)

// RedisLimiter is a fixed-window Limiter shared by every instance using the
// same Redis.
type RedisLimiter struct {
	rdb    redis.UniversalClient
	prefix string
	max    int
	period time.Duration
}

// NewRedisLimiter allows limit requests per period and key.
func NewRedisLimiter(rdb redis.UniversalClient, limit int, period time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, prefix: "ratelimit:", max: limit, period: period}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	start := now.Truncate(l.period)
	k := l.prefix + key + ":" + strconv.FormatInt(start.UnixMilli(), 10)

	var incr *redis.IntCmd
	if _, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.PExpire(ctx, k, l.period)
		return nil
	}); err != nil {
		return Decision{}, errors.Wrap(err, "incr window")
	}

	count := int(incr.Val())
	return Decision{
		Allowed:   count <= l.max,
		Limit:     l.max,
		Remaining: max(l.max-count, 0),
		ResetAt:   start.Add(l.period),
	}, nil
}
