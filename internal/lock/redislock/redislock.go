// Package redislock implements lock.Backend on Redis.
//
// A lease is a plain string key holding the owner token with a millisecond
// TTL. Release and extend run as Lua scripts so the ownership check and the
// mutation are atomic.
package redislock

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/stockguard/internal/lock"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0
`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)
)

var _ lock.Backend = (*Backend)(nil)

// Backend stores leases in Redis.
type Backend struct {
	rdb redis.UniversalClient
}

// New returns a Backend using rdb.
func New(rdb redis.UniversalClient) *Backend {
	return &Backend{rdb: rdb}
}

func (b *Backend) Acquire(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, key, token, lease).Result()
	if err != nil {
		return false, errors.Wrapf(err, "set %s", key)
	}
	return ok, nil
}

func (b *Backend) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, b.rdb, []string{key}, token).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "release %s", key)
	}
	return n == 1, nil
}

func (b *Backend) Extend(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, b.rdb, []string{key}, token, lease.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "extend %s", key)
	}
	return n == 1, nil
}

func (b *Backend) Owner(ctx context.Context, key string) (string, error) {
	token, err := b.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "get %s", key)
	}
	return token, nil
}
