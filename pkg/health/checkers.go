package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
	"github.com/go-zookeeper/zk"
	"github.com/redis/go-redis/v9"
)

// GoroutineCountCheck fails when more than threshold goroutines are running.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck fails when p cannot be pinged.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}

// RedisCheck fails when Redis does not answer PING.
func RedisCheck(rdb redis.UniversalClient) CheckFunc {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

// ZooKeeperCheck fails while the session is not established.
func ZooKeeperCheck(state func() zk.State) CheckFunc {
	return func(context.Context) error {
		if s := state(); s != zk.StateHasSession {
			return errors.Errorf("zookeeper session state %s", s)
		}
		return nil
	}
}
