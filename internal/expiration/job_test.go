package expiration_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/stockguard/internal/domain/order"
	"github.com/xenking/stockguard/internal/domain/product"
	"github.com/xenking/stockguard/internal/events"
	"github.com/xenking/stockguard/internal/expiration"
	"github.com/xenking/stockguard/internal/lock"
	"github.com/xenking/stockguard/internal/storage/memory"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// repoCanceller cancels straight through the repository and fails for selected IDs.
type repoCanceller struct {
	orders *memory.OrderRepository
	mu     sync.Mutex
	fail   map[string]bool
	calls  []string
}

func (c *repoCanceller) Cancel(ctx context.Context, id string) (*order.Order, error) {
	c.mu.Lock()
	c.calls = append(c.calls, id)
	fail := c.fail[id]
	c.mu.Unlock()
	if fail {
		return nil, errors.New("boom")
	}
	o, err := c.orders.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := o.Cancel(baseTime)
	if err != nil {
		return nil, err
	}
	return c.orders.Save(ctx, next)
}

func newLocks(t *testing.T) *lock.Coordinator {
	t.Helper()
	c, err := lock.NewCoordinator(lock.NewMemoryBackend(), lock.Config{
		PollInterval:    time.Millisecond,
		MaxPollInterval: 2 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func testConfig() expiration.Config {
	cfg := expiration.DefaultConfig()
	cfg.LockAtLeast = 0
	return cfg
}

func seedPending(t *testing.T, repo *memory.OrderRepository, id string, createdAt time.Time) {
	t.Helper()
	o, err := order.New(id, "user-1", []order.Item{
		{ProductID: "p1", ProductName: "Widget", Quantity: 1, UnitPrice: decimal.NewFromInt(5)},
	}, createdAt)
	require.NoError(t, err)
	_, err = repo.Create(context.Background(), o)
	require.NoError(t, err)
}

func statusOf(t *testing.T, repo *memory.OrderRepository, id string) order.Status {
	t.Helper()
	o, err := repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func TestRunOnce_CancelsOnlyExpiredPending(t *testing.T) {
	ctx := context.Background()
	lg := zap.NewNop()

	products := memory.NewProductRepository()
	orders := memory.NewOrderRepository()
	p, err := product.New("p1", "SKU-1", "Widget", "", decimal.NewFromInt(5), 10, baseTime)
	require.NoError(t, err)
	_, err = products.Create(ctx, p)
	require.NoError(t, err)

	locks := newLocks(t)
	disp := events.NewDispatcher(&events.RecordingSink{}, 0, lg)
	t.Cleanup(disp.Close)

	clock := baseTime.Add(-48 * time.Hour)
	svc := order.NewService(orders, products, locks, disp, order.DefaultConfig(), lg,
		order.WithClock(func() time.Time { return clock }),
	)
	cmd := order.CreateCommand{UserID: "user-1", Items: []order.ItemRequest{{ProductID: "p1", Quantity: 2}}}

	stale, err := svc.Create(ctx, cmd)
	require.NoError(t, err)
	staleConfirmed, err := svc.Create(ctx, cmd)
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, staleConfirmed.ID)
	require.NoError(t, err)

	clock = baseTime.Add(-time.Hour)
	fresh, err := svc.Create(ctx, cmd)
	require.NoError(t, err)

	job, err := expiration.New(orders, svc, locks, testConfig(), lg,
		expiration.WithClock(func() time.Time { return baseTime }),
	)
	require.NoError(t, err)

	res, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, expiration.Result{Cancelled: 1}, res)

	assert.Equal(t, order.StatusCancelled, statusOf(t, orders, stale.ID))
	assert.Equal(t, order.StatusConfirmed, statusOf(t, orders, staleConfirmed.ID))
	assert.Equal(t, order.StatusPending, statusOf(t, orders, fresh.ID))

	// Only the confirmed order's reservation remains.
	got, err := products.FindByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 8, got.Stock)
}

func TestRunOnce_SkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	orders := memory.NewOrderRepository()
	seedPending(t, orders, "o1", baseTime.Add(-48*time.Hour))

	locks := newLocks(t)
	h, err := locks.Lock(ctx, expiration.LockName, 0, time.Minute)
	require.NoError(t, err)
	defer func() { _ = h.Release(ctx) }()

	canceller := &repoCanceller{orders: orders}
	job, err := expiration.New(orders, canceller, locks, testConfig(), zap.NewNop(),
		expiration.WithClock(func() time.Time { return baseTime }),
	)
	require.NoError(t, err)

	res, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, canceller.calls)
	assert.Equal(t, order.StatusPending, statusOf(t, orders, "o1"))
}

func TestRunOnce_CountsFailuresAndPagesThroughBatches(t *testing.T) {
	ctx := context.Background()
	orders := memory.NewOrderRepository()
	for i := range 5 {
		seedPending(t, orders, fmt.Sprintf("o%d", i), baseTime.Add(-48*time.Hour+time.Duration(i)*time.Minute))
	}

	canceller := &repoCanceller{orders: orders, fail: map[string]bool{"o0": true}}
	cfg := testConfig()
	cfg.BatchSize = 2
	job, err := expiration.New(orders, canceller, newLocks(t), cfg, zap.NewNop(),
		expiration.WithClock(func() time.Time { return baseTime }),
	)
	require.NoError(t, err)

	res, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, expiration.Result{Cancelled: 4, Failed: 1}, res)
	assert.Equal(t, []string{"o0", "o1", "o2", "o3", "o4"}, canceller.calls)
	assert.Equal(t, order.StatusPending, statusOf(t, orders, "o0"))
}

func TestRunOnce_ReachesOrdersBehindFullBatchOfFailures(t *testing.T) {
	ctx := context.Background()
	orders := memory.NewOrderRepository()
	for i := range 5 {
		seedPending(t, orders, fmt.Sprintf("o%d", i), baseTime.Add(-48*time.Hour+time.Duration(i)*time.Minute))
	}

	canceller := &repoCanceller{orders: orders, fail: map[string]bool{"o0": true, "o1": true, "o3": true}}
	cfg := testConfig()
	cfg.BatchSize = 2
	job, err := expiration.New(orders, canceller, newLocks(t), cfg, zap.NewNop(),
		expiration.WithClock(func() time.Time { return baseTime }),
	)
	require.NoError(t, err)

	res, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, expiration.Result{Cancelled: 2, Failed: 3}, res)
	assert.Equal(t, []string{"o0", "o1", "o2", "o3", "o4"}, canceller.calls)
	for id, want := range map[string]order.Status{
		"o0": order.StatusPending,
		"o1": order.StatusPending,
		"o2": order.StatusCancelled,
		"o3": order.StatusPending,
		"o4": order.StatusCancelled,
	} {
		assert.Equal(t, want, statusOf(t, orders, id), id)
	}
}

func TestRunOnce_HoldsLockForMinimumDuration(t *testing.T) {
	ctx := context.Background()
	orders := memory.NewOrderRepository()
	locks := newLocks(t)
	canceller := &repoCanceller{orders: orders}

	cfg := testConfig()
	cfg.LockAtLeast = time.Hour
	job, err := expiration.New(orders, canceller, locks, cfg, zap.NewNop())
	require.NoError(t, err)

	res, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	res, err = job.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	cfg.LockAtLeast = 0
	other, err := expiration.New(orders, canceller, newLocks(t), cfg, zap.NewNop())
	require.NoError(t, err)
	for range 2 {
		res, err = other.RunOnce(ctx)
		require.NoError(t, err)
		assert.False(t, res.Skipped)
	}
}

func TestRun(t *testing.T) {
	orders := memory.NewOrderRepository()
	canceller := &repoCanceller{orders: orders}

	t.Run("Disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.Enabled = false
		job, err := expiration.New(orders, canceller, newLocks(t), cfg, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, job.Run(context.Background()))
	})
	t.Run("StopsOnCancel", func(t *testing.T) {
		cfg := testConfig()
		cfg.Interval = time.Millisecond
		seedPending(t, orders, "old", time.Now().Add(-48*time.Hour))

		job, err := expiration.New(orders, canceller, newLocks(t), cfg, zap.NewNop())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- job.Run(ctx) }()

		require.Eventually(t, func() bool {
			return statusOf(t, orders, "old") == order.StatusCancelled
		}, 2*time.Second, 5*time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not stop")
		}
	})
}

func TestNew_InvalidBatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 0
	_, err := expiration.New(memory.NewOrderRepository(), &repoCanceller{}, newLocks(t), cfg, zap.NewNop())
	require.Error(t, err)
}
