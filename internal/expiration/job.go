// Package expiration cancels orders that stayed PENDING for too long.
//
// Several instances may run the job; a named lock makes sure only one of
// them sweeps at a time. The lease is kept for at least LockAtLeast so that
// instances with skewed tickers do not sweep right after each other.
package expiration

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/stockguard/internal/domain/order"
	"github.com/xenking/stockguard/internal/lock"
)

// LockName is the resource guarding a sweep.
const LockName = "order-expiration-check"

// Config controls the sweep schedule.
type Config struct {
	Enabled     bool          `default:"true" usage:"Cancel stale pending orders periodically"`
	Interval    time.Duration `default:"1h"   usage:"Time between sweeps"`
	PendingTTL  time.Duration `default:"24h"  usage:"Age after which a pending order is cancelled"`
	BatchSize   int           `default:"100"  usage:"Orders listed per batch"`
	LockAtMost  time.Duration `default:"30m"  usage:"Lease of the sweep lock"`
	LockAtLeast time.Duration `default:"5m"   usage:"Minimum time the sweep lock stays held"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Interval:    time.Hour,
		PendingTTL:  24 * time.Hour,
		BatchSize:   100,
		LockAtMost:  30 * time.Minute,
		LockAtLeast: 5 * time.Minute,
	}
}

// Lister finds stale orders.
type Lister interface {
	ListByStatusBefore(ctx context.Context, status order.Status, before time.Time, limit int) ([]order.Order, error)
}

// Canceller cancels one order, restoring its stock when needed.
type Canceller interface {
	Cancel(ctx context.Context, id string) (*order.Order, error)
}

// Result summarises one sweep.
type Result struct {
	Skipped   bool
	Cancelled int
	Failed    int
}

// Job periodically cancels expired pending orders.
type Job struct {
	orders    Lister
	canceller Canceller
	locks     lock.Locker
	cfg       Config
	lg        *zap.Logger
	now       func() time.Time

	cancelled metric.Int64Counter
	failed    metric.Int64Counter
	duration  metric.Float64Histogram
}

// Option configures a Job.
type Option func(*Job, *metric.Meter)

// WithMeterProvider records sweep counters and durations.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(_ *Job, m *metric.Meter) {
		*m = mp.Meter("github.com/xenking/stockguard/internal/expiration")
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(j *Job, _ *metric.Meter) { j.now = now }
}

// New creates a Job.
func New(orders Lister, canceller Canceller, locks lock.Locker, cfg Config, lg *zap.Logger, opts ...Option) (*Job, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", cfg.BatchSize)
	}
	j := &Job{
		orders:    orders,
		canceller: canceller,
		locks:     locks,
		cfg:       cfg,
		lg:        lg,
		now:       time.Now,
	}
	meter := noop.NewMeterProvider().Meter("")
	for _, o := range opts {
		o(j, &meter)
	}

	var err error
	if j.cancelled, err = meter.Int64Counter("stockguard.expiration.cancelled",
		metric.WithDescription("Pending orders cancelled by the expiration job"),
	); err != nil {
		return nil, errors.Wrap(err, "cancelled counter")
	}
	if j.failed, err = meter.Int64Counter("stockguard.expiration.errors",
		metric.WithDescription("Expired orders that could not be cancelled"),
	); err != nil {
		return nil, errors.Wrap(err, "errors counter")
	}
	if j.duration, err = meter.Float64Histogram("stockguard.expiration.duration",
		metric.WithDescription("Duration of an expiration sweep"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, errors.Wrap(err, "duration histogram")
	}
	return j, nil
}

// Run sweeps every Interval until ctx is done.
func (j *Job) Run(ctx context.Context) error {
	if !j.cfg.Enabled {
		j.lg.Info("Order expiration disabled")
		return nil
	}
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
				j.lg.Error("Order expiration sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single sweep. It reports Skipped when another instance
// holds the sweep lock.
func (j *Job) RunOnce(ctx context.Context) (Result, error) {
	h, err := j.locks.TryLock(ctx, LockName, 0, j.cfg.LockAtMost)
	if err != nil {
		return Result{}, errors.Wrap(err, "sweep lock")
	}
	if h == nil {
		j.lg.Debug("Order expiration already running elsewhere")
		return Result{Skipped: true}, nil
	}

	start := j.now()
	defer func() {
		j.duration.Record(ctx, j.now().Sub(start).Seconds())
		j.releaseSweepLock(context.WithoutCancel(ctx), h, start)
	}()

	threshold := start.Add(-j.cfg.PendingTTL)
	j.lg.Info("Starting order expiration check",
		zap.Duration("pending_ttl", j.cfg.PendingTTL),
		zap.Int("batch_size", j.cfg.BatchSize),
	)

	var res Result
	seen := make(map[string]struct{})
	for {
		// Failed orders stay PENDING and keep their place at the head of the
		// listing, so widen the page past them.
		limit := j.cfg.BatchSize + res.Failed
		batch, err := j.orders.ListByStatusBefore(ctx, order.StatusPending, threshold, limit)
		if err != nil {
			return res, errors.Wrap(err, "list expired orders")
		}

		progress := false
		for _, o := range batch {
			if _, ok := seen[o.ID]; ok {
				continue
			}
			seen[o.ID] = struct{}{}
			progress = true

			if err := ctx.Err(); err != nil {
				return res, err
			}
			if _, err := j.canceller.Cancel(ctx, o.ID); err != nil {
				res.Failed++
				j.failed.Add(ctx, 1)
				j.lg.Error("Failed to cancel expired order", zap.String("order_id", o.ID), zap.Error(err))
				continue
			}
			res.Cancelled++
			j.cancelled.Add(ctx, 1)
			j.lg.Info("Cancelled expired order",
				zap.String("order_id", o.ID),
				zap.Time("created_at", o.CreatedAt),
			)
		}

		// Cancelled orders leave the PENDING listing, so the next query returns
		// the following batch. Failed ones stay and are skipped via seen.
		if len(batch) < limit || !progress {
			break
		}
	}

	j.lg.Info("Order expiration check completed",
		zap.Int("cancelled", res.Cancelled),
		zap.Int("errors", res.Failed),
	)
	return res, nil
}

func (j *Job) releaseSweepLock(ctx context.Context, h lock.Handle, start time.Time) {
	if rest := j.cfg.LockAtLeast - j.now().Sub(start); rest > 0 {
		if err := h.Extend(ctx, rest); err != nil {
			j.lg.Warn("Failed to shorten sweep lock", zap.Error(err))
		}
		return
	}
	if err := h.Release(ctx); err != nil {
		j.lg.Warn("Failed to release sweep lock", zap.Error(err))
	}
}
