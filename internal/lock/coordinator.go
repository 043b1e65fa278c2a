package lock

import (
	"context"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// Config controls how a Coordinator polls its Backend. Durations for
// individual operations are passed per call.
type Config struct {
	PollInterval    time.Duration `default:"10ms"  usage:"Initial delay between lock acquisition attempts"`
	MaxPollInterval time.Duration `default:"200ms" usage:"Upper bound of the delay between lock acquisition attempts"`
	ReleaseTimeout  time.Duration `default:"3s"    usage:"Timeout for releasing a lease after the caller context is done"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = max(c.PollInterval, 200*time.Millisecond)
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = 3 * time.Second
	}
	return c
}

var _ Locker = (*Coordinator)(nil)

// Coordinator implements Locker on top of a Backend.
type Coordinator struct {
	backend Backend
	cfg     Config
	lg      *zap.Logger
	now     func() time.Time

	failures metric.Int64Counter
	waits    metric.Float64Histogram
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator, *metric.Meter)

// WithMeterProvider records acquisition failures and wait durations.
func WithMeterProvider(mp metric.MeterProvider) CoordinatorOption {
	return func(_ *Coordinator, m *metric.Meter) {
		*m = mp.Meter("github.com/xenking/stockguard/internal/lock")
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(backend Backend, cfg Config, lg *zap.Logger, opts ...CoordinatorOption) (*Coordinator, error) {
	c := &Coordinator{
		backend: backend,
		cfg:     cfg.withDefaults(),
		lg:      lg,
		now:     time.Now,
	}
	meter := noop.NewMeterProvider().Meter("")
	for _, o := range opts {
		o(c, &meter)
	}

	var err error
	if c.failures, err = meter.Int64Counter("stockguard.lock.acquire_failures",
		metric.WithDescription("Lock acquisitions that ran out of wait time"),
	); err != nil {
		return nil, errors.Wrap(err, "failures counter")
	}
	if c.waits, err = meter.Float64Histogram("stockguard.lock.wait",
		metric.WithDescription("Time spent waiting for locks"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, errors.Wrap(err, "wait histogram")
	}
	return c, nil
}

// TryLock waits up to wait for the resource. It returns nil, nil on timeout.
func (c *Coordinator) TryLock(ctx context.Context, resource string, wait, lease time.Duration) (Handle, error) {
	key := Key(resource)
	token := uuid.NewString()
	start := c.now()
	deadline := start.Add(wait)

	for delay := c.cfg.PollInterval; ; delay = c.nextDelay(delay) {
		ok, err := c.backend.Acquire(ctx, key, token, lease)
		if err != nil {
			return nil, errors.Wrapf(err, "acquire %s", key)
		}
		if ok {
			c.observeWait(ctx, start, "single")
			c.lg.Debug("Lock acquired", zap.String("key", key))
			return &handle{c: c, resource: resource, key: key, token: token}, nil
		}
		if !c.pause(ctx, deadline, delay) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			c.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "single")))
			c.lg.Debug("Failed to acquire lock", zap.String("key", key), zap.Duration("wait", wait))
			return nil, nil
		}
	}
}

// Lock is TryLock that fails with *AcquireError on timeout.
func (c *Coordinator) Lock(ctx context.Context, resource string, wait, lease time.Duration) (Handle, error) {
	h, err := c.TryLock(ctx, resource, wait, lease)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, &AcquireError{Keys: []string{resource}}
	}
	return h, nil
}

// WithLock runs fn while holding resource. The lease is released on every exit
// path, including a panic in fn or cancellation of ctx.
func (c *Coordinator) WithLock(
	ctx context.Context,
	resource string,
	wait, lease time.Duration,
	fn func(ctx context.Context) error,
) error {
	h, err := c.Lock(ctx, resource, wait, lease)
	if err != nil {
		return err
	}
	defer c.release(ctx, h)
	return fn(ctx)
}

// TryLockAll acquires every resource or none. Resources are de-duplicated and
// taken in lexicographic order; on partial failure all held leases are dropped
// and the whole set is retried until wait elapses. It returns nil, nil on timeout.
func (c *Coordinator) TryLockAll(ctx context.Context, resources []string, wait, lease time.Duration) (MultiHandle, error) {
	sorted := canonical(resources)
	if len(sorted) == 0 {
		return &multiHandle{c: c}, nil
	}
	token := uuid.NewString()
	start := c.now()
	deadline := start.Add(wait)

	for delay := c.cfg.PollInterval; ; delay = c.nextDelay(delay) {
		held, err := c.acquireAll(ctx, sorted, token, lease)
		if err != nil {
			return nil, err
		}
		if held != nil {
			c.observeWait(ctx, start, "multi")
			c.lg.Debug("Multi-lock acquired", zap.Strings("resources", sorted))
			return held, nil
		}
		if !c.pause(ctx, deadline, delay) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			c.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "multi")))
			c.lg.Debug("Failed to acquire multi-lock", zap.Strings("resources", sorted), zap.Duration("wait", wait))
			return nil, nil
		}
	}
}

// WithLocks runs fn while holding every resource.
func (c *Coordinator) WithLocks(
	ctx context.Context,
	resources []string,
	wait, lease time.Duration,
	fn func(ctx context.Context) error,
) error {
	h, err := c.TryLockAll(ctx, resources, wait, lease)
	if err != nil {
		return err
	}
	if h == nil {
		return &AcquireError{Keys: canonical(resources)}
	}
	defer c.release(ctx, h)
	return fn(ctx)
}

// acquireAll makes one pass over sorted. It returns nil, nil when some key was
// busy; in that case nothing is held on return.
func (c *Coordinator) acquireAll(ctx context.Context, sorted []string, token string, lease time.Duration) (*multiHandle, error) {
	m := &multiHandle{c: c, token: token}
	for _, resource := range sorted {
		key := Key(resource)
		ok, err := c.backend.Acquire(ctx, key, token, lease)
		if err != nil {
			c.releaseQuiet(ctx, m)
			return nil, errors.Wrapf(err, "acquire %s", key)
		}
		if !ok {
			c.releaseQuiet(ctx, m)
			return nil, nil
		}
		m.resources = append(m.resources, resource)
	}
	return m, nil
}

type releaser interface {
	Release(ctx context.Context) error
}

// release frees h on a context that survives cancellation of the caller.
// Errors are logged; the caller's own result takes precedence.
func (c *Coordinator) release(ctx context.Context, h releaser) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ReleaseTimeout)
	defer cancel()
	if err := h.Release(rctx); err != nil {
		c.lg.Warn("Error releasing lock", zap.Error(err))
	}
}

func (c *Coordinator) releaseQuiet(ctx context.Context, m *multiHandle) {
	if len(m.resources) == 0 {
		return
	}
	c.release(ctx, m)
	m.resources = nil
}

// pause sleeps for delay capped at the deadline. It returns false when the
// deadline has passed or ctx is done.
func (c *Coordinator) pause(ctx context.Context, deadline time.Time, delay time.Duration) bool {
	remaining := deadline.Sub(c.now())
	if remaining <= 0 {
		return false
	}
	// Jitter keeps competing multi-lock callers from retrying in lockstep.
	d := delay/2 + rand.N(delay/2+1)
	d = min(d, remaining)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Coordinator) nextDelay(d time.Duration) time.Duration {
	return min(d*2, c.cfg.MaxPollInterval)
}

func (c *Coordinator) observeWait(ctx context.Context, start time.Time, kind string) {
	c.waits.Record(ctx, c.now().Sub(start).Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}

func canonical(resources []string) []string {
	out := slices.Clone(resources)
	slices.Sort(out)
	return slices.Compact(out)
}

type handle struct {
	c        *Coordinator
	resource string
	key      string
	token    string
}

func (h *handle) Resource() string { return h.resource }

func (h *handle) Held(ctx context.Context) bool {
	owner, err := h.c.backend.Owner(ctx, h.key)
	if err != nil {
		h.c.lg.Warn("Lock owner lookup failed", zap.String("key", h.key), zap.Error(err))
		return false
	}
	return owner == h.token
}

func (h *handle) Extend(ctx context.Context, lease time.Duration) error {
	ok, err := h.c.backend.Extend(ctx, h.key, h.token, lease)
	if err != nil {
		return errors.Wrapf(err, "extend %s", h.key)
	}
	if !ok {
		return errors.Wrap(ErrNotHeld, h.key)
	}
	return nil
}

func (h *handle) Release(ctx context.Context) error {
	ok, err := h.c.backend.Release(ctx, h.key, h.token)
	if err != nil {
		return errors.Wrapf(err, "release %s", h.key)
	}
	if !ok {
		return errors.Wrap(ErrNotHeld, h.key)
	}
	h.c.lg.Debug("Lock released", zap.String("key", h.key))
	return nil
}

type multiHandle struct {
	c         *Coordinator
	token     string
	resources []string
}

func (m *multiHandle) Resources() []string { return slices.Clone(m.resources) }

// Release frees every lease in reverse acquisition order. All leases are
// attempted; the first error is returned.
func (m *multiHandle) Release(ctx context.Context) error {
	var first error
	for i := len(m.resources) - 1; i >= 0; i-- {
		key := Key(m.resources[i])
		ok, err := m.c.backend.Release(ctx, key, m.token)
		switch {
		case err != nil:
			err = errors.Wrapf(err, "release %s", key)
		case !ok:
			err = errors.Wrap(ErrNotHeld, key)
		}
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}
