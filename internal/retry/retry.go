// Package retry implements optimistic, version-checked updates with bounded
// exponential backoff.
//
// The controller never takes a lock. It only detects that a concurrent writer
// won a compare-and-set race and tries again against a fresh read.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// ErrConflict is matched by every *ConflictError.
var ErrConflict = errors.New("concurrency conflict")

// ConflictError is returned when every attempt lost a version race.
type ConflictError struct {
	Resource string
	ID       string
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s with id %q was modified by another transaction after %d attempts, please retry",
		e.Resource, e.ID, e.Attempts)
}

// Is reports whether target is ErrConflict.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Policy controls how many attempts are made and how long to wait between them.
type Policy struct {
	MaxAttempts int           `default:"3"     usage:"Optimistic update attempts before giving up"`
	Initial     time.Duration `default:"50ms"  usage:"Backoff after the first failed attempt"`
	Multiplier  float64       `default:"2"     usage:"Backoff growth factor"`
	Max         time.Duration `default:"500ms" usage:"Backoff ceiling"`
}

// DefaultPolicy is 3 attempts, 50ms doubling up to 500ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Initial:     50 * time.Millisecond,
		Multiplier:  2.0,
		Max:         500 * time.Millisecond,
	}
}

// Backoff returns the wait after failed attempt n (1-based):
// Backoff(1) = Initial, Backoff(n) = min(Backoff(n-1) * Multiplier, Max).
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := p.Initial
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.Max {
			return p.Max
		}
	}
	return min(d, p.Max)
}

// Attempt performs one read + conditional write. It returns false, nil when
// the conditional write observed a version mismatch. Any error is terminal.
type Attempt func(ctx context.Context, attempt int) (bool, error)

// Option configures a Controller.
type Option func(*Controller)

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// WithMeterProvider records conflict and exhaustion counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Controller) { c.meter = mp.Meter("github.com/xenking/stockguard/internal/retry") }
}

// Controller runs Attempts under a Policy.
type Controller struct {
	policy Policy
	lg     *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	meter  metric.Meter

	conflicts metric.Int64Counter
	exhausted metric.Int64Counter
}

// New creates a Controller. A zero MaxAttempts falls back to DefaultPolicy.
func New(policy Policy, lg *zap.Logger, opts ...Option) (*Controller, error) {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	if policy.Multiplier < 1 {
		return nil, errors.Errorf("backoff multiplier %v must be >= 1", policy.Multiplier)
	}
	c := &Controller{
		policy: policy,
		lg:     lg,
		sleep:  sleepContext,
		meter:  noop.NewMeterProvider().Meter(""),
	}
	for _, o := range opts {
		o(c)
	}

	var err error
	if c.conflicts, err = c.meter.Int64Counter("stockguard.optimistic.conflicts",
		metric.WithDescription("Version mismatches observed by optimistic updates"),
	); err != nil {
		return nil, errors.Wrap(err, "conflicts counter")
	}
	if c.exhausted, err = c.meter.Int64Counter("stockguard.optimistic.exhausted",
		metric.WithDescription("Optimistic updates that ran out of attempts"),
	); err != nil {
		return nil, errors.Wrap(err, "exhausted counter")
	}
	return c, nil
}

// Policy returns the configured policy.
func (c *Controller) Policy() Policy { return c.policy }

// Do runs attempt until it succeeds, fails, or MaxAttempts version conflicts
// have been observed. Each call of attempt must re-read the current value.
func (c *Controller) Do(ctx context.Context, resource, id string, attempt Attempt) error {
	attrs := metric.WithAttributes(attribute.String("resource", resource))
	for n := 1; n <= c.policy.MaxAttempts; n++ {
		ok, err := attempt(ctx, n)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		c.conflicts.Add(ctx, 1, attrs)
		if n == c.policy.MaxAttempts {
			break
		}
		backoff := c.policy.Backoff(n)
		c.lg.Warn("Optimistic lock conflict",
			zap.String("resource", resource),
			zap.String("id", id),
			zap.Int("attempt", n),
			zap.Int("max_attempts", c.policy.MaxAttempts),
			zap.Duration("backoff", backoff),
		)
		if err := c.sleep(ctx, backoff); err != nil {
			return errors.Wrap(err, "backoff")
		}
	}
	c.exhausted.Add(ctx, 1, attrs)
	return &ConflictError{Resource: resource, ID: id, Attempts: c.policy.MaxAttempts}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
