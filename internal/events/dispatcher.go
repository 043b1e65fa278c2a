package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Dispatch(ctx context.Context, e Event)
}

var _ Publisher = (*Dispatcher)(nil)

// Dispatcher publishes events to a Sink in background goroutines.
type Dispatcher struct {
	sink    Sink
	lg      *zap.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher returns a Dispatcher. Each publication gets its own timeout.
func NewDispatcher(sink Sink, timeout time.Duration, lg *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{sink: sink, lg: lg, timeout: timeout}
}

// Dispatch schedules e for publication and returns immediately. The request
// context is not used for cancellation, only for its values.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.lg.Warn("Dispatcher closed, dropping event",
			zap.String("type", string(e.Type())),
			zap.String("event_id", e.ID),
		)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := d.sink.Publish(pubCtx, e); err != nil {
			d.lg.Error("Failed to publish event",
				zap.String("type", string(e.Type())),
				zap.String("event_id", e.ID),
				zap.String("aggregate_id", e.AggregateID()),
				zap.Error(err),
			)
		}
	}()
}

// Close stops accepting events and waits for in-flight publications.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
