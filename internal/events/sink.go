package events

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// LogSink writes events to a logger. Used when no broker is configured.
type LogSink struct {
	lg *zap.Logger
}

func NewLogSink(lg *zap.Logger) *LogSink {
	return &LogSink{lg: lg}
}

func (s *LogSink) Publish(_ context.Context, e Event) error {
	s.lg.Info("Event",
		zap.String("type", string(e.Type())),
		zap.String("event_id", e.ID),
		zap.String("aggregate_id", e.AggregateID()),
		zap.Time("occurred_at", e.OccurredAt),
	)
	return nil
}

// MultiSink publishes to every sink concurrently and joins their failures.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, e Event) error {
	errs := make([]error, len(m))
	var wg sync.WaitGroup
	for i, s := range m {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Publish(ctx, e); err != nil {
				errs[i] = errors.Wrapf(err, "sink %d", i)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// RecordingSink keeps published events in memory.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *RecordingSink) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of everything published so far.
func (s *RecordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// OfType filters Events by type.
func (s *RecordingSink) OfType(t Type) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}
