package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka event sink.
type KafkaConfig struct {
	Brokers      []string      `usage:"Kafka broker addresses; events are only logged when empty"`
	Topic        string        `default:"stockguard.events" usage:"Topic for domain events"`
	BatchTimeout time.Duration `default:"10ms" usage:"Producer batch flush interval"`
}

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON messages keyed by aggregate ID, so all
// events of one product or order land on the same partition in order.
type KafkaSink struct {
	w MessageWriter
}

// NewKafkaWriter builds a synchronous hash-balanced writer.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: cfg.BatchTimeout,
	}
}

func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{w: w}
}

func (s *KafkaSink) Publish(ctx context.Context, e Event) error {
	var enc jx.Encoder
	e.Encode(&enc)

	msg := kafka.Message{
		Key:   []byte(e.AggregateID()),
		Value: enc.Bytes(),
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type())},
			{Key: "event_id", Value: []byte(e.ID)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "write %s", e.Type())
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.w.Close()
}
