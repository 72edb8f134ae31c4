package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink appends ride events to a Kafka topic keyed by ride id, so every
// event of one ride lands on the same partition in order.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink builds an async writer: Publish returns once the message is
// queued and delivery failures are only logged.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "kafka_sink")
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Warn("kafka delivery failed", "messages", len(msgs), "error", err)
			}
		},
	}
	return &KafkaSink{writer: w}
}

func (k *KafkaSink) Publish(ctx context.Context, topic string, ride models.Ride) error {
	b, err := json.Marshal(ride)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ride.ID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "topic", Value: []byte(topic)},
			{Key: "type", Value: []byte(strings.ToLower(string(ride.Status)))},
		},
	})
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
