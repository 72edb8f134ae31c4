package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ride-dispatch/internal/models"
)

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes ride events to a topic exchange with routing keys like
// "ride-requests.accepted", so consumers can bind to the transitions they
// care about.
type AMQPSink struct {
	exchange string
	conn     *amqp.Connection

	mu sync.Mutex
	ch amqpPublisher
}

func DialAMQP(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{exchange: exchange, conn: conn, ch: ch}, nil
}

func routingKey(topic string, status models.RideStatus) string {
	return topic + "." + strings.ToLower(string(status))
}

func (a *AMQPSink) Publish(ctx context.Context, topic string, ride models.Ride) error {
	if a.conn != nil && a.conn.IsClosed() {
		return fmt.Errorf("amqp connection closed")
	}
	body, err := json.Marshal(ride)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch.PublishWithContext(ctx, a.exchange, routingKey(topic, ride.Status), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ride.ID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (a *AMQPSink) Close() error {
	if a.conn == nil || a.conn.IsClosed() {
		return nil
	}
	return a.conn.Close()
}
