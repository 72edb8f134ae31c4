package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// LocationUpdater is the part of the grid the consumer writes to.
type LocationUpdater interface {
	UpdateLocation(ctx context.Context, driverID string, lat, lon float64) (models.DriverLocation, error)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

const maxReadBackoff = 30 * time.Second

type Consumer struct {
	reader   messageReader
	grid     LocationUpdater
	logger   *slog.Logger
	attempts int
	delay    time.Duration
}

func NewKafkaConsumer(brokers []string, topic, group string, grid LocationUpdater, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	return newConsumer(r, grid, logger)
}

func newConsumer(r messageReader, grid LocationUpdater, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:   r,
		grid:     grid,
		logger:   logger.With("component", "location_consumer"),
		attempts: 3,
		delay:    200 * time.Millisecond,
	}
}

// Run reads until ctx ends. Read errors back off exponentially up to 30s;
// a message that cannot be applied is logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxReadBackoff)
			continue
		}
		backoff = time.Second
		c.handle(ctx, m)
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var u models.LocationUpdate
	if err := json.Unmarshal(m.Value, &u); err != nil {
		observability.LocationMessages.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid location message", "offset", m.Offset, "error", err)
		return
	}
	if err := applyWithRetry(ctx, c.grid, u, c.attempts, c.delay); err != nil {
		if errors.Is(err, geo.ErrInvalidLocation) {
			observability.LocationMessages.WithLabelValues("invalid").Inc()
		} else {
			observability.LocationMessages.WithLabelValues("error").Inc()
		}
		c.logger.Warn("apply location failed", "driver_id", u.DriverID, "error", err)
		return
	}
	observability.LocationMessages.WithLabelValues("applied").Inc()
}

func (c *Consumer) Close() error { return c.reader.Close() }

// applyWithRetry doubles delay between attempts. Invalid coordinates are
// not retried.
func applyWithRetry(ctx context.Context, g LocationUpdater, u models.LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = g.UpdateLocation(ctx, u.DriverID, u.Loc.Lat, u.Loc.Lon); err == nil {
			return nil
		}
		if errors.Is(err, geo.ErrInvalidLocation) || i == attempts-1 {
			break
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
