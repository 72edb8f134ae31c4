// Package notify delivers ride events to subscribers. Delivery is
// fire-and-forget from the publisher's side and at-least-once at best.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Sink receives a ride snapshot for every creation and status change.
type Sink interface {
	Publish(ctx context.Context, topic string, ride models.Ride) error
}

// Event is the JSON envelope pushed to stream subscribers.
type Event struct {
	Topic string      `json:"topic"`
	Type  string      `json:"type"`
	Ride  models.Ride `json:"ride"`
}

func NewEvent(topic string, ride models.Ride) Event {
	return Event{Topic: topic, Type: strings.ToLower(string(ride.Status)), Ride: ride}
}

// Fanout publishes to every registered sink and reports the joined errors.
// One failing sink does not stop delivery to the others.
type Fanout struct {
	logger *slog.Logger
	sinks  []namedSink
}

type namedSink struct {
	name string
	sink Sink
}

func NewFanout(logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{logger: logger.With("component", "notify")}
}

// Add registers a sink; call before the first Publish.
func (f *Fanout) Add(name string, s Sink) {
	f.sinks = append(f.sinks, namedSink{name: name, sink: s})
}

func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Publish(ctx context.Context, topic string, ride models.Ride) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.sink.Publish(ctx, topic, ride); err != nil {
			observability.NotificationsSent.WithLabelValues(s.name, "error").Inc()
			f.logger.Warn("publish ride event failed", "sink", s.name, "topic", topic, "ride_id", ride.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		observability.NotificationsSent.WithLabelValues(s.name, "ok").Inc()
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory, in order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, topic string, ride models.Ride) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, NewEvent(topic, ride))
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
