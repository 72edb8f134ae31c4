//go:build cucumber

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/storage"
)

// TestAcceptFeatures executes the acceptance scenarios via godog.
func TestAcceptFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "ride-acceptance",
		ScenarioInitializer: initializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{filepath.Join("features", "accept.feature")},
			Strict:   true,
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatalf("non-zero godog status")
	}
}

func initializeScenario(sc *godog.ScenarioContext) {
	s := &scenarioState{}
	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		s.reset()
		return ctx, nil
	})

	sc.Step(`^rider "([^"]+)" has requested a ride$`, s.riderRequested)
	sc.Step(`^drivers "([^"]+)" and "([^"]+)" accept the ride at the same time$`, s.driversRace)
	sc.Step(`^the ride is ACCEPTED by one of "([^"]+)" or "([^"]+)"$`, s.acceptedByOneOf)
	sc.Step(`^the other driver is told the ride is no longer available$`, s.loserConflicted)
	sc.Step(`^the winning driver completes the ride$`, s.complete)
	sc.Step(`^the ride is completed$`, s.complete)
	sc.Step(`^the ride is COMPLETED$`, s.rideIs(models.StatusCompleted))
	sc.Step(`^the ride is still REQUESTED$`, s.rideIs(models.StatusRequested))
	sc.Step(`^completing the ride again is rejected as a conflict$`, s.completeAgainConflicts)
	sc.Step(`^the request is rejected as a conflict$`, s.lastErrIs(ErrConflict))
	sc.Step(`^the request is rejected as contention$`, s.lastErrIs(ErrContention))
	sc.Step(`^another instance holds the lock on the ride$`, s.holdLock)
	sc.Step(`^driver "([^"]+)" accepts the ride$`, s.accept)
}

type scenarioState struct {
	coord   *Coordinator
	store   *storage.MemoryStore
	locks   *lock.MemoryLocker
	ride    models.Ride
	results map[string]error
	lastErr error
}

func (s *scenarioState) reset() {
	s.store = storage.NewMemoryStore(clock.Real)
	s.locks = lock.NewMemoryLocker(clock.Real)
	s.coord = New(Deps{
		Store:  s.store,
		Locks:  s.locks,
		Sink:   &notify.Recorder{},
		Logger: logging.Discard(),
	}, Config{LockWait: 50 * time.Millisecond, LockHold: time.Second})
	s.ride = models.Ride{}
	s.results = map[string]error{}
	s.lastErr = nil
}

func (s *scenarioState) riderRequested(rider string) error {
	ride, err := s.coord.CreateRide(context.Background(), rider, models.CreateRideRequest{
		PickupLocation: "Union Square",
		DropLocation:   "Battery Park",
		PickupLat:      40.7359,
		PickupLon:      -73.9911,
		Fare:           18,
		DistanceKm:     6.2,
	})
	s.ride = ride
	return err
}

func (s *scenarioState) driversRace(a, b string) error {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	start := make(chan struct{})
	for _, d := range []string{a, b} {
		wg.Add(1)
		go func(driver string) {
			defer wg.Done()
			<-start
			_, err := s.coord.Accept(context.Background(), s.ride.ID, driver)
			mu.Lock()
			s.results[driver] = err
			mu.Unlock()
		}(d)
	}
	close(start)
	wg.Wait()
	return nil
}

func (s *scenarioState) acceptedByOneOf(a, b string) error {
	got, err := s.store.FindByID(context.Background(), s.ride.ID)
	if err != nil {
		return err
	}
	if got.Status != models.StatusAccepted {
		return fmt.Errorf("status = %s", got.Status)
	}
	if got.DriverID != a && got.DriverID != b {
		return fmt.Errorf("driver = %q", got.DriverID)
	}
	if s.results[got.DriverID] != nil {
		return fmt.Errorf("stored winner %s saw error %v", got.DriverID, s.results[got.DriverID])
	}
	return nil
}

func (s *scenarioState) loserConflicted() error {
	conflicts := 0
	for _, err := range s.results {
		if errors.Is(err, ErrConflict) {
			conflicts++
		}
	}
	if conflicts != 1 {
		return fmt.Errorf("results = %v, want exactly one conflict", s.results)
	}
	return nil
}

func (s *scenarioState) complete() error {
	_, s.lastErr = s.coord.Complete(context.Background(), s.ride.ID)
	if errors.Is(s.lastErr, ErrConflict) {
		return nil
	}
	return s.lastErr
}

func (s *scenarioState) completeAgainConflicts() error {
	if _, err := s.coord.Complete(context.Background(), s.ride.ID); !errors.Is(err, ErrConflict) {
		return fmt.Errorf("err = %v, want conflict", err)
	}
	return nil
}

func (s *scenarioState) accept(driver string) error {
	_, s.lastErr = s.coord.Accept(context.Background(), s.ride.ID, driver)
	return nil
}

func (s *scenarioState) holdLock() error {
	_, err := s.locks.TryAcquire(context.Background(), lockKey(s.ride.ID), 0, time.Minute)
	return err
}

func (s *scenarioState) rideIs(want models.RideStatus) func() error {
	return func() error {
		got, err := s.store.FindByID(context.Background(), s.ride.ID)
		if err != nil {
			return err
		}
		if got.Status != want || !got.Consistent() {
			return fmt.Errorf("ride = %+v, want %s", got, want)
		}
		return nil
	}
}

func (s *scenarioState) lastErrIs(want error) func() error {
	return func() error {
		if !errors.Is(s.lastErr, want) {
			return fmt.Errorf("err = %v, want %v", s.lastErr, want)
		}
		return nil
	}
}
