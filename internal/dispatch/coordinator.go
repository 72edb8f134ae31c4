// Package dispatch owns the ride state machine. Acceptance and completion
// run under a per-ride lease so that, across every service instance, only
// one driver can win a ride.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// RideTopic is where every ride creation and status change is announced.
const RideTopic = "ride-requests"

var (
	ErrNotFound       = storage.ErrNotFound
	ErrConflict       = errors.New("ride no longer available")
	ErrContention     = errors.New("ride is busy, try again shortly")
	ErrInvalidRequest = errors.New("invalid ride request")
	ErrPayment        = errors.New("fare hold failed")
)

// FareHolder reserves a ride's fare up front and settles it on completion.
type FareHolder interface {
	// Hold authorizes the fare on paymentMethod and returns a reference
	// for Capture and Release. An empty reference means nothing was held.
	Hold(ctx context.Context, ride models.Ride, paymentMethod string) (string, error)
	Capture(ctx context.Context, ref string) error
	Release(ctx context.Context, ref string) error
}

type Config struct {
	// LockWait bounds how long Accept/Complete wait for a busy ride.
	LockWait time.Duration
	// LockHold bounds how long a lease outlives a crashed holder.
	LockHold time.Duration
}

func DefaultConfig() Config {
	return Config{LockWait: 5 * time.Second, LockHold: 10 * time.Second}
}

type Deps struct {
	Store  storage.RideStore
	Locks  lock.Locker
	Sink   notify.Sink // optional
	Fares  FareHolder  // optional
	Logger *slog.Logger
}

type Coordinator struct {
	store    storage.RideStore
	locks    lock.Locker
	sink     notify.Sink
	fares    FareHolder
	cfg      Config
	logger   *slog.Logger
	validate *validator.Validate
}

func New(d Deps, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.LockWait <= 0 {
		cfg.LockWait = def.LockWait
	}
	if cfg.LockHold <= 0 {
		cfg.LockHold = def.LockHold
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    d.Store,
		locks:    d.Locks,
		sink:     d.Sink,
		fares:    d.Fares,
		cfg:      cfg,
		logger:   logger.With("component", "dispatch"),
		validate: validator.New(),
	}
}

// CreateRide records a new REQUESTED ride for requesterID and announces it.
func (c *Coordinator) CreateRide(ctx context.Context, requesterID string, req models.CreateRideRequest) (models.Ride, error) {
	if requesterID == "" {
		return models.Ride{}, fmt.Errorf("%w: requester required", ErrInvalidRequest)
	}
	if err := c.validate.Struct(req); err != nil {
		return models.Ride{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	ride := models.Ride{
		ID:             uuid.NewString(),
		UserID:         requesterID,
		PickupLocation: req.PickupLocation,
		DropLocation:   req.DropLocation,
		PickupLat:      req.PickupLat,
		PickupLon:      req.PickupLon,
		Fare:           req.Fare,
		DistanceKm:     req.DistanceKm,
		Status:         models.StatusRequested,
	}
	if c.fares != nil {
		ref, err := c.fares.Hold(ctx, ride, req.PaymentMethod)
		if err != nil {
			observability.FareHolds.WithLabelValues("hold", "error").Inc()
			return models.Ride{}, fmt.Errorf("%w: %v", ErrPayment, err)
		}
		observability.FareHolds.WithLabelValues("hold", "ok").Inc()
		ride.PaymentRef = ref
	}

	saved, err := c.store.Save(ctx, ride)
	if err != nil {
		c.releaseHold(ctx, ride)
		return models.Ride{}, fmt.Errorf("save ride: %w", err)
	}
	observability.RidesCreated.Inc()
	c.logger.Info("ride_requested", "ride_id", saved.ID, "user_id", saved.UserID)
	c.publish(ctx, saved)
	return saved, nil
}

// ListPending returns rides still waiting for a driver, oldest first.
func (c *Coordinator) ListPending(ctx context.Context) ([]models.Ride, error) {
	return c.store.FindByStatus(ctx, models.StatusRequested)
}

// Accept assigns driverID to a REQUESTED ride. Concurrent callers for the
// same ride are serialised by the ride lease; all but the winner get
// ErrConflict, or ErrContention if they could not get the lease in time.
func (c *Coordinator) Accept(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	if rideID == "" || driverID == "" {
		return models.Ride{}, fmt.Errorf("%w: ride and driver required", ErrInvalidRequest)
	}
	ride, err := c.withRideLock(ctx, rideID, func(ctx context.Context) (models.Ride, error) {
		ride, err := c.store.FindByID(ctx, rideID)
		if err != nil {
			return models.Ride{}, err
		}
		if ride.Status != models.StatusRequested {
			return models.Ride{}, fmt.Errorf("%w: ride %s is %s", ErrConflict, rideID, ride.Status)
		}
		ride.DriverID = driverID
		ride.Status = models.StatusAccepted
		return c.store.Save(ctx, ride)
	})
	observability.RideAccepts.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		c.logger.Info("ride_accept_rejected", "ride_id", rideID, "driver_id", driverID, "error", err)
		return models.Ride{}, err
	}
	c.logger.Info("ride_accepted", "ride_id", ride.ID, "driver_id", driverID)
	c.publish(ctx, ride)
	return ride, nil
}

// Complete moves an ACCEPTED ride to COMPLETED and captures its fare hold.
// It takes the ride lease too, so an operator completing the ride at the
// same time as the driver cannot complete it twice.
func (c *Coordinator) Complete(ctx context.Context, rideID string) (models.Ride, error) {
	if rideID == "" {
		return models.Ride{}, fmt.Errorf("%w: ride required", ErrInvalidRequest)
	}
	ride, err := c.withRideLock(ctx, rideID, func(ctx context.Context) (models.Ride, error) {
		ride, err := c.store.FindByID(ctx, rideID)
		if err != nil {
			return models.Ride{}, err
		}
		if ride.Status != models.StatusAccepted {
			return models.Ride{}, fmt.Errorf("%w: cannot complete ride %s in status %s", ErrConflict, rideID, ride.Status)
		}
		ride.Status = models.StatusCompleted
		return c.store.Save(ctx, ride)
	})
	observability.RideCompletes.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		return models.Ride{}, err
	}
	c.logger.Info("ride_completed", "ride_id", ride.ID, "driver_id", ride.DriverID)
	c.captureHold(ctx, ride)
	c.publish(ctx, ride)
	return ride, nil
}

// RidesForUser lists every ride requested by userID.
func (c *Coordinator) RidesForUser(ctx context.Context, userID string) ([]models.Ride, error) {
	return c.store.FindByField(ctx, storage.FieldUserID, userID, "")
}

// RidesForUserByStatus lists userID's rides in the given status.
func (c *Coordinator) RidesForUserByStatus(ctx context.Context, userID string, status models.RideStatus) ([]models.Ride, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	return c.store.FindByField(ctx, storage.FieldUserID, userID, status)
}

// ActiveRidesForDriver lists the rides driverID has accepted but not finished.
func (c *Coordinator) ActiveRidesForDriver(ctx context.Context, driverID string) ([]models.Ride, error) {
	return c.store.FindByField(ctx, storage.FieldDriverID, driverID, models.StatusAccepted)
}

// RidesByStatus lists every ride in status, oldest first.
func (c *Coordinator) RidesByStatus(ctx context.Context, status models.RideStatus) ([]models.Ride, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	return c.store.FindByStatus(ctx, status)
}

// RidesByDistance lists rides whose trip length is within [minKm, maxKm].
func (c *Coordinator) RidesByDistance(ctx context.Context, minKm, maxKm float64) ([]models.Ride, error) {
	return c.search(c.store.FindByDistance(ctx, minKm, maxKm))
}

// RidesBetween lists rides created on any day from first to last inclusive.
// Days are calendar days in UTC.
func (c *Coordinator) RidesBetween(ctx context.Context, first, last time.Time) ([]models.Ride, error) {
	start := startOfDay(first)
	end := startOfDay(last).AddDate(0, 0, 1)
	if !end.After(start) {
		return nil, fmt.Errorf("%w: range ends before it starts", ErrInvalidRequest)
	}
	return c.search(c.store.FindByCreatedRange(ctx, start, end))
}

// RidesOn lists rides created on day.
func (c *Coordinator) RidesOn(ctx context.Context, day time.Time) ([]models.Ride, error) {
	return c.RidesBetween(ctx, day, day)
}

// RidesByFare lists every ride ordered by fare, "asc" or "desc".
func (c *Coordinator) RidesByFare(ctx context.Context, order string) ([]models.Ride, error) {
	o, err := storage.ParseSortOrder(order)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return c.store.ListByFare(ctx, o)
}

func (c *Coordinator) search(rides []models.Ride, err error) ([]models.Ride, error) {
	if errors.Is(err, storage.ErrInvalidQuery) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return rides, err
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// withRideLock runs fn while holding the ride's lease. fn's context ends
// when the lease does, so a slow store call cannot outlive the exclusion.
func (c *Coordinator) withRideLock(ctx context.Context, rideID string, fn func(ctx context.Context) (models.Ride, error)) (models.Ride, error) {
	start := time.Now()
	lease, err := c.locks.TryAcquire(ctx, lockKey(rideID), c.cfg.LockWait, c.cfg.LockHold)
	observability.LockWait.Observe(time.Since(start).Seconds())
	if errors.Is(err, lock.ErrNotAcquired) {
		return models.Ride{}, fmt.Errorf("%w: ride %s", ErrContention, rideID)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.Ride{}, fmt.Errorf("%w: ride %s: gave up waiting: %v", ErrContention, rideID, err)
	}
	if err != nil {
		return models.Ride{}, fmt.Errorf("acquire ride lock: %w", err)
	}
	defer func() {
		if err := c.locks.Release(context.WithoutCancel(ctx), lease); err != nil {
			c.logger.Warn("release ride lock failed, lease will expire", "ride_id", rideID, "error", err)
		}
	}()

	lctx, cancel := context.WithDeadline(ctx, lease.ExpiresAt)
	defer cancel()
	return fn(lctx)
}

func (c *Coordinator) publish(ctx context.Context, ride models.Ride) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Publish(ctx, RideTopic, ride); err != nil {
		c.logger.Warn("ride event not delivered", "ride_id", ride.ID, "status", ride.Status, "error", err)
	}
}

func (c *Coordinator) releaseHold(ctx context.Context, ride models.Ride) {
	if c.fares == nil || ride.PaymentRef == "" {
		return
	}
	if err := c.fares.Release(context.WithoutCancel(ctx), ride.PaymentRef); err != nil {
		observability.FareHolds.WithLabelValues("release", "error").Inc()
		c.logger.Warn("fare hold release failed", "ride_id", ride.ID, "payment_ref", ride.PaymentRef, "error", err)
		return
	}
	observability.FareHolds.WithLabelValues("release", "ok").Inc()
}

func (c *Coordinator) captureHold(ctx context.Context, ride models.Ride) {
	if c.fares == nil || ride.PaymentRef == "" {
		return
	}
	if err := c.fares.Capture(context.WithoutCancel(ctx), ride.PaymentRef); err != nil {
		// the ride stays completed; settlement is retried out of band
		observability.FareHolds.WithLabelValues("capture", "error").Inc()
		c.logger.Warn("fare capture failed", "ride_id", ride.ID, "payment_ref", ride.PaymentRef, "error", err)
		return
	}
	observability.FareHolds.WithLabelValues("capture", "ok").Inc()
}

func lockKey(rideID string) string { return "ride_lock:" + rideID }

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrContention):
		return "contention"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
