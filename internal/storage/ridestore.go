package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound     = errors.New("ride not found")
	ErrUnavailable  = errors.New("ride store unavailable")
	ErrUnknownField = errors.New("unknown ride field")
	ErrInvalidQuery = errors.New("invalid ride query")
)

// Field names a ride attribute that can be used as a lookup key.
type Field string

const (
	FieldUserID   Field = "userId"
	FieldDriverID Field = "driverId"
)

func ParseField(s string) (Field, error) {
	switch Field(s) {
	case FieldUserID, FieldDriverID:
		return Field(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownField, s)
}

// SortOrder orders fare listings.
type SortOrder string

const (
	Ascending  SortOrder = "asc"
	Descending SortOrder = "desc"
)

func ParseSortOrder(s string) (SortOrder, error) {
	switch o := SortOrder(strings.ToLower(s)); o {
	case Ascending, Descending:
		return o, nil
	}
	return "", fmt.Errorf("%w: sort order %q", ErrInvalidQuery, s)
}

// RideStore persists rides. Reads must observe every completed Save
// (read-after-write), since acceptance re-reads a ride under its lock.
type RideStore interface {
	// Save inserts or replaces r, assigning an ID when r has none, and
	// returns the stored copy.
	Save(ctx context.Context, r models.Ride) (models.Ride, error)
	FindByID(ctx context.Context, id string) (models.Ride, error)
	FindByStatus(ctx context.Context, status models.RideStatus) ([]models.Ride, error)
	// FindByField returns rides whose field equals value, restricted to
	// status unless status is empty.
	FindByField(ctx context.Context, field Field, value string, status models.RideStatus) ([]models.Ride, error)
	// FindByDistance returns rides with minKm <= DistanceKm <= maxKm.
	FindByDistance(ctx context.Context, minKm, maxKm float64) ([]models.Ride, error)
	// FindByCreatedRange returns rides created in [start, end).
	FindByCreatedRange(ctx context.Context, start, end time.Time) ([]models.Ride, error)
	// ListByFare returns every ride ordered by fare, ties broken by creation.
	ListByFare(ctx context.Context, order SortOrder) ([]models.Ride, error)
}

func checkDistance(minKm, maxKm float64) error {
	if minKm < 0 || maxKm < minKm {
		return fmt.Errorf("%w: distance range [%v, %v]", ErrInvalidQuery, minKm, maxKm)
	}
	return nil
}

func checkRange(start, end time.Time) error {
	if !end.After(start) {
		return fmt.Errorf("%w: empty time range", ErrInvalidQuery)
	}
	return nil
}

// prepare fills the fields every store assigns on save.
func prepare(r models.Ride, now time.Time) models.Ride {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return r
}

type MemoryStore struct {
	clock clock.Clock

	mu    sync.RWMutex
	rides map[string]models.Ride
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	return &MemoryStore{clock: clock.OrReal(c), rides: make(map[string]models.Ride)}
}

func (m *MemoryStore) Save(_ context.Context, r models.Ride) (models.Ride, error) {
	r = prepare(r, m.clock.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r
	return r, nil
}

func (m *MemoryStore) FindByID(_ context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) FindByStatus(_ context.Context, status models.RideStatus) ([]models.Ride, error) {
	return m.filter(func(r models.Ride) bool { return r.Status == status }), nil
}

func (m *MemoryStore) FindByField(_ context.Context, field Field, value string, status models.RideStatus) ([]models.Ride, error) {
	var get func(models.Ride) string
	switch field {
	case FieldUserID:
		get = func(r models.Ride) string { return r.UserID }
	case FieldDriverID:
		get = func(r models.Ride) string { return r.DriverID }
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return m.filter(func(r models.Ride) bool {
		return get(r) == value && (status == "" || r.Status == status)
	}), nil
}

func (m *MemoryStore) FindByDistance(_ context.Context, minKm, maxKm float64) ([]models.Ride, error) {
	if err := checkDistance(minKm, maxKm); err != nil {
		return nil, err
	}
	return m.filter(func(r models.Ride) bool { return r.DistanceKm >= minKm && r.DistanceKm <= maxKm }), nil
}

func (m *MemoryStore) FindByCreatedRange(_ context.Context, start, end time.Time) ([]models.Ride, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	return m.filter(func(r models.Ride) bool {
		return !r.CreatedAt.Before(start) && r.CreatedAt.Before(end)
	}), nil
}

func (m *MemoryStore) ListByFare(_ context.Context, order SortOrder) ([]models.Ride, error) {
	order, err := ParseSortOrder(string(order))
	if err != nil {
		return nil, err
	}
	out := m.filter(func(models.Ride) bool { return true })
	sort.SliceStable(out, func(i, j int) bool {
		if order == Descending {
			return out[i].Fare > out[j].Fare
		}
		return out[i].Fare < out[j].Fare
	})
	return out, nil
}

func (m *MemoryStore) filter(keep func(models.Ride) bool) []models.Ride {
	m.mu.RLock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if keep(r) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sortRides(out)
	return out
}

func sortRides(rs []models.Ride) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
