// Package geo buckets driver positions into fixed-size lat/lon cells and
// answers "who is in this cell" queries in O(1) of the number of cells.
package geo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	ErrInvalidLocation = errors.New("invalid location")
	ErrUnknownDriver   = errors.New("driver location unknown")
	ErrUnavailable     = errors.New("grid store unavailable")
)

// Rounding selects how a coordinate is mapped to a cell index.
type Rounding int

const (
	// Truncate rounds toward zero, so cells -1..0 and 0..1 share index 0.
	Truncate Rounding = iota
	// Floor rounds toward negative infinity; every cell has the same width.
	Floor
)

func ParseRounding(s string) (Rounding, error) {
	switch s {
	case "", "truncate":
		return Truncate, nil
	case "floor":
		return Floor, nil
	}
	return Truncate, fmt.Errorf("unknown grid rounding %q", s)
}

type Options struct {
	CellSize float64
	TTL      time.Duration
	Rounding Rounding
	// EvictPrevious removes the driver from its old cell when it moves.
	// When false the old membership lingers until its TTL runs out.
	EvictPrevious bool
}

// DefaultOptions uses 0.01 degree cells (~1.1 km) and a 5 minute TTL.
func DefaultOptions() Options {
	return Options{CellSize: 0.01, TTL: 5 * time.Minute, Rounding: Truncate}
}

// Store holds cell memberships and the latest location entry per driver.
// Entries written with a TTL must not be returned once it has passed.
type Store interface {
	// Put adds loc.DriverID to loc.Cell, refreshes the TTL of that
	// membership and replaces the driver's location entry. It returns the
	// entry it replaced, if it was still live.
	Put(ctx context.Context, loc models.DriverLocation, ttl time.Duration) (prev models.DriverLocation, ok bool, err error)
	Remove(ctx context.Context, cell, driverID string) error
	Members(ctx context.Context, cell string) ([]string, error)
	Location(ctx context.Context, driverID string) (models.DriverLocation, bool, error)
}

type Grid struct {
	store  Store
	opts   Options
	clock  clock.Clock
	logger *slog.Logger
}

func NewGrid(store Store, opts Options, c clock.Clock, logger *slog.Logger) *Grid {
	if opts.CellSize <= 0 {
		opts.CellSize = DefaultOptions().CellSize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultOptions().TTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Grid{store: store, opts: opts, clock: clock.OrReal(c), logger: logger.With("component", "grid")}
}

// CellID returns the "<latIndex>_<lonIndex>" id of the cell containing the point.
func (g *Grid) CellID(lat, lon float64) string {
	return fmt.Sprintf("%d_%d", g.index(lat), g.index(lon))
}

func (g *Grid) index(v float64) int64 {
	q := v / g.opts.CellSize
	if g.opts.Rounding == Floor {
		return int64(math.Floor(q))
	}
	return int64(q)
}

// UpdateLocation records the driver in the cell containing (lat, lon).
func (g *Grid) UpdateLocation(ctx context.Context, driverID string, lat, lon float64) (models.DriverLocation, error) {
	if driverID == "" {
		return models.DriverLocation{}, fmt.Errorf("%w: driver id required", ErrInvalidLocation)
	}
	if err := ValidatePoint(lat, lon); err != nil {
		return models.DriverLocation{}, err
	}
	loc := models.DriverLocation{
		DriverID: driverID,
		Cell:     g.CellID(lat, lon),
		Loc:      models.Coord{Lat: lat, Lon: lon},
		Updated:  g.clock.Now(),
	}
	prev, had, err := g.store.Put(ctx, loc, g.opts.TTL)
	if err != nil {
		observability.LocationUpdates.WithLabelValues("error").Inc()
		return models.DriverLocation{}, fmt.Errorf("%w: store driver location: %w", ErrUnavailable, err)
	}
	if g.opts.EvictPrevious && had && prev.Cell != loc.Cell {
		if err := g.store.Remove(ctx, prev.Cell, driverID); err != nil {
			// the stale membership still expires with its TTL
			g.logger.Warn("evict previous cell failed", "driver_id", driverID, "cell", prev.Cell, "error", err)
		}
	}
	observability.LocationUpdates.WithLabelValues("ok").Inc()
	return loc, nil
}

// Nearby returns the live drivers of the single cell containing (lat, lon),
// sorted. Neighbouring cells are not consulted.
func (g *Grid) Nearby(ctx context.Context, lat, lon float64) ([]string, error) {
	if err := ValidatePoint(lat, lon); err != nil {
		return nil, err
	}
	ids, err := g.store.Members(ctx, g.CellID(lat, lon))
	if err != nil {
		return nil, fmt.Errorf("%w: read cell members: %w", ErrUnavailable, err)
	}
	sort.Strings(ids)
	observability.NearbyQueries.Inc()
	observability.NearbyResults.Observe(float64(len(ids)))
	return ids, nil
}

// Location returns the driver's latest live location entry.
func (g *Grid) Location(ctx context.Context, driverID string) (models.DriverLocation, error) {
	loc, ok, err := g.store.Location(ctx, driverID)
	if err != nil {
		return models.DriverLocation{}, fmt.Errorf("%w: read driver location: %w", ErrUnavailable, err)
	}
	if !ok {
		return models.DriverLocation{}, ErrUnknownDriver
	}
	return loc, nil
}

// ValidatePoint rejects NaN and out-of-range coordinates with ErrInvalidLocation.
func ValidatePoint(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidLocation, lat, lon)
	}
	return nil
}
