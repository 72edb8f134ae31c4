package geo

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/models"
)

type MemoryStore struct {
	clock clock.Clock

	mu    sync.RWMutex
	cells map[string]map[string]time.Time // cell -> driver -> expiry
	locs  map[string]memoryLocation
}

type memoryLocation struct {
	loc     models.DriverLocation
	expires time.Time
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock: clock.OrReal(c),
		cells: make(map[string]map[string]time.Time),
		locs:  make(map[string]memoryLocation),
	}
}

func (s *MemoryStore) Put(_ context.Context, loc models.DriverLocation, ttl time.Duration) (models.DriverLocation, bool, error) {
	now := s.clock.Now()
	exp := now.Add(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.cells[loc.Cell]
	if !ok {
		members = make(map[string]time.Time)
		s.cells[loc.Cell] = members
	}
	members[loc.DriverID] = exp

	prev, had := s.locs[loc.DriverID]
	s.locs[loc.DriverID] = memoryLocation{loc: loc, expires: exp}
	if !had || !prev.expires.After(now) {
		return models.DriverLocation{}, false, nil
	}
	return prev.loc, true, nil
}

func (s *MemoryStore) Remove(_ context.Context, cell, driverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.cells[cell]; ok {
		delete(members, driverID)
		if len(members) == 0 {
			delete(s.cells, cell)
		}
	}
	return nil
}

func (s *MemoryStore) Members(_ context.Context, cell string) ([]string, error) {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.cells[cell]
	out := make([]string, 0, len(members))
	for id, exp := range members {
		if exp.After(now) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *MemoryStore) Location(_ context.Context, driverID string) (models.DriverLocation, bool, error) {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.locs[driverID]
	if !ok || !e.expires.After(now) {
		return models.DriverLocation{}, false, nil
	}
	return e.loc, true, nil
}

// Sweep drops expired memberships and location entries.
func (s *MemoryStore) Sweep() {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for cell, members := range s.cells {
		for id, exp := range members {
			if !exp.After(now) {
				delete(members, id)
			}
		}
		if len(members) == 0 {
			delete(s.cells, cell)
		}
	}
	for id, e := range s.locs {
		if !e.expires.After(now) {
			delete(s.locs, id)
		}
	}
}

// Cells reports how many cells currently hold any membership, live or not.
func (s *MemoryStore) Cells() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cells)
}

// Run sweeps expired entries every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
