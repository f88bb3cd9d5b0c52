package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is a seedable in-memory Catalog, used by tests and as a fixture
// backend when no database is configured.
type Memory struct {
	mu    sync.RWMutex
	buses map[int64]Bus
	stops map[int64][]Stop // keyed by bus ID, kept sorted by Order
	byID  map[int64]Stop
}

func NewMemory() *Memory {
	return &Memory{
		buses: make(map[int64]Bus),
		stops: make(map[int64][]Stop),
		byID:  make(map[int64]Stop),
	}
}

func (m *Memory) AddBus(b Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buses[b.ID] = b
}

func (m *Memory) AddStops(busID int64, stops ...Stop) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range stops {
		s.BusID = busID
		m.stops[busID] = append(m.stops[busID], s)
		m.byID[s.ID] = s
	}
	sort.Slice(m.stops[busID], func(i, j int) bool {
		return m.stops[busID][i].Order < m.stops[busID][j].Order
	})
}

func (m *Memory) FindBusByID(_ context.Context, busID int64) (Bus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buses[busID]
	if !ok {
		return Bus{}, fmt.Errorf("bus %d: %w", busID, ErrNotFound)
	}
	return b, nil
}

func (m *Memory) FindStopsForBus(_ context.Context, busID int64) ([]Stop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stops := m.stops[busID]
	out := make([]Stop, len(stops))
	copy(out, stops)
	return out, nil
}

func (m *Memory) FindStopByID(_ context.Context, stopID int64) (Stop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[stopID]
	if !ok {
		return Stop{}, fmt.Errorf("stop %d: %w", stopID, ErrNotFound)
	}
	return s, nil
}

func (m *Memory) FindBusesByRoute(_ context.Context, fromLocationID, toLocationID int64) ([]Bus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Bus
	for _, b := range m.buses {
		if b.FromLocationID == fromLocationID && b.ToLocationID == toLocationID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
