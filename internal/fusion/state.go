package fusion

import (
	"strconv"
	"time"

	"bus-tracker/internal/kv"
)

// DefaultTrackerStaleness is how long a reporter stays "active" for a bus
// after their last accepted report.
const DefaultTrackerStaleness = 5 * time.Minute

// StateStore holds the fused location per bus and the set of currently
// active reporters per bus. Both maps are sharded and safe for arbitrary
// concurrent callers; per-bus updates are atomic.
type StateStore struct {
	locations *kv.Store[BusLocation]
	trackers  *kv.Store[map[string]time.Time]
}

func NewStateStore() *StateStore {
	return &StateStore{
		locations: kv.New[BusLocation](),
		trackers:  kv.New[map[string]time.Time](),
	}
}

func busKey(busID int64) string {
	return strconv.FormatInt(busID, 10)
}

// Upsert overwrites the stored fused location for the bus.
func (s *StateStore) Upsert(loc BusLocation) {
	s.locations.Put(busKey(loc.BusID), loc)
}

func (s *StateStore) Get(busID int64) (BusLocation, bool) {
	return s.locations.Get(busKey(busID))
}

// Snapshot returns a copy of every stored fused location.
func (s *StateStore) Snapshot() []BusLocation {
	out := make([]BusLocation, 0, s.locations.Len())
	s.locations.Range(func(_ string, loc BusLocation) bool {
		out = append(out, loc)
		return true
	})
	return out
}

// ActiveCount returns how many reporters are currently tracked for the bus.
// Callers that score confidence read this before RecordActive so the count
// excludes the report being processed.
func (s *StateStore) ActiveCount(busID int64) int {
	set, ok := s.trackers.Get(busKey(busID))
	if !ok {
		return 0
	}
	return len(set)
}

// RecordActive marks the user as live-reporting for the bus at the given
// time. A user appears at most once per bus. The tracker set is copied on
// write so readers never observe a map under mutation.
func (s *StateStore) RecordActive(busID int64, userID string, seen time.Time) {
	s.trackers.Update(busKey(busID), func(set map[string]time.Time, ok bool) map[string]time.Time {
		next := make(map[string]time.Time, len(set)+1)
		for k, v := range set {
			next[k] = v
		}
		next[userID] = seen
		return next
	})
}

// Reap drops tracker entries older than staleness across all buses and
// returns the number removed. Fused locations are untouched; a bus's last
// known location outlives its reporters.
func (s *StateStore) Reap(now time.Time, staleness time.Duration) int {
	var keys []string
	s.trackers.Range(func(key string, _ map[string]time.Time) bool {
		keys = append(keys, key)
		return true
	})
	removed := 0
	for _, key := range keys {
		removed += s.reapKey(key, now, staleness)
	}
	return removed
}

// ReapBus drops stale tracker entries for a single bus, for event-triggered
// eviction on a disembarkation signal.
func (s *StateStore) ReapBus(busID int64, now time.Time, staleness time.Duration) int {
	return s.reapKey(busKey(busID), now, staleness)
}

func (s *StateStore) reapKey(key string, now time.Time, staleness time.Duration) int {
	removed := 0
	s.trackers.Update(key, func(set map[string]time.Time, ok bool) map[string]time.Time {
		if !ok {
			return nil
		}
		next := make(map[string]time.Time, len(set))
		for userID, seen := range set {
			if now.Sub(seen) > staleness {
				removed++
				continue
			}
			next[userID] = seen
		}
		return next
	})
	return removed
}

// ActiveReporters returns the total number of active tracker entries across
// all buses, for metrics.
func (s *StateStore) ActiveReporters() int {
	n := 0
	s.trackers.Range(func(_ string, set map[string]time.Time) bool {
		n += len(set)
		return true
	})
	return n
}

// TrackedBuses returns the number of buses with a stored fused location.
func (s *StateStore) TrackedBuses() int {
	return s.locations.Len()
}
