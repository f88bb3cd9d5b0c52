// Package fusion ingests untrusted GPS reports from riders' phones, filters
// out implausible ones, fuses the rest into one current-location estimate per
// bus and derives next-stop, ETA and contributor-reward signals.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bus-tracker/internal/catalog"
)

// ErrNoLocation is returned by arrival estimation when a bus has never had
// an accepted report.
var ErrNoLocation = errors.New("bus location not available")

// UpdateSink receives every newly fused location, e.g. for broker publishing
// or live rider feeds. Implementations must be safe for concurrent use.
type UpdateSink interface {
	PublishLocation(loc BusLocation) error
}

// Metrics is the engine's observability hook, kept as a small interface so
// the core stays testable without a registry.
type Metrics interface {
	ReportAccepted()
	ReportRejected(reason string)
	ObserveProcess(d time.Duration)
	SetActiveReporters(n int)
	SetTrackedBuses(n int)
	TrackersReaped(n int)
}

// ArrivalEstimate is the answer to "when does bus B reach stop S".
type ArrivalEstimate struct {
	BusID            int64  `json:"busId"`
	StopID           int64  `json:"stopId"`
	StopName         string `json:"stopName"`
	EstimatedArrival string `json:"estimatedArrival"`
	Confidence       int    `json:"confidence"`
}

// Engine composes the validator, state store, confidence scorer, stop/ETA
// estimator and reward ledger behind the operations a transport layer
// consumes. All operations are synchronous and safe for arbitrarily many
// concurrent callers.
type Engine struct {
	catalog   catalog.Catalog
	state     *StateStore
	ledger    *Ledger
	validator *Validator
	sink      UpdateSink
	metrics   Metrics
	log       *slog.Logger
	staleness time.Duration
	now       func() time.Time
}

// NewEngine wires the fusion core. sink and metrics may be nil.
func NewEngine(cat catalog.Catalog, sink UpdateSink, m Metrics, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		catalog:   cat,
		state:     NewStateStore(),
		ledger:    NewLedger(),
		validator: NewValidator(),
		sink:      sink,
		metrics:   m,
		log:       log,
		staleness: DefaultTrackerStaleness,
		now:       time.Now,
	}
}

// SetTrackerStaleness overrides how long a reporter stays active after their
// last accepted report. Call before serving traffic.
func (e *Engine) SetTrackerStaleness(d time.Duration) {
	if d > 0 {
		e.staleness = d
	}
}

// ProcessLocationReport is the composite write path: validate, then on
// acceptance upsert the fused location, record the tracker, recompute
// stop/ETA fields and credit the reporter. It always returns a value; a
// rejected report yields a zero-point reward view tagged with the reason and
// mutates nothing.
func (e *Engine) ProcessLocationReport(ctx context.Context, report LocationReport) RewardAccount {
	start := e.now()

	bus, err := e.catalog.FindBusByID(ctx, report.BusID)
	if err != nil {
		return e.reject(report, ErrUnknownBus)
	}

	stops, err := e.catalog.FindStopsForBus(ctx, report.BusID)
	if err != nil {
		// A failed stop lookup degrades to the documented no-stop-data
		// permissive default rather than blocking the write path.
		e.log.Warn("stop lookup failed, validating without stops", "busId", report.BusID, "error", err)
		stops = nil
	}

	if err := e.validator.Validate(report, stops); err != nil {
		return e.reject(report, err)
	}

	// Reporter count is read before the new tracker is recorded, so the
	// score for the first concurrent report on a bus uses zero corroborators.
	count := e.state.ActiveCount(report.BusID)
	loc := e.fuse(bus, report, count, stops)
	e.state.Upsert(loc)
	e.state.RecordActive(report.BusID, report.UserID, e.now())

	rewards := e.ledger.Credit(report.UserID, report)

	if e.sink != nil {
		if err := e.sink.PublishLocation(loc); err != nil {
			e.log.Warn("location update publish failed", "busId", loc.BusID, "error", err)
		}
	}
	if e.metrics != nil {
		e.metrics.ReportAccepted()
		e.metrics.ObserveProcess(e.now().Sub(start))
		e.metrics.SetActiveReporters(e.state.ActiveReporters())
		e.metrics.SetTrackedBuses(e.state.TrackedBuses())
	}
	e.log.Debug("report accepted",
		"busId", report.BusID, "userId", report.UserID,
		"confidence", loc.ConfidenceScore, "reporters", loc.ReportCount)
	return rewards
}

func (e *Engine) reject(report LocationReport, reason error) RewardAccount {
	code := ReasonCode(reason)
	e.log.Warn("report rejected",
		"busId", report.BusID, "userId", report.UserID, "reason", code)
	if e.metrics != nil {
		e.metrics.ReportRejected(code)
	}
	return e.ledger.RejectionView(report.UserID, reason)
}

// fuse builds the new fused location from an accepted report. Denormalized
// bus metadata comes from the catalog, never from the report.
func (e *Engine) fuse(bus catalog.Bus, report LocationReport, reporterCount int, stops []catalog.Stop) BusLocation {
	est := EstimateStops(report.Latitude, report.Longitude, report.SpeedMS, stops, e.now())
	return BusLocation{
		BusID:            bus.ID,
		BusName:          bus.Name,
		BusNumber:        bus.Number,
		FromLocation:     bus.FromLocation,
		ToLocation:       bus.ToLocation,
		Latitude:         report.Latitude,
		Longitude:        report.Longitude,
		SpeedMS:          report.SpeedMS,
		Heading:          report.Heading,
		Timestamp:        report.Timestamp,
		ReportCount:      reporterCount,
		ConfidenceScore:  Score(reporterCount, report.Accuracy, report.SpeedMS*3.6),
		LastStopName:     est.LastStopName,
		NextStopName:     est.NextStopName,
		EstimatedArrival: est.EstimatedArrival,
	}
}

// GetCurrentBusLocation returns the fused location, or a renderable empty
// placeholder (zero confidence, zero reporters, empty timestamp) populated
// with catalog metadata when the bus has never been reported.
func (e *Engine) GetCurrentBusLocation(ctx context.Context, busID int64) BusLocation {
	if loc, ok := e.state.Get(busID); ok {
		return loc
	}
	placeholder := BusLocation{
		BusID:     busID,
		BusName:   "Unknown Bus",
		BusNumber: "N/A",
	}
	if bus, err := e.catalog.FindBusByID(ctx, busID); err == nil {
		placeholder.BusName = bus.Name
		placeholder.BusNumber = bus.Number
		placeholder.FromLocation = bus.FromLocation
		placeholder.ToLocation = bus.ToLocation
	}
	return placeholder
}

// GetBusLocationsOnRoute returns the stored fused locations of all buses
// whose catalog route matches the given endpoints. Buses never reported are
// omitted.
func (e *Engine) GetBusLocationsOnRoute(ctx context.Context, fromLocationID, toLocationID int64) ([]BusLocation, error) {
	buses, err := e.catalog.FindBusesByRoute(ctx, fromLocationID, toLocationID)
	if err != nil {
		return nil, fmt.Errorf("find buses by route: %w", err)
	}
	var out []BusLocation
	for _, b := range buses {
		if loc, ok := e.state.Get(b.ID); ok {
			out = append(out, loc)
		}
	}
	return out, nil
}

// GetActiveBusLocations returns a snapshot of every stored fused location.
func (e *Engine) GetActiveBusLocations() []BusLocation {
	return e.state.Snapshot()
}

// GetBusLocationHistory returns the trajectory of a bus since the given
// time. There is no persistent trajectory store, so this is at most the
// current fused location.
func (e *Engine) GetBusLocationHistory(busID int64, since time.Time) []BusLocation {
	loc, ok := e.state.Get(busID)
	if !ok {
		return nil
	}
	if ts, parsed := parseClientTime(loc.Timestamp); parsed && ts.Before(since) {
		return nil
	}
	return []BusLocation{loc}
}

// GetUserRewardPoints returns the user's reward account, zeroed if they have
// never contributed.
func (e *Engine) GetUserRewardPoints(userID string) RewardAccount {
	return e.ledger.Account(userID)
}

// PredictNextStop returns the stop the bus is heading to, based on the
// nearest stop to its fused location, or false when the bus has no location,
// no stops, or is already at the final stop.
func (e *Engine) PredictNextStop(ctx context.Context, busID int64) (catalog.Stop, bool) {
	loc, ok := e.state.Get(busID)
	if !ok {
		return catalog.Stop{}, false
	}
	stops, err := e.catalog.FindStopsForBus(ctx, busID)
	if err != nil || len(stops) == 0 {
		return catalog.Stop{}, false
	}
	nearest, ok := nearestStop(loc.Latitude, loc.Longitude, stops)
	if !ok {
		return catalog.Stop{}, false
	}
	return nextStopAfter(nearest, stops)
}

// GetEstimatedArrival estimates when the bus reaches the given stop, from
// its fused position and current speed, with the fused estimate's confidence
// score attached.
func (e *Engine) GetEstimatedArrival(ctx context.Context, busID, stopID int64) (ArrivalEstimate, error) {
	loc, ok := e.state.Get(busID)
	if !ok || loc.Timestamp == "" {
		return ArrivalEstimate{}, ErrNoLocation
	}
	stop, err := e.catalog.FindStopByID(ctx, stopID)
	if err != nil {
		return ArrivalEstimate{}, err
	}
	return ArrivalEstimate{
		BusID:            busID,
		StopID:           stopID,
		StopName:         stop.Name,
		EstimatedArrival: EstimateArrivalAt(loc.Latitude, loc.Longitude, loc.SpeedMS, stop, e.now()),
		Confidence:       loc.ConfidenceScore,
	}, nil
}

// ProcessDisembarkation reaps stale trackers for one bus in response to a
// rider leaving it.
func (e *Engine) ProcessDisembarkation(busID int64) int {
	removed := e.state.ReapBus(busID, e.now(), e.staleness)
	e.afterReap(removed)
	return removed
}

// ReapStaleTrackers sweeps every bus's tracker set and returns the number of
// entries removed. Fused locations are retained regardless.
func (e *Engine) ReapStaleTrackers() int {
	removed := e.state.Reap(e.now(), e.staleness)
	e.afterReap(removed)
	return removed
}

func (e *Engine) afterReap(removed int) {
	if e.metrics != nil {
		if removed > 0 {
			e.metrics.TrackersReaped(removed)
		}
		e.metrics.SetActiveReporters(e.state.ActiveReporters())
	}
}

// StartReaper runs ReapStaleTrackers on a fixed interval until the context
// is cancelled. Report processing for other buses is never blocked by the
// sweep.
func (e *Engine) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := e.ReapStaleTrackers(); removed > 0 {
					e.log.Debug("stale trackers reaped", "removed", removed)
				}
			}
		}
	}()
}
