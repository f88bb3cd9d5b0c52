package fusion

import (
	"errors"
	"time"

	"bus-tracker/internal/catalog"
	"bus-tracker/internal/geo"
)

// Rejection reasons. All are recoverable, user-visible outcomes; a rejected
// report simply fails to update state.
var (
	ErrUnknownBus          = errors.New("unknown bus")
	ErrOffRoute            = errors.New("location not on route")
	ErrImplausibleSpeed    = errors.New("speed not plausible for a bus")
	ErrStaleTimestamp      = errors.New("report timestamp outside freshness window")
	ErrInvalidTrackingData = errors.New("invalid tracking data")
)

// ReasonCode maps a rejection error to its wire-level code.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownBus):
		return "UNKNOWN_BUS"
	case errors.Is(err, ErrOffRoute):
		return "OFF_ROUTE"
	case errors.Is(err, ErrImplausibleSpeed):
		return "IMPLAUSIBLE_SPEED"
	case errors.Is(err, ErrStaleTimestamp):
		return "STALE_OR_FUTURE_TIMESTAMP"
	default:
		return "INVALID_TRACKING_DATA"
	}
}

const (
	// Corridor geofence: a report must be within stopProximityKm of some stop
	// or within corridorBufferKm of a segment between consecutive stops.
	stopProximityKm  = 2.0
	corridorBufferKm = 3.0

	// Hard ceiling above which a report is treated as car-like.
	maxBusSpeedKmh = 120.0

	// Symmetric tolerance between the client timestamp and validator clock.
	freshnessWindow = 30 * time.Minute
)

// Permissive policy defaults. A route with no stop data cannot be geofenced
// and a timestamp that does not parse cannot be aged, so both pass.
const (
	allowRouteWithoutStops   = true
	allowUnparsableTimestamp = true
)

// Validator runs the anti-fraud checks on a single report. Bus existence is
// checked by the caller, which owns the catalog lookup.
type Validator struct {
	now func() time.Time
}

func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// Validate returns nil when the report passes every check, or the rejection
// reason otherwise.
func (v *Validator) Validate(report LocationReport, stops []catalog.Stop) error {
	if !v.checkGeofence(report, stops) {
		return ErrOffRoute
	}
	if !v.checkSpeedPattern(report) {
		return ErrImplausibleSpeed
	}
	if !v.checkMovementConsistency(report) {
		return ErrInvalidTrackingData
	}
	if !v.checkFreshness(report) {
		return ErrStaleTimestamp
	}
	return nil
}

func (v *Validator) checkGeofence(report LocationReport, stops []catalog.Stop) bool {
	if len(stops) == 0 {
		return allowRouteWithoutStops
	}
	for _, s := range stops {
		if !s.HasCoords {
			continue
		}
		if geo.DistanceKm(report.Latitude, report.Longitude, s.Lat, s.Lng) <= stopProximityKm {
			return true
		}
	}
	for i := 0; i < len(stops)-1; i++ {
		a, b := stops[i], stops[i+1]
		if !a.HasCoords || !b.HasCoords {
			continue
		}
		if geo.NearSegmentKm(report.Latitude, report.Longitude, a.Lat, a.Lng, b.Lat, b.Lng, corridorBufferKm) {
			return true
		}
	}
	return false
}

func (v *Validator) checkSpeedPattern(report LocationReport) bool {
	return report.SpeedMS*3.6 <= maxBusSpeedKmh
}

// checkMovementConsistency would compare the report against the user's
// previous one for physically possible displacement over the elapsed time.
// Per-user report history is not modelled, so every report passes; the check
// exists so the policy has a name and a seam.
func (v *Validator) checkMovementConsistency(LocationReport) bool {
	return true
}

func (v *Validator) checkFreshness(report LocationReport) bool {
	ts, ok := parseClientTime(report.Timestamp)
	if !ok {
		return allowUnparsableTimestamp
	}
	diff := v.now().Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	return diff <= freshnessWindow
}

// parseClientTime accepts RFC3339 or a bare local date-time, the two formats
// phones actually send.
func parseClientTime(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.Local); err == nil {
		return t, true
	}
	return time.Time{}, false
}
