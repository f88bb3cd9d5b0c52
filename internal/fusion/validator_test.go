package fusion

import (
	"errors"
	"testing"
	"time"

	"bus-tracker/internal/catalog"
)

func corridorStops() []catalog.Stop {
	return []catalog.Stop{
		{ID: 1, Name: "Broadway", Order: 1, Lat: 13.0, Lng: 80.0, HasCoords: true, Arrival: "09:00"},
		{ID: 2, Name: "Saidapet", Order: 2, Lat: 13.1, Lng: 80.1, HasCoords: true, Arrival: "09:30"},
	}
}

func freshReport() LocationReport {
	return LocationReport{
		BusID:     1,
		UserID:    "rider-1",
		Latitude:  13.0,
		Longitude: 80.0,
		SpeedMS:   8.0,
		Accuracy:  5,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

func TestValidateAccepts(t *testing.T) {
	v := NewValidator()
	if err := v.Validate(freshReport(), corridorStops()); err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
}

func TestValidateOffRoute(t *testing.T) {
	v := NewValidator()
	r := freshReport()
	r.Latitude, r.Longitude = 0, 0
	if err := v.Validate(r, corridorStops()); !errors.Is(err, ErrOffRoute) {
		t.Fatalf("expected ErrOffRoute, got %v", err)
	}
}

func TestValidateGeofenceCorridorSegment(t *testing.T) {
	v := NewValidator()
	r := freshReport()
	// ~2.4km from the first stop: outside the 2km stop radius but inside the
	// 3km segment buffer.
	r.Latitude, r.Longitude = 13.0215, 80.0
	if err := v.Validate(r, corridorStops()); err != nil {
		t.Fatalf("expected corridor acceptance, got %v", err)
	}
}

func TestValidateNoStopsPolicy(t *testing.T) {
	v := NewValidator()
	r := freshReport()
	r.Latitude, r.Longitude = 0, 0
	if err := v.Validate(r, nil); err != nil {
		t.Fatalf("no stop data must pass the geofence by policy, got %v", err)
	}
}

func TestValidateStopsWithoutCoords(t *testing.T) {
	v := NewValidator()
	stops := []catalog.Stop{
		{ID: 1, Name: "A", Order: 1},
		{ID: 2, Name: "B", Order: 2},
	}
	r := freshReport()
	// Stops exist but none can be located, so no corridor can match.
	if err := v.Validate(r, stops); !errors.Is(err, ErrOffRoute) {
		t.Fatalf("expected ErrOffRoute, got %v", err)
	}
}

func TestValidateImplausibleSpeed(t *testing.T) {
	v := NewValidator()
	r := freshReport()
	r.SpeedMS = 40 // 144 km/h
	if err := v.Validate(r, corridorStops()); !errors.Is(err, ErrImplausibleSpeed) {
		t.Fatalf("expected ErrImplausibleSpeed, got %v", err)
	}
}

func TestValidateSpeedCeilingInclusive(t *testing.T) {
	v := NewValidator()
	r := freshReport()
	r.SpeedMS = 120.0 / 3.6 // exactly the ceiling
	if err := v.Validate(r, corridorStops()); err != nil {
		t.Fatalf("speed exactly at the ceiling must pass, got %v", err)
	}
}

func TestValidateStaleTimestamp(t *testing.T) {
	v := NewValidator()
	r := freshReport()
	r.Timestamp = time.Now().Add(-2 * time.Hour).Format(time.RFC3339)
	if err := v.Validate(r, corridorStops()); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected ErrStaleTimestamp for old report, got %v", err)
	}

	r.Timestamp = time.Now().Add(2 * time.Hour).Format(time.RFC3339)
	if err := v.Validate(r, corridorStops()); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected ErrStaleTimestamp for future report, got %v", err)
	}
}

func TestValidateUnparsableTimestampPolicy(t *testing.T) {
	v := NewValidator()
	r := freshReport()
	r.Timestamp = "not-a-timestamp"
	if err := v.Validate(r, corridorStops()); err != nil {
		t.Fatalf("unparsable timestamp must pass by policy, got %v", err)
	}
}

func TestReasonCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrUnknownBus, "UNKNOWN_BUS"},
		{ErrOffRoute, "OFF_ROUTE"},
		{ErrImplausibleSpeed, "IMPLAUSIBLE_SPEED"},
		{ErrStaleTimestamp, "STALE_OR_FUTURE_TIMESTAMP"},
		{ErrInvalidTrackingData, "INVALID_TRACKING_DATA"},
		{errors.New("anything else"), "INVALID_TRACKING_DATA"},
	}
	for _, tt := range tests {
		if got := ReasonCode(tt.err); got != tt.want {
			t.Errorf("ReasonCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
