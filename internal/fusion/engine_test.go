package fusion

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"bus-tracker/internal/catalog"
)

const (
	testBusID    = int64(1)
	testFromID   = int64(100)
	testToID     = int64(200)
	testUserID   = "rider-1"
	otherBusID   = int64(2)
	unknownBusID = int64(99)
)

func testCatalog() *catalog.Memory {
	cat := catalog.NewMemory()
	cat.AddBus(catalog.Bus{
		ID: testBusID, Name: "Broadway Express", Number: "21G",
		FromLocationID: testFromID, FromLocation: "Broadway",
		ToLocationID: testToID, ToLocation: "Tambaram",
	})
	cat.AddStops(testBusID,
		catalog.Stop{ID: 1, Name: "Broadway", Order: 1, Lat: 13.0, Lng: 80.0, HasCoords: true, Arrival: "09:00"},
		catalog.Stop{ID: 2, Name: "Saidapet", Order: 2, Lat: 13.1, Lng: 80.1, HasCoords: true, Arrival: "09:30"},
	)
	cat.AddBus(catalog.Bus{
		ID: otherBusID, Name: "Broadway Local", Number: "21L",
		FromLocationID: testFromID, FromLocation: "Broadway",
		ToLocationID: testToID, ToLocation: "Tambaram",
	})
	return cat
}

type captureSink struct {
	mu   sync.Mutex
	locs []BusLocation
}

func (s *captureSink) PublishLocation(loc BusLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locs = append(s.locs, loc)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locs)
}

func acceptableReport() LocationReport {
	return LocationReport{
		ReportID:  NewReportID(),
		BusID:     testBusID,
		UserID:    testUserID,
		Latitude:  13.0,
		Longitude: 80.0,
		SpeedMS:   8.0, // ~28.8 km/h
		Heading:   45,
		Accuracy:  5,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

func TestProcessReportAcceptPath(t *testing.T) {
	sink := &captureSink{}
	e := NewEngine(testCatalog(), sink, nil, nil)
	ctx := context.Background()

	rewards := e.ProcessLocationReport(ctx, acceptableReport())
	if rewards.TotalPoints != 7 {
		t.Errorf("TotalPoints = %d, want 7 (base 5 + accuracy bonus 2)", rewards.TotalPoints)
	}
	if len(rewards.RecentActivities) != 1 || rewards.RecentActivities[0].Type != activityReport {
		t.Fatalf("expected one BUS_REPORT activity, got %+v", rewards.RecentActivities)
	}

	loc := e.GetCurrentBusLocation(ctx, testBusID)
	if loc.BusName != "Broadway Express" || loc.BusNumber != "21G" {
		t.Errorf("denormalized metadata = %q/%q, want Broadway Express/21G", loc.BusName, loc.BusNumber)
	}
	if loc.ReportCount != 0 {
		t.Errorf("ReportCount = %d, want 0 (count excludes the reporting user)", loc.ReportCount)
	}
	// Base 0 + accuracy 29 + speed 10.
	if loc.ConfidenceScore != 39 {
		t.Errorf("ConfidenceScore = %d, want 39", loc.ConfidenceScore)
	}
	if loc.ConfidenceScore <= 0 || loc.ConfidenceScore > 100 {
		t.Errorf("ConfidenceScore %d out of (0,100]", loc.ConfidenceScore)
	}
	if loc.LastStopName != "Broadway" || loc.NextStopName != "Saidapet" {
		t.Errorf("stop fields = %q/%q, want Broadway/Saidapet", loc.LastStopName, loc.NextStopName)
	}
	if loc.EstimatedArrival == "" {
		t.Error("EstimatedArrival should be set while heading to a next stop")
	}
	if sink.count() != 1 {
		t.Errorf("sink received %d updates, want 1", sink.count())
	}
}

func TestGetCurrentBusLocationIdempotent(t *testing.T) {
	e := NewEngine(testCatalog(), nil, nil, nil)
	ctx := context.Background()
	e.ProcessLocationReport(ctx, acceptableReport())

	first := e.GetCurrentBusLocation(ctx, testBusID)
	second := e.GetCurrentBusLocation(ctx, testBusID)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("re-fetch changed the value:\n%+v\n%+v", first, second)
	}
}

func TestProcessReportUnknownBus(t *testing.T) {
	e := NewEngine(testCatalog(), nil, nil, nil)
	r := acceptableReport()
	r.BusID = unknownBusID

	rewards := e.ProcessLocationReport(context.Background(), r)
	assertRejected(t, rewards, ErrUnknownBus)
}

func TestProcessReportOffRoute(t *testing.T) {
	sink := &captureSink{}
	e := NewEngine(testCatalog(), sink, nil, nil)
	ctx := context.Background()

	r := acceptableReport()
	r.Latitude, r.Longitude = 0, 0
	rewards := e.ProcessLocationReport(ctx, r)
	assertRejected(t, rewards, ErrOffRoute)

	if got := e.GetUserRewardPoints(testUserID); got.TotalPoints != 0 {
		t.Errorf("stored TotalPoints = %d, want 0 after rejection", got.TotalPoints)
	}
	if loc := e.GetCurrentBusLocation(ctx, testBusID); loc.Timestamp != "" {
		t.Errorf("rejected report updated the location: %+v", loc)
	}
	if sink.count() != 0 {
		t.Errorf("sink received %d updates for a rejected report, want 0", sink.count())
	}
}

func TestProcessReportImplausibleSpeed(t *testing.T) {
	e := NewEngine(testCatalog(), nil, nil, nil)
	r := acceptableReport()
	r.SpeedMS = 40 // 144 km/h
	rewards := e.ProcessLocationReport(context.Background(), r)
	assertRejected(t, rewards, ErrImplausibleSpeed)
}

func TestProcessReportStaleTimestamp(t *testing.T) {
	e := NewEngine(testCatalog(), nil, nil, nil)
	r := acceptableReport()
	r.Timestamp = time.Now().Add(-time.Hour).Format(time.RFC3339)
	rewards := e.ProcessLocationReport(context.Background(), r)
	assertRejected(t, rewards, ErrStaleTimestamp)
}

func TestRejectedReportMutatesNothing(t *testing.T) {
	e := NewEngine(testCatalog(), nil, nil, nil)
	ctx := context.Background()
	e.ProcessLocationReport(ctx, acceptableReport())

	locBefore := e.GetCurrentBusLocation(ctx, testBusID)
	rewardsBefore := e.GetUserRewardPoints(testUserID)

	r := acceptableReport()
	r.Latitude, r.Longitude = 0, 0
	e.ProcessLocationReport(ctx, r)

	if got := e.GetCurrentBusLocation(ctx, testBusID); !reflect.DeepEqual(got, locBefore) {
		t.Errorf("location changed after a rejected report:\n%+v\n%+v", locBefore, got)
	}
	if got := e.GetUserRewardPoints(testUserID); !reflect.DeepEqual(got, rewardsBefore) {
		t.Errorf("rewards changed after a rejected report:\n%+v\n%+v", rewardsBefore, got)
	}
}

func TestReporterCountExcludesSelf(t *testing.T) {
	e := NewEngine(testCatalog(), nil, nil, nil)
	ctx := context.Background()

	e.ProcessLocationReport(ctx, acceptableReport())
	if loc := e.GetCurrentBusLocation(ctx, testBusID); loc.ReportCount != 0 {
		t.Errorf("first report saw %d prior reporters, want 0", loc.ReportCount)
	}

	second := acceptableReport()
	second.UserID = "rider-2"
	e.ProcessLocationReport(ctx, second)
	if loc := e.GetCurrentBusLocation(ctx, testBusID); loc.ReportCount != 1 {
		t.Errorf("second reporter saw %d prior reporters, want 1", loc.ReportCount)
	}

	// The first rider again: both riders are now active.
	e.ProcessLocationReport(ctx, acceptableReport())
	if loc := e.GetCurrentBusLocation(ctx, testBusID); loc.ReportCount != 2 {
		t.Errorf("repeat reporter saw %d prior reporters, want 2", loc.ReportCount)
	}
}

func TestRewardMonotonicity(t *testing.T) {
	e := NewEngine(testCatalog(), nil, nil, nil)
	ctx := context.Background()
	const n = 3
	for i := 0; i < n; i++ {
		e.ProcessLocationReport(ctx, acceptableReport())
	}
	if got := e.GetUserRewardPoints(testUserID); got.LifetimePoints < 5*n {
		t.Errorf("LifetimePoints = %d, want >= %d", got.LifetimePoints, 5*n)
	}
}

func TestEmptyPlaceholder(t *testing.T) {
	e := NewEngine(testCatalog(), nil, nil, nil)
	ctx := context.Background()

	loc := e.GetCurrentBusLocation(ctx, testBusID)
	if loc.BusName != "Broadway Express" {
		t.Errorf("placeholder BusName = %q, want catalog metadata", loc.BusName)
	}
	if loc.ConfidenceScore != 0 || loc.ReportCount != 0 || loc.Timestamp != "" {
		t.Errorf("placeholder must be zeroed, got %+v", loc)
	}

	unknown := e.GetCurrentBusLocation(ctx, unknownBusID)
	if unknown.BusName != "Unknown Bus" || unknown.BusNumber != "N/A" {
		t.Errorf("unknown-bus placeholder = %q/%q", unknown.BusName, unknown.BusNumber)
	}
}

func TestGetBusLocationsOnRoute(t *testing.T) {
	e := NewEngine(testCatalog(), nil, nil, nil)
	ctx := context.Background()
	e.ProcessLocationReport(ctx, acceptableReport())

	locs, err := e.GetBusLocationsOnRoute(ctx, testFromID, testToID)
	if err != nil {
		t.Fatalf("GetBusLocationsOnRoute: %v", err)
	}
	// Bus 2 serves the same route but has never been reported.
	if len(locs) != 1 || locs[0].BusID != testBusID {
		t.Errorf("locations on route = %+v, want only bus %d", locs, testBusID)
	}

	none, err := e.GetBusLocationsOnRoute(ctx, testToID, testFromID)
	if err != nil {
		t.Fatalf("GetBusLocationsOnRoute: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("reverse route should have no buses, got %+v", none)
	}
}

func TestPredictNextStop(t *testing.T) {
	e := NewEngine(testCatalog(), nil, nil, nil)
	ctx := context.Background()

	if _, ok := e.PredictNextStop(ctx, testBusID); ok {
		t.Error("prediction without a fused location should be absent")
	}

	e.ProcessLocationReport(ctx, acceptableReport())
	stop, ok := e.PredictNextStop(ctx, testBusID)
	if !ok || stop.ID != 2 {
		t.Errorf("PredictNextStop = %+v, %v; want stop 2", stop, ok)
	}
}

func TestGetEstimatedArrival(t *testing.T) {
	e := NewEngine(testCatalog(), nil, nil, nil)
	ctx := context.Background()

	if _, err := e.GetEstimatedArrival(ctx, testBusID, 2); !errors.Is(err, ErrNoLocation) {
		t.Errorf("expected ErrNoLocation before any report, got %v", err)
	}

	e.ProcessLocationReport(ctx, acceptableReport())

	if _, err := e.GetEstimatedArrival(ctx, testBusID, 777); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("expected catalog.ErrNotFound for unknown stop, got %v", err)
	}

	est, err := e.GetEstimatedArrival(ctx, testBusID, 2)
	if err != nil {
		t.Fatalf("GetEstimatedArrival: %v", err)
	}
	if est.StopName != "Saidapet" || est.Confidence != 39 {
		t.Errorf("estimate = %+v, want Saidapet with confidence 39", est)
	}
	if _, perr := time.Parse("15:04", est.EstimatedArrival); perr != nil {
		t.Errorf("EstimatedArrival %q is not HH:mm", est.EstimatedArrival)
	}
}

func TestReapStaleTrackers(t *testing.T) {
	e := NewEngine(testCatalog(), nil, nil, nil)
	ctx := context.Background()

	e.ProcessLocationReport(ctx, acceptableReport())
	second := acceptableReport()
	second.UserID = "rider-2"
	e.ProcessLocationReport(ctx, second)

	// Shift the engine clock past the staleness window.
	e.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	if removed := e.ReapStaleTrackers(); removed != 2 {
		t.Errorf("reaped %d trackers, want 2", removed)
	}
	if n := e.state.ActiveCount(testBusID); n != 0 {
		t.Errorf("ActiveCount = %d after reap, want 0", n)
	}
	// Last known location survives its reporters.
	if _, ok := e.state.Get(testBusID); !ok {
		t.Error("fused location must be retained after all trackers go stale")
	}
}

func TestProcessDisembarkation(t *testing.T) {
	e := NewEngine(testCatalog(), nil, nil, nil)
	ctx := context.Background()
	e.ProcessLocationReport(ctx, acceptableReport())

	e.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	if removed := e.ProcessDisembarkation(testBusID); removed != 1 {
		t.Errorf("disembarkation reaped %d trackers, want 1", removed)
	}
}

func TestGetBusLocationHistory(t *testing.T) {
	e := NewEngine(testCatalog(), nil, nil, nil)
	ctx := context.Background()

	if h := e.GetBusLocationHistory(testBusID, time.Time{}); h != nil {
		t.Errorf("history before any report = %+v, want nil", h)
	}
	e.ProcessLocationReport(ctx, acceptableReport())
	if h := e.GetBusLocationHistory(testBusID, time.Now().Add(-time.Minute)); len(h) != 1 {
		t.Errorf("history = %+v, want the current location only", h)
	}
	if h := e.GetBusLocationHistory(testBusID, time.Now().Add(time.Hour)); h != nil {
		t.Errorf("history since the future = %+v, want nil", h)
	}
}

func TestConcurrentReports(t *testing.T) {
	e := NewEngine(testCatalog(), nil, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	const riders = 16
	const reportsEach = 10
	for r := 0; r < riders; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; i < reportsEach; i++ {
				rep := acceptableReport()
				rep.UserID = string(rune('a' + r))
				e.ProcessLocationReport(ctx, rep)
			}
		}(r)
	}
	wg.Wait()

	if n := e.state.ActiveCount(testBusID); n != riders {
		t.Errorf("ActiveCount = %d, want %d", n, riders)
	}
	loc := e.GetCurrentBusLocation(ctx, testBusID)
	if loc.Timestamp == "" {
		t.Error("expected a fused location after concurrent reports")
	}
	for r := 0; r < riders; r++ {
		acc := e.GetUserRewardPoints(string(rune('a' + r)))
		if acc.TotalPoints != 7*reportsEach {
			t.Errorf("rider %d TotalPoints = %d, want %d", r, acc.TotalPoints, 7*reportsEach)
		}
	}
}

func assertRejected(t *testing.T, rewards RewardAccount, reason error) {
	t.Helper()
	if rewards.TotalPoints != 0 {
		t.Errorf("rejected report earned %d points", rewards.TotalPoints)
	}
	if len(rewards.RecentActivities) != 1 {
		t.Fatalf("expected a single ERROR activity, got %+v", rewards.RecentActivities)
	}
	act := rewards.RecentActivities[0]
	if act.Type != activityError || act.Points != 0 {
		t.Errorf("activity = %+v, want zero-point ERROR", act)
	}
	if act.Description != reason.Error() {
		t.Errorf("description = %q, want %q", act.Description, reason.Error())
	}
}
