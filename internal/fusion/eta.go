package fusion

import (
	"math"
	"time"

	"bus-tracker/internal/catalog"
	"bus-tracker/internal/geo"
)

const (
	// Below minMovingSpeedKmh the bus is treated as "about to resume at
	// average city-bus speed" rather than projecting an infinite ETA.
	minMovingSpeedKmh = 5.0
	fallbackSpeedKmh  = 25.0

	etaLayout = "15:04"
)

// StopEstimate carries the stop-derived fields of a fused location.
type StopEstimate struct {
	LastStopName     string
	NextStopName     string
	EstimatedArrival string
}

// EstimateStops finds the nearest passed stop and the next stop for a fused
// coordinate and estimates arrival at the next stop. The distance used is
// fused position -> next stop directly, skipping the nearest-stop waypoint.
func EstimateStops(lat, lng, speedMS float64, stops []catalog.Stop, now time.Time) StopEstimate {
	var est StopEstimate

	nearest, ok := nearestStop(lat, lng, stops)
	if !ok {
		return est
	}
	est.LastStopName = nearest.Name

	next, ok := nextStopAfter(nearest, stops)
	if !ok {
		// Nearest is the final stop; there is nothing to arrive at.
		return est
	}
	est.NextStopName = next.Name

	if !nearest.HasCoords || !next.HasCoords {
		est.EstimatedArrival = next.Arrival
		return est
	}
	est.EstimatedArrival = etaTo(lat, lng, speedMS, next, now)
	return est
}

// EstimateArrivalAt estimates arrival at one specific stop from the fused
// position, under the same effective-speed rule. Falls back to the stop's
// scheduled arrival when it has no coordinates.
func EstimateArrivalAt(lat, lng, speedMS float64, stop catalog.Stop, now time.Time) string {
	if !stop.HasCoords {
		return stop.Arrival
	}
	return etaTo(lat, lng, speedMS, stop, now)
}

func etaTo(lat, lng, speedMS float64, stop catalog.Stop, now time.Time) string {
	speedKmh := speedMS * 3.6
	if speedKmh < minMovingSpeedKmh {
		speedKmh = fallbackSpeedKmh
	}
	distKm := geo.DistanceKm(lat, lng, stop.Lat, stop.Lng)
	minutes := int(math.Ceil(distKm / speedKmh * 60))
	return now.Add(time.Duration(minutes) * time.Minute).Format(etaLayout)
}

// nearestStop returns the stop with minimum great-circle distance to the
// coordinate, over stops that have coordinates. Ties keep the first in stop
// order.
func nearestStop(lat, lng float64, stops []catalog.Stop) (catalog.Stop, bool) {
	var nearest catalog.Stop
	found := false
	shortest := math.MaxFloat64
	for _, s := range stops {
		if !s.HasCoords {
			continue
		}
		d := geo.DistanceKm(lat, lng, s.Lat, s.Lng)
		if d < shortest {
			shortest = d
			nearest = s
			found = true
		}
	}
	return nearest, found
}

// nextStopAfter returns the stop immediately following cur in strict stop
// order. The stops slice is already ordered by the catalog.
func nextStopAfter(cur catalog.Stop, stops []catalog.Stop) (catalog.Stop, bool) {
	for i := 0; i < len(stops)-1; i++ {
		if stops[i].ID == cur.ID {
			return stops[i+1], true
		}
	}
	return catalog.Stop{}, false
}
