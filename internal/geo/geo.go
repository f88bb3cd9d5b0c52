package geo

import "math"

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance in kilometres between two
// WGS84 coordinates, using the haversine formula.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// NearSegmentKm reports whether the point is within bufferKm of the segment
// between (aLat,aLng) and (bLat,bLng). The perpendicular distance is
// approximated by the minimum of the distances to the segment's endpoints,
// which is good enough for corridor checks at bus-route stop spacing.
func NearSegmentKm(lat, lng, aLat, aLng, bLat, bLng, bufferKm float64) bool {
	da := DistanceKm(lat, lng, aLat, aLng)
	db := DistanceKm(lat, lng, bLat, bLng)
	return math.Min(da, db) <= bufferKm
}
