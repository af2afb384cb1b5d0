package geo

import (
	"math"
	"time"
)

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance in kilometers between two
// coordinates (haversine formula).
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * (math.Pi / 180.0)
	dLon := (lon2 - lon1) * (math.Pi / 180.0)

	lat1 = lat1 * (math.Pi / 180.0)
	lat2 = lat2 * (math.Pi / 180.0)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLon/2)*math.Sin(dLon/2)*math.Cos(lat1)*math.Cos(lat2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// ImpliedSpeedKmh returns the travel speed needed to cover the distance in
// the elapsed time. Zero or negative elapsed time with a nonzero distance
// yields +Inf (same-instant requests from two places).
func ImpliedSpeedKmh(distanceKm float64, elapsed time.Duration) float64 {
	hours := elapsed.Hours()
	if hours <= 0 {
		if distanceKm > 10 { // small tolerance for IP-level location jitter
			return math.Inf(1)
		}
		return 0
	}
	return distanceKm / hours
}
