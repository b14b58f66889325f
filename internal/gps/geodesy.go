package gps

import "math"

// haversineKm calculates the great-circle distance between two lat/lon points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0 // Earth radius km
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// normalizeDegrees maps any angle into [0, 360).
func normalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// headingAccuracy grades course-over-ground on the compass accuracy scale.
// Course is meaningless at standstill and settles as speed builds.
func headingAccuracy(d *Data) float64 {
	switch {
	case !d.Valid || d.Speed < 1:
		return 0
	case d.Speed < 5:
		return 1
	case d.Speed < 15:
		return 2
	default:
		return 3
	}
}
