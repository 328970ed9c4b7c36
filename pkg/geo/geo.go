// Package geo provides great-circle distance computation for nearby-post
// queries.
package geo

import "math"

// EarthRadiusKm is the mean Earth radius used by the haversine formula.
const EarthRadiusKm = 6371.0

// DefaultRadiusKm is the search radius applied when a query does not supply
// one.
const DefaultRadiusKm = 10.0

type Point struct {
	Latitude  float64
	Longitude float64
}

// Distance returns the great-circle distance between two points in
// kilometers using the haversine formula.
func Distance(a, b Point) float64 {
	lat1 := degToRad(a.Latitude)
	lon1 := degToRad(a.Longitude)
	lat2 := degToRad(b.Latitude)
	lon2 := degToRad(b.Longitude)

	dLat := lat2 - lat1
	dLon := lon2 - lon1

	h := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dLon/2), 2)

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

func degToRad(deg float64) float64 {
	return deg * math.Pi / 180
}
