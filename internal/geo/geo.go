// Package geo provides great-circle distance and geofence evaluation.
package geo

import "math"

const earthRadiusKm = 6371.0

// Coordinate is a point in degrees latitude/longitude.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Geofence is a circular region around a center point.
type Geofence struct {
	Center   Coordinate `json:"center"`
	RadiusKm float64    `json:"radius_km"`
}

// Distance returns the haversine distance between two coordinates in km.
func Distance(a, b Coordinate) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := radians(b.Latitude - a.Latitude)
	dLng := radians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Contains reports whether the point lies within the fence radius.
func (f Geofence) Contains(p Coordinate) bool {
	return Distance(p, f.Center) <= f.RadiusKm
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
