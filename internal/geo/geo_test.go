package geo

import (
	"math"
	"testing"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name      string
		a, b      Coordinate
		wantKm    float64
		tolerance float64
	}{
		{"same point", Coordinate{52.52, 13.405}, Coordinate{52.52, 13.405}, 0, 0.001},
		{"berlin to paris", Coordinate{52.52, 13.405}, Coordinate{48.8566, 2.3522}, 877, 5},
		{"london to new york", Coordinate{51.5074, -0.1278}, Coordinate{40.7128, -74.006}, 5570, 20},
		{"one degree latitude", Coordinate{0, 0}, Coordinate{1, 0}, 111.19, 0.1},
		{"antipodal", Coordinate{0, 0}, Coordinate{0, 180}, 20015, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(tt.a, tt.b)
			if math.Abs(got-tt.wantKm) > tt.tolerance {
				t.Errorf("Distance() = %.2f km, want %.2f ± %.2f", got, tt.wantKm, tt.tolerance)
			}
		})
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := Coordinate{37.7749, -122.4194}
	b := Coordinate{34.0522, -118.2437}
	if d1, d2 := Distance(a, b), Distance(b, a); math.Abs(d1-d2) > 1e-9 {
		t.Errorf("Distance not symmetric: %v vs %v", d1, d2)
	}
}

func TestGeofenceContains(t *testing.T) {
	center := Coordinate{52.52, 13.405}
	fence := Geofence{Center: center, RadiusKm: 5}

	if !fence.Contains(center) {
		t.Error("fence center should be inside the fence")
	}

	// ~1.11 km north of center
	near := Coordinate{52.53, 13.405}
	if !fence.Contains(near) {
		t.Error("point 1.1 km away should be inside a 5 km fence")
	}

	// ~11 km north of center
	far := Coordinate{52.62, 13.405}
	if fence.Contains(far) {
		t.Error("point 11 km away should be outside a 5 km fence")
	}
}

func TestGeofenceBoundary(t *testing.T) {
	center := Coordinate{0, 0}
	target := Coordinate{1, 0}
	d := Distance(center, target)

	inside := Geofence{Center: center, RadiusKm: d + 0.001}
	outside := Geofence{Center: center, RadiusKm: d - 0.001}

	if !inside.Contains(target) {
		t.Error("point at radius should be inside when radius covers it")
	}
	if outside.Contains(target) {
		t.Error("point just past radius should be outside")
	}
}
