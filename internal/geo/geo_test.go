package geo

import (
	"errors"
	"math"
	"testing"
)

// almostEqual checks if two floats are equal within a tolerance.
func almostEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) < tolerance
}

func TestHaversine(t *testing.T) {
	tests := []struct {
		name      string
		p1, p2    Point
		want      float64
		tolerance float64
	}{
		{
			name:      "one degree of longitude on equator",
			p1:        FromDegrees(0, 0),
			p2:        FromDegrees(0, 1),
			want:      111.195,
			tolerance: 0.01,
		},
		{
			name:      "coincident",
			p1:        FromDegrees(51, -1),
			p2:        FromDegrees(51, -1),
			want:      0,
			tolerance: 1e-9,
		},
		{
			name:      "london to paris",
			p1:        FromDegrees(51.5074, -0.1278),
			p2:        FromDegrees(48.8566, 2.3522),
			want:      343.5,
			tolerance: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Haversine(tt.p1, tt.p2)
			if !almostEqual(got, tt.want, tt.tolerance) {
				t.Errorf("Haversine() = %v, want %v", got, tt.want)
			}
			if c := CosineDistance(tt.p1, tt.p2); !almostEqual(c, got, 0.01) {
				t.Errorf("CosineDistance() = %v, haversine %v", c, got)
			}
		})
	}
}

func TestVincenty(t *testing.T) {
	d, err := Vincenty(FromDegrees(0, 0), FromDegrees(0, 1))
	if err != nil {
		t.Fatalf("Vincenty() error = %v", err)
	}
	// WGS-84 equatorial degree.
	if !almostEqual(d, 111.3195, 0.001) {
		t.Errorf("Vincenty() = %v, want 111.3195", d)
	}

	d, err = Vincenty(FromDegrees(51, -1), FromDegrees(51, -1))
	if err != nil || d != 0 {
		t.Errorf("coincident Vincenty() = %v, %v", d, err)
	}

	// Near-antipodal points are the classic failure case.
	_, err = Vincenty(FromDegrees(0, 0), FromDegrees(0.5, 179.7))
	if !errors.Is(err, ErrNoConvergence) {
		t.Errorf("near-antipodal Vincenty() error = %v, want ErrNoConvergence", err)
	}
	if got := Distance(FromDegrees(0, 0), FromDegrees(0.5, 179.7)); got <= 0 {
		t.Errorf("Distance() fallback = %v", got)
	}
}

func TestHaversineAgreesWithVincenty(t *testing.T) {
	origin := FromDegrees(51, -1)
	for _, bearing := range []float64{0, 45, 90, 180, 270} {
		for _, dist := range []float64{0.5, 5, 30, 99} {
			p := Destination(origin, ToRad(bearing), dist)
			v, err := Vincenty(origin, p)
			if err != nil {
				t.Fatalf("Vincenty(%v°, %v km) error = %v", bearing, dist, err)
			}
			h := Haversine(origin, p)
			if rel := math.Abs(h-v) / v; rel > 0.005 {
				t.Errorf("%v° %v km: haversine %v, vincenty %v, relative difference %v", bearing, dist, h, v, rel)
			}
		}
	}
}

func TestBearingAndDestination(t *testing.T) {
	origin := FromDegrees(51, -1)

	tests := []struct {
		name    string
		bearing float64 // degrees
		dist    float64
	}{
		{"north", 0, 10},
		{"east", 90, 25},
		{"south west", 225, 3.2},
		{"just west of north", 359, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := Destination(origin, ToRad(tt.bearing), tt.dist)
			if got := Haversine(origin, dest); !almostEqual(got, tt.dist, 1e-6) {
				t.Errorf("distance = %v, want %v", got, tt.dist)
			}
			b := ToDeg(Bearing(origin, dest))
			if AngleDiff(ToRad(b), ToRad(tt.bearing)) > ToRad(1e-6) {
				t.Errorf("bearing = %v, want %v", b, tt.bearing)
			}
			if b < 0 || b >= 360 {
				t.Errorf("bearing %v not normalised", b)
			}
		})
	}
}

func TestFinalBearing(t *testing.T) {
	// Along the equator the final bearing equals the initial one.
	p1, p2 := FromDegrees(0, 0), FromDegrees(0, 10)
	if got := ToDeg(FinalBearing(p1, p2)); !almostEqual(got, 90, 1e-9) {
		t.Errorf("FinalBearing() = %v, want 90", got)
	}
}

func TestIntermediate(t *testing.T) {
	p1, p2 := FromDegrees(51, -1), FromDegrees(52, 0)
	d := AngularDistance(p1, p2)
	mid := Intermediate(p1, p2, d, 0.5)

	a, b := Haversine(p1, mid), Haversine(mid, p2)
	if !almostEqual(a, b, 1e-6) {
		t.Errorf("midpoint not equidistant: %v vs %v", a, b)
	}
	if got := Intermediate(p1, p2, d, 0); Haversine(got, p1) > 1e-9 {
		t.Errorf("fraction 0 = %v, want %v", got, p1)
	}
	if got := Intermediate(p1, p1, 0, 0.3); got != p1 {
		t.Errorf("coincident intermediate = %v", got)
	}
}

func TestIntersection(t *testing.T) {
	// Two paths heading north-east and north-west from points either side.
	p1 := FromDegrees(51, -1)
	p2 := FromDegrees(51, 1)
	x, ok := Intersection(p1, ToRad(45), p2, ToRad(315))
	if !ok {
		t.Fatal("Intersection() not ok")
	}
	if !almostEqual(x.Lon(), 0, 1e-6) || x.Lat() <= 51 {
		t.Errorf("Intersection() = %v,%v", x.Lat(), x.Lon())
	}

	// One path heading away on each side of the connecting circle.
	if _, ok := Intersection(p1, ToRad(135), p2, ToRad(315)); ok {
		t.Error("crossing-side paths should be ambiguous")
	}

	if _, ok := Intersection(p1, 0, p1, 0); ok {
		t.Error("coincident start points should not intersect")
	}
}

func TestNormaliseBearing(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-math.Pi / 2, 3 * math.Pi / 2},
		{2 * math.Pi, 0},
		{5 * math.Pi, math.Pi},
	}
	for _, tt := range tests {
		if got := NormaliseBearing(tt.in); !almostEqual(got, tt.want, 1e-12) {
			t.Errorf("NormaliseBearing(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
