// Package geo provides spherical and ellipsoidal geodesy on points stored in radians.
package geo

import (
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

// EarthRadius is the mean earth radius in km used by the spherical formulas.
const EarthRadius = 6371.0

// Point is a latitude/longitude pair in radians. It is a value type and is
// never mutated after construction.
type Point struct {
	lat, lon float64
}

// FromDegrees builds a Point from decimal degrees.
func FromDegrees(lat, lon float64) Point {
	return Point{lat: lat * math.Pi / 180, lon: lon * math.Pi / 180}
}

// FromRadians builds a Point from radians.
func FromRadians(lat, lon float64) Point {
	return Point{lat: lat, lon: lon}
}

// LatRad returns the latitude in radians.
func (p Point) LatRad() float64 { return p.lat }

// LonRad returns the longitude in radians.
func (p Point) LonRad() float64 { return p.lon }

// Lat returns the latitude in degrees.
func (p Point) Lat() float64 { return p.lat * 180 / math.Pi }

// Lon returns the longitude in degrees.
func (p Point) Lon() float64 { return p.lon * 180 / math.Pi }

// IsZero reports whether the point is exactly 0,0 which the feeds use for "no fix".
func (p Point) IsZero() bool { return p.lat == 0 && p.lon == 0 }

// Valid reports whether the point lies in the legal coordinate range.
func (p Point) Valid() bool {
	return !math.IsNaN(p.lat) && !math.IsNaN(p.lon) &&
		math.Abs(p.lat) <= math.Pi/2 && math.Abs(p.lon) <= math.Pi
}

// ToRad converts degrees to radians.
func ToRad(deg float64) float64 { return deg * math.Pi / 180 }

// ToDeg converts radians to degrees.
func ToDeg(rad float64) float64 { return rad * 180 / math.Pi }

// NormaliseBearing maps an angle in radians into [0, 2π).
func NormaliseBearing(b float64) float64 {
	b = math.Mod(b, 2*math.Pi)
	if b < 0 {
		b += 2 * math.Pi
	}
	return b
}

// AngularDistance returns the central angle between two points in radians.
func AngularDistance(p1, p2 Point) float64 {
	dLat := p2.lat - p1.lat
	dLon := p2.lon - p1.lon
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(p1.lat)*math.Cos(p2.lat)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Haversine returns the great-circle distance in km.
func Haversine(p1, p2 Point) float64 {
	return AngularDistance(p1, p2) * EarthRadius
}

// CosineDistance returns the great-circle distance in km using the spherical
// law of cosines.
func CosineDistance(p1, p2 Point) float64 {
	c := math.Sin(p1.lat)*math.Sin(p2.lat) +
		math.Cos(p1.lat)*math.Cos(p2.lat)*math.Cos(p2.lon-p1.lon)
	// Rounding can push c marginally outside [-1,1] for coincident points.
	c = math.Max(-1, math.Min(1, c))
	return math.Acos(c) * EarthRadius
}

// Distance returns the ellipsoidal distance in km, falling back to the
// haversine distance when Vincenty's method does not converge.
func Distance(p1, p2 Point) float64 {
	d, err := Vincenty(p1, p2)
	if err != nil {
		return Haversine(p1, p2)
	}
	return d
}

// Bearing returns the initial great-circle bearing from p1 to p2 in radians [0, 2π).
func Bearing(p1, p2 Point) float64 {
	return NormaliseBearing(ToRad(orbgeo.Bearing(p1.orb(), p2.orb())))
}

// FinalBearing returns the bearing on arrival at p2 when travelling from p1.
func FinalBearing(p1, p2 Point) float64 {
	return NormaliseBearing(Bearing(p2, p1) + math.Pi)
}

// Destination returns the point reached from p travelling dist km on the
// initial bearing (radians).
func Destination(p Point, bearing, dist float64) Point {
	// Scale to orb's sphere so the angular distance matches EarthRadius.
	d := orbgeo.PointAtBearingAndDistance(p.orb(), ToDeg(bearing), dist/EarthRadius*orb.EarthRadius)
	lon := math.Mod(ToRad(d[0])+3*math.Pi, 2*math.Pi) - math.Pi
	return Point{lat: ToRad(d[1]), lon: lon}
}

// orb returns p as an orb point in degrees.
func (p Point) orb() orb.Point { return orb.Point{p.Lon(), p.Lat()} }

// Intermediate returns the point at fraction f (0..1) along the great circle
// from p1 to p2. angDist is the angular distance between them in radians, as
// returned by AngularDistance; callers that already have it avoid a recompute.
func Intermediate(p1, p2 Point, angDist, f float64) Point {
	if angDist == 0 {
		return p1
	}
	a := math.Sin((1-f)*angDist) / math.Sin(angDist)
	b := math.Sin(f*angDist) / math.Sin(angDist)
	x := a*math.Cos(p1.lat)*math.Cos(p1.lon) + b*math.Cos(p2.lat)*math.Cos(p2.lon)
	y := a*math.Cos(p1.lat)*math.Sin(p1.lon) + b*math.Cos(p2.lat)*math.Sin(p2.lon)
	z := a*math.Sin(p1.lat) + b*math.Sin(p2.lat)
	return Point{
		lat: math.Atan2(z, math.Sqrt(x*x+y*y)),
		lon: math.Atan2(y, x),
	}
}

// Intersection returns the point where the great circle leaving p1 on bearing
// b1 meets the great circle leaving p2 on bearing b2. ok is false when the
// paths are parallel or the intersection is ambiguous.
func Intersection(p1 Point, b1 float64, p2 Point, b2 float64) (Point, bool) {
	dLat := p2.lat - p1.lat
	dLon := p2.lon - p1.lon

	d12 := 2 * math.Asin(math.Sqrt(math.Sin(dLat/2)*math.Sin(dLat/2)+
		math.Cos(p1.lat)*math.Cos(p2.lat)*math.Sin(dLon/2)*math.Sin(dLon/2)))
	if d12 == 0 {
		return Point{}, false
	}

	cosA := (math.Sin(p2.lat) - math.Sin(p1.lat)*math.Cos(d12)) / (math.Sin(d12) * math.Cos(p1.lat))
	cosB := (math.Sin(p1.lat) - math.Sin(p2.lat)*math.Cos(d12)) / (math.Sin(d12) * math.Cos(p2.lat))
	thetaA := math.Acos(math.Max(-1, math.Min(1, cosA)))
	thetaB := math.Acos(math.Max(-1, math.Min(1, cosB)))

	var t12, t21 float64
	if math.Sin(dLon) > 0 {
		t12, t21 = thetaA, 2*math.Pi-thetaB
	} else {
		t12, t21 = 2*math.Pi-thetaA, thetaB
	}

	a1 := wrapPi(b1 - t12)
	a2 := wrapPi(t21 - b2)

	if math.Sin(a1) == 0 && math.Sin(a2) == 0 {
		return Point{}, false // infinite intersections
	}
	if math.Sin(a1)*math.Sin(a2) < 0 {
		return Point{}, false // ambiguous
	}

	a3 := math.Acos(-math.Cos(a1)*math.Cos(a2) + math.Sin(a1)*math.Sin(a2)*math.Cos(d12))
	d13 := math.Atan2(math.Sin(d12)*math.Sin(a1)*math.Sin(a2), math.Cos(a2)+math.Cos(a1)*math.Cos(a3))
	lat3 := math.Asin(math.Sin(p1.lat)*math.Cos(d13) + math.Cos(p1.lat)*math.Sin(d13)*math.Cos(b1))
	dLon13 := math.Atan2(math.Sin(b1)*math.Sin(d13)*math.Cos(p1.lat), math.Cos(d13)-math.Sin(p1.lat)*math.Sin(lat3))
	lon3 := math.Mod(p1.lon+dLon13+3*math.Pi, 2*math.Pi) - math.Pi

	return Point{lat: lat3, lon: lon3}, true
}

// wrapPi maps an angle into (-π, π].
func wrapPi(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// AngleDiff returns the smallest absolute difference between two bearings in radians.
func AngleDiff(a, b float64) float64 {
	return math.Abs(wrapPi(a - b))
}
