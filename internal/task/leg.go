package task

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"soaring_tracker/internal/geo"
)

// Kind is the observation-zone shape of a leg.
type Kind int

const (
	KindSector Kind = iota
	KindLine
)

// Direction selects how a leg's sector axis is oriented.
type Direction int

const (
	DirSymmetrical Direction = iota
	DirNextLeg
	DirPreviousLeg
	DirFixed
)

// arcStep is the angular resolution used when sweeping sector arcs.
const arcStep = 5 * math.Pi / 180

// Leg is one turnpoint of a task together with its precomputed geometry.
// The definition fields are set from reference data; the derived fields are
// rebuilt by Task.prepare and must not be edited directly.
type Leg struct {
	Index     int
	Name      string
	Kind      Kind
	Direction Direction
	Center    geo.Point
	R1        float64 // km
	R2        float64 // km
	A1        float64 // half-angle, degrees
	A2        float64 // half-angle, degrees
	A12       float64 // fixed axis bearing, degrees
	Hi        float64

	Axis           float64 // radians
	Bearing        float64 // from previous center, radians
	CenterDistance float64 // km from previous center
	Length         float64 // scored km from previous leg
	Credit         float64 // handicap radius enlargement, km
	MaxR           float64
	QuickCircle    bool
	Boundary       orb.Polygon
	Line           orb.LineString
}

// hasExclusion reports whether R2 carves an inner no-credit disc.
func (l *Leg) hasExclusion() bool { return l.Kind == KindSector && l.R2 > 0 && l.A2 == 0 }

// clamp silently corrects inconsistent geometry.
func (l *Leg) clamp() {
	l.R1 = math.Max(0, l.R1)
	l.R2 = math.Max(0, math.Min(l.R2, l.R1))
	l.A1 = math.Max(0, math.Min(180, l.A1))
	l.A2 = math.Max(0, math.Min(180, l.A2))
	l.A12 = math.Mod(l.A12, 360)
	if l.A12 < 0 {
		l.A12 += 360
	}
}

// Classify returns the point's distance in km to the leg center, positive
// when the point is inside the observation zone and negative when it is
// outside. Use Inside for a membership test: a zero distance is ambiguous.
func (l *Leg) Classify(p geo.Point) float64 {
	d, in := l.classify(p)
	if in {
		return d
	}
	return -d
}

// Inside reports whether p lies within the observation zone.
func (l *Leg) Inside(p geo.Point) bool {
	_, in := l.classify(p)
	return in
}

func (l *Leg) classify(p geo.Point) (float64, bool) {
	d := geo.Haversine(l.Center, p)
	if d > l.MaxR {
		return d, false
	}
	if l.QuickCircle {
		return d, true
	}
	if d == 0 {
		return 0, !l.hasExclusion()
	}
	if l.Kind == KindLine {
		return d, geo.AngleDiff(geo.Bearing(l.Center, p), l.Axis) <= math.Pi/2
	}
	return d, planar.PolygonContains(l.Boundary, orb.Point{p.Lon(), p.Lat()})
}

// buildGeometry derives the axis-independent geometry. Axis must be set.
func (l *Leg) buildGeometry() {
	l.MaxR = l.R1
	l.QuickCircle = false
	l.Boundary = nil
	l.Line = nil

	if l.Kind == KindLine {
		e1 := geo.Destination(l.Center, l.Axis-math.Pi/2, l.R1)
		e2 := geo.Destination(l.Center, l.Axis+math.Pi/2, l.R1)
		l.Line = orb.LineString{toOrb(e1), toOrb(e2)}
		return
	}

	a1 := geo.ToRad(l.A1)
	a2 := geo.ToRad(l.A2)

	switch {
	case l.hasExclusion():
		if a1 >= math.Pi {
			l.Boundary = orb.Polygon{
				l.arc(0, 2*math.Pi, l.R1, nil).closed(),
				l.arc(2*math.Pi, 0, l.R2, nil).closed(),
			}
			return
		}
		r := l.arc(l.Axis-a1, l.Axis+a1, l.R1, nil)
		r = l.arc(l.Axis+a1, l.Axis-a1, l.R2, r)
		l.Boundary = orb.Polygon{r.closed()}

	case a1 >= math.Pi:
		l.QuickCircle = true
		l.Boundary = orb.Polygon{l.arc(0, 2*math.Pi, l.R1, nil).closed()}

	case l.R2 > 0 && a2 > a1:
		// Keyhole: outer wedge joined with the wider inner wedge.
		r := l.arc(l.Axis-a1, l.Axis+a1, l.R1, nil)
		if a2 >= math.Pi {
			r = l.arc(l.Axis+a1, l.Axis+2*math.Pi-a1, l.R2, r)
		} else {
			r = l.arc(l.Axis+a1, l.Axis+a2, l.R2, r)
			r = append(r, toOrb(l.Center))
			r = l.arc(l.Axis-a2, l.Axis-a1, l.R2, r)
		}
		l.Boundary = orb.Polygon{r.closed()}

	default:
		r := arcRing{toOrb(l.Center)}
		r = l.arc(l.Axis-a1, l.Axis+a1, l.R1, r)
		l.Boundary = orb.Polygon{r.closed()}
	}
}

type arcRing orb.Ring

func (r arcRing) closed() orb.Ring {
	if len(r) > 0 && r[0] != r[len(r)-1] {
		r = append(r, r[0])
	}
	return orb.Ring(r)
}

// arc sweeps from bearing `from` to `to` at radius r and appends the points.
// A from greater than to sweeps anticlockwise.
func (l *Leg) arc(from, to, r float64, ring arcRing) arcRing {
	span := to - from
	steps := int(math.Ceil(math.Abs(span) / arcStep))
	if steps == 0 {
		steps = 1
	}
	for i := 0; i <= steps; i++ {
		b := from + span*float64(i)/float64(steps)
		ring = append(ring, toOrb(geo.Destination(l.Center, geo.NormaliseBearing(b), r)))
	}
	return ring
}

func toOrb(p geo.Point) orb.Point {
	return orb.Point{p.Lon(), p.Lat()}
}
