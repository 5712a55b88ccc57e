// Package task models competition tasks: ordered legs with observation-zone
// geometry, the scored task distance and per-pilot handicap adjustment.
package task

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/brunoga/deep"
	"github.com/cespare/xxhash/v2"

	"soaring_tracker/internal/geo"
)

// ErrTooFewLegs is returned when a task has no start and finish.
var ErrTooFewLegs = errors.New("task needs at least a start and a finish")

// Type is the scoring rule set of a task.
type Type int

const (
	Speed Type = iota
	AssignedArea
	DistanceHandicap
)

func (t Type) String() string {
	switch t {
	case Speed:
		return "speed"
	case AssignedArea:
		return "aat"
	case DistanceHandicap:
		return "dh"
	}
	return "unknown"
}

// Task is an ordered list of legs. Legs[0] is the start and the last leg is
// the finish.
type Task struct {
	ID        string
	Class     string
	Type      Type
	Duration  time.Duration // minimum time for assigned area tasks
	StartOpen int64         // unix seconds, 0 when not set
	Legs      []Leg
	Distance  float64 // scored km
	Hash      string
}

// New validates the legs and precomputes the task geometry.
func New(id, class string, typ Type, legs []Leg) (*Task, error) {
	if len(legs) < 2 {
		return nil, fmt.Errorf("%s: %w", id, ErrTooFewLegs)
	}
	t := &Task{ID: id, Class: class, Type: typ, Legs: legs}
	t.prepare()
	return t, nil
}

// Finish returns the index of the finish leg.
func (t *Task) Finish() int { return len(t.Legs) - 1 }

// prepare rebuilds every derived field from the leg definitions.
func (t *Task) prepare() {
	for i := range t.Legs {
		l := &t.Legs[i]
		l.Index = i
		l.clamp()
		if i > 0 {
			prev := t.Legs[i-1].Center
			l.CenterDistance = geo.Haversine(prev, l.Center)
			l.Bearing = geo.Bearing(prev, l.Center)
		} else {
			l.CenterDistance, l.Bearing = 0, 0
		}
	}

	t.Distance = 0
	for i := range t.Legs {
		l := &t.Legs[i]
		l.Axis = t.axis(i)
		l.buildGeometry()
		if i > 0 {
			l.Length = math.Max(0, l.CenterDistance-t.Legs[i-1].CreditShare()-l.CreditShare())
			t.Distance += l.Length
		} else {
			l.Length = 0
		}
	}

	t.Hash = t.hash()
}

// CreditShare is the shortening a handicap credit applies to each adjacent leg.
func (l *Leg) CreditShare() float64 {
	return l.Credit / (2 * math.Sqrt2)
}

// axis returns the bearing the observation zone opens towards.
func (t *Task) axis(i int) float64 {
	l := &t.Legs[i]
	last := len(t.Legs) - 1

	dir := l.Direction
	if dir == DirSymmetrical && i == 0 {
		dir = DirNextLeg
	}
	if dir == DirSymmetrical && i == last {
		dir = DirPreviousLeg
	}
	if dir == DirNextLeg && i == last {
		dir = DirPreviousLeg
	}
	if dir == DirPreviousLeg && i == 0 {
		dir = DirNextLeg
	}

	switch dir {
	case DirFixed:
		return geo.ToRad(l.A12)
	case DirNextLeg:
		return geo.NormaliseBearing(geo.Bearing(l.Center, t.Legs[i+1].Center) + math.Pi)
	case DirPreviousLeg:
		return geo.NormaliseBearing(geo.Bearing(l.Center, t.Legs[i-1].Center) + math.Pi)
	}

	bp := geo.Bearing(l.Center, t.Legs[i-1].Center)
	bn := geo.Bearing(l.Center, t.Legs[i+1].Center)
	x := math.Sin(bp) + math.Sin(bn)
	y := math.Cos(bp) + math.Cos(bn)
	if math.Abs(x) < 1e-12 && math.Abs(y) < 1e-12 {
		// Straight through: the zone is perpendicular to the track.
		return geo.NormaliseBearing(bp + math.Pi/2)
	}
	return geo.NormaliseBearing(math.Atan2(x, y) + math.Pi)
}

// hash is a content hash over the definition fields of every leg.
func (t *Task) hash() string {
	h := xxhash.New()
	fmt.Fprintf(h, "%d|%d|%d|", t.Type, t.Duration, t.StartOpen)
	for _, l := range t.Legs {
		fmt.Fprintf(h, "%d|%d|%.7f|%.7f|%.4f|%.4f|%.2f|%.2f|%.2f|%.2f|%.4f;",
			l.Kind, l.Direction, l.Center.Lat(), l.Center.Lon(),
			l.R1, l.R2, l.A1, l.A2, l.A12, l.Hi, l.Credit)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// HandicapFactor scales a distance flown on a leg with handicap index hi for
// a glider of the given handicap.
func HandicapFactor(handicap, hi float64) float64 {
	return 100 / math.Max(handicap+hi, 25)
}

// Adjust returns a clone of t reshaped for a distance-handicap pilot. The
// distance the pilot is short of the best handicapped glider is spread over
// the interior legs; each symmetric interior leg's secondary radius is
// enlarged so the achievable task distance shrinks in proportion to
// handicap/maxHandicap. t is not modified.
func Adjust(t *Task, handicap, maxHandicap float64) *Task {
	c := deep.MustCopy(t)
	interior := len(c.Legs) - 2
	if maxHandicap <= 0 || handicap <= 0 || handicap >= maxHandicap || interior <= 0 {
		return c
	}

	reduction := t.Distance - t.Distance*handicap/maxHandicap
	perLeg := reduction / float64(interior)
	adjustment := math.Sqrt(2 * perLeg * perLeg)

	for i := 1; i <= interior; i++ {
		l := &c.Legs[i]
		if l.Direction != DirSymmetrical || l.Kind != KindSector {
			continue
		}
		if l.A2 <= l.A1 {
			l.A2 = 180
		}
		l.R2 += adjustment
		l.R1 = math.Max(l.R1, l.R2)
		l.Credit += adjustment
	}
	c.prepare()
	return c
}
