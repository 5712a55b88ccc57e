package scoring

import (
	"log/slog"
	"math"
	"sort"

	"soaring_tracker/internal/geo"
	"soaring_tracker/internal/task"
	"soaring_tracker/internal/track"
)

// Synthetic graph nodes. Real nodes are sample timestamps and always positive.
const (
	nowNode  int64 = -1
	fakeNode int64 = -2
)

// edgeBase turns the longest-path search into a shortest-path one.
const edgeBase = 1000.0

func edgeWeight(km float64) float64 { return math.Max(0, edgeBase-km) }

// aatState is the incremental progress of a pilot around an assigned area
// task. Every sample inside an area becomes a graph node linked to every
// node of the previous area; the best scoring route is the shortest path.
// The start fix is the graph root only: sectorPoints[0] stays empty because
// the start fix lies outside the start zone.
type aatState struct {
	leg           int
	start         int64
	root          int64
	sectorPoints  [][]int64
	graph         *Graph
	locations     map[int64]geo.Point
	lastProcessed int64
	finish        int64
	insideNow     bool
	current       track.Sample
}

func newAATState(t *task.Task, start int64, samples []track.Sample) *aatState {
	a := &aatState{
		start:         start,
		root:          start,
		sectorPoints:  make([][]int64, len(t.Legs)),
		graph:         NewGraph(),
		locations:     make(map[int64]geo.Point),
		lastProcessed: start,
	}
	loc := t.Legs[0].Center
	i := sort.Search(len(samples), func(i int) bool { return samples[i].Time >= start })
	if i < len(samples) && samples[i].Time == start {
		loc = samples[i].Point
		a.current = samples[i]
	}
	a.locations[start] = loc
	a.graph.AddNode(start)
	return a
}

// nodes returns the graph nodes a route may pass through for leg. The start
// leg is represented by the root alone.
func (a *aatState) nodes(leg int) []int64 {
	if leg == 0 {
		return []int64{a.root}
	}
	return a.sectorPoints[leg]
}

func (a *aatState) advance(t *task.Task, samples []track.Sample) {
	finish := t.Finish()
	for _, s := range samplesAfter(samples, a.lastProcessed) {
		if a.finish != 0 {
			return
		}
		a.lastProcessed = s.Time
		a.current = s

		if a.leg < finish && len(a.nodes(a.leg)) > 0 && t.Legs[a.leg+1].Inside(s.Point) {
			a.leg++
		}
		a.insideNow = a.leg > 0 && t.Legs[a.leg].Inside(s.Point)
		if !a.insideNow {
			continue
		}

		a.locations[s.Time] = s.Point
		a.graph.AddNode(s.Time)
		for _, q := range a.nodes(a.leg - 1) {
			a.graph.AddEdge(q, s.Time, edgeWeight(segment(t, a.leg, a.locations[q], s.Point)))
		}
		a.sectorPoints[a.leg] = append(a.sectorPoints[a.leg], s.Time)

		if a.leg == finish {
			a.finish = s.Time
		}
	}
}

// segment is the credited distance from a point in area leg-1 to a point in
// area leg. Finish rings and lines credit the distance to the zone rather
// than to the fix itself.
func segment(t *task.Task, leg int, from, to geo.Point) float64 {
	l := &t.Legs[leg]
	if leg != t.Finish() || (l.Kind == task.KindSector && l.A1 == 45) {
		return geo.Haversine(from, to)
	}
	if l.Kind == task.KindLine {
		return geo.Haversine(from, l.Center)
	}
	return math.Max(0, geo.Haversine(from, l.Center)-l.R1)
}

// scoredPoint is where the credited route touches the given leg.
func scoredPoint(t *task.Task, leg int, from, at geo.Point) geo.Point {
	l := &t.Legs[leg]
	if leg != t.Finish() || (l.Kind == task.KindSector && l.A1 == 45) {
		return at
	}
	if l.Kind == task.KindLine {
		return l.Center
	}
	return geo.Destination(l.Center, geo.Bearing(l.Center, from), l.R1)
}

func (a *aatState) result(t *task.Task, in Input, site Site, log *slog.Logger) Result {
	res := Result{
		Status:        Started,
		StartTime:     a.start,
		LastTurnpoint: a.leg,
	}
	cur := a.current
	finish := t.Finish()

	g, target := a.graph, a.finish
	var next *task.Leg
	if a.finish == 0 {
		g = a.graph.Clone()
		if a.insideNow {
			// Zero-credit sink: the route may end at any fix in this area.
			target = nowNode
			for _, q := range a.nodes(a.leg) {
				g.AddEdge(q, nowNode, edgeWeight(0))
			}
		} else {
			target = fakeNode
			next = &t.Legs[a.leg+1]
			dNow := geo.Haversine(cur.Point, next.Center)
			for _, q := range a.nodes(a.leg) {
				credit := math.Max(0, geo.Haversine(a.locations[q], next.Center)-dNow)
				g.AddEdge(q, fakeNode, edgeWeight(credit))
			}
		}
	}

	var done, hdone float64
	path, _, err := g.ShortestPath(a.root, target)
	if err != nil {
		log.Debug("no scoring route, using turnpoint distance", slog.Int("leg", a.leg), slog.Any("error", err))
		done, hdone = a.fallback(t, in)
	} else {
		res.ScoredPoints = append(res.ScoredPoints, latLng(a.locations[a.root]))
		for i := 1; i < len(path); i++ {
			w, _ := g.Weight(path[i-1], path[i])
			seg := edgeBase - w
			from := a.locations[path[i-1]]

			leg := i
			var at geo.Point
			switch path[i] {
			case nowNode:
				continue
			case fakeNode:
				leg = a.leg + 1
				at = geo.Destination(from, geo.Bearing(from, next.Center), seg)
			default:
				at = scoredPoint(t, leg, from, a.locations[path[i]])
				if dt := path[i] - path[i-1]; dt > 0 {
					res.LegSpeeds = append(res.LegSpeeds, round1(seg/(float64(dt)/3600)))
				}
			}
			done += seg
			hdone += seg * task.HandicapFactor(in.Handicap, t.Legs[leg].Hi)
			res.ScoredPoints = append(res.ScoredPoints, latLng(at))
		}
	}

	elapsed := cur.Time - a.start
	if a.finish != 0 {
		res.Status = Finished
		res.FinishTime = a.finish
		res.LastTurnpoint = finish
		elapsed = max(a.finish-a.start, int64(t.Duration.Seconds()))
		res.Remaining, res.HandicapRemaining = ptr(0), ptr(0)
	} else {
		tl := &t.Legs[a.leg+1]
		toGo := geo.Haversine(cur.Point, tl.Center)
		rem, hrem := toGo, toGo*task.HandicapFactor(in.Handicap, tl.Hi)
		for i := a.leg + 2; i <= finish; i++ {
			l := &t.Legs[i]
			rem += l.Length
			hrem += l.Length * task.HandicapFactor(in.Handicap, l.Hi)
		}
		res.Remaining, res.HandicapRemaining = ptr(round1(rem)), ptr(round1(hrem))
		height := cur.Altitude - site.Elevation
		res.GlideRatioRemaining = glideRatio(rem, height)
		res.HandicapGlideRatioRemaining = glideRatio(hrem, height)
		landedStatus(&res, in, cur, site)
	}

	res.DistanceDone, res.HandicapDistanceDone = round1(done), round1(hdone)
	res.Speed = speedFor(done, elapsed)
	res.HandicapSpeed = speedFor(hdone, elapsed)
	return res
}

// fallback credits whole legs up to the current area plus progress towards
// the next one, measured between turnpoint centres.
func (a *aatState) fallback(t *task.Task, in Input) (float64, float64) {
	var done, hdone float64
	for i := 1; i <= a.leg; i++ {
		l := &t.Legs[i]
		done += l.Length
		hdone += l.Length * task.HandicapFactor(in.Handicap, l.Hi)
	}
	if a.leg < t.Finish() {
		l := &t.Legs[a.leg+1]
		p := math.Max(0, l.Length-geo.Haversine(a.current.Point, l.Center))
		done += p
		hdone += p * task.HandicapFactor(in.Handicap, l.Hi)
	}
	return done, hdone
}
