package scoring

import (
	"math"
	"sort"

	"soaring_tracker/internal/geo"
	"soaring_tracker/internal/task"
	"soaring_tracker/internal/track"
)

const (
	thermalFilterKm  = 2.0 // minimum movement before an outside sample is kept
	minRetained      = 3   // kept samples needed to confirm a turn
	doglegSlowWindow = 600 // seconds
	doglegSlowKph    = 120.0
	doglegFastKph    = 240.0
	doglegProximity  = thermalFilterKm // km beyond the zone edge
	homeRadiusKm     = 5.0
)

type windowPoint struct {
	t int64
	d float64
}

// speedState is the incremental progress of a pilot around a racing task.
type speedState struct {
	target        int
	lastProcessed int64
	window        []windowPoint
	inSector      int
	retained      int
	entered       int64
	moved         float64
	lastPoint     geo.Point
	haveLast      bool
	legTimes      []int64
	finish        int64
	current       track.Sample
}

func newSpeedState(start int64) *speedState {
	return &speedState{
		target:        1,
		lastProcessed: start - 1,
		legTimes:      []int64{start},
	}
}

// samplesAfter returns the samples strictly newer than t.
func samplesAfter(samples []track.Sample, t int64) []track.Sample {
	i := sort.Search(len(samples), func(i int) bool { return samples[i].Time > t })
	return samples[i:]
}

// advance feeds every unprocessed sample through the turn detector.
func (s *speedState) advance(t *task.Task, samples []track.Sample) {
	finish := t.Finish()
	for _, smp := range samplesAfter(samples, s.lastProcessed) {
		if s.finish != 0 {
			return
		}
		s.lastProcessed = smp.Time
		s.current = smp
		if s.haveLast {
			s.moved += geo.Haversine(s.lastPoint, smp.Point)
		}
		s.lastPoint, s.haveLast = smp.Point, true

		leg := &t.Legs[s.target]
		in := leg.Inside(smp.Point)
		if !in && s.retained > 0 && s.moved < thermalFilterKm {
			continue
		}
		s.moved = 0
		s.retained++
		s.window = append(s.window, windowPoint{t: smp.Time, d: geo.Haversine(leg.Center, smp.Point)})
		if n := len(s.window); n > 3 {
			s.window = append(s.window[:0], s.window[n-3:]...)
		}

		switch {
		case in && s.target == finish:
			s.finish = smp.Time
			s.legTimes = append(s.legTimes, smp.Time)
			return
		case in:
			s.inSector++
			if s.inSector == 1 {
				s.entered = smp.Time
			}
		case s.inSector == 0 && s.dogleg(leg):
			s.inSector = 1
			s.entered = s.window[1].t
		}

		// A turn is confirmed once the glider has left the zone again.
		if !in && s.inSector >= 1 && s.retained >= minRetained {
			s.legTimes = append(s.legTimes, s.entered)
			s.target++
			s.window = s.window[:0]
			s.inSector, s.retained, s.moved = 0, 0, 0
		}
	}
}

// dogleg reports whether the last three kept samples bracket a close pass of
// the zone that sparse reporting failed to record: the distance dips and
// rises again and the detour needed to touch the zone fits in the time
// between the outer samples.
func (s *speedState) dogleg(leg *task.Leg) bool {
	if len(s.window) < 3 {
		return false
	}
	w0, w1, w2 := s.window[0], s.window[1], s.window[2]
	if !(w0.d > w1.d && w2.d > w1.d) || w1.d-leg.MaxR > doglegProximity {
		return false
	}
	elapsed := w2.t - w0.t
	if elapsed <= 0 {
		return false
	}
	detour := math.Max(0, w0.d-leg.MaxR) + math.Max(0, w2.d-leg.MaxR)
	needed := detour / (float64(elapsed) / 3600)
	limit := doglegFastKph
	if elapsed > doglegSlowWindow {
		limit = doglegSlowKph
	}
	return needed < limit
}

// result converts the state into a scored result.
func (s *speedState) result(t *task.Task, in Input, site Site) Result {
	res := Result{
		Status:        Started,
		StartTime:     s.legTimes[0],
		LastTurnpoint: s.target - 1,
	}
	cur := s.current
	finish := t.Finish()

	var done, hdone float64
	for i := 1; i < len(s.legTimes); i++ {
		l := &t.Legs[i]
		done += l.Length
		hdone += l.Length * task.HandicapFactor(in.Handicap, l.Hi)
	}

	end := cur.Time
	if s.finish != 0 {
		res.Status = Finished
		res.FinishTime = s.finish
		res.LastTurnpoint = finish
		end = s.finish
		res.Remaining, res.HandicapRemaining = ptr(0), ptr(0)
	} else {
		target := &t.Legs[s.target]
		f := task.HandicapFactor(in.Handicap, target.Hi)
		toGo := math.Max(0, geo.Haversine(cur.Point, target.Center)-target.CreditShare())
		partial := math.Max(0, target.Length-toGo)
		done += partial
		hdone += partial * f

		rem, hrem := toGo, toGo*f
		for i := s.target + 1; i <= finish; i++ {
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

	elapsed := end - res.StartTime
	res.DistanceDone, res.HandicapDistanceDone = round1(done), round1(hdone)
	res.Speed = speedFor(done, elapsed)
	res.HandicapSpeed = speedFor(hdone, elapsed)

	for i := 1; i < len(s.legTimes); i++ {
		dt := s.legTimes[i] - s.legTimes[i-1]
		if dt <= 0 {
			res.LegSpeeds = append(res.LegSpeeds, 0)
			continue
		}
		res.LegSpeeds = append(res.LegSpeeds, round1(t.Legs[i].Length/(float64(dt)/3600)))
	}
	return res
}

// landedStatus marks an unfinished pilot who is on the ground.
func landedStatus(res *Result, in Input, cur track.Sample, site Site) {
	if !in.Landed {
		return
	}
	res.Status = Landed
	if !site.Point.IsZero() && geo.Haversine(cur.Point, site.Point) <= homeRadiusKm {
		res.Status = Home
	}
}
