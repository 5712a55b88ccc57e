// Package scoring turns a glider's position history into live task progress:
// start detection, turnpoint sequencing, assigned area route optimisation and
// handicapped speeds.
package scoring

import (
	"log/slog"

	"soaring_tracker/internal/geo"
	"soaring_tracker/internal/task"
	"soaring_tracker/internal/track"
)

// minSamples is the history length below which a pilot is not scored.
const minSamples = 3

// Site is the contest airfield.
type Site struct {
	Point     geo.Point
	Elevation float64 // metres
}

// Input is everything the engine needs about one pilot for one pass.
type Input struct {
	Samples     []track.Sample
	Handicap    float64
	MaxHandicap float64
	Landed      bool
}

// State is the per-pilot scoring state carried between passes. The zero
// value is ready to use. A State must not be shared between goroutines.
type State struct {
	TaskHash       string
	Start          int64
	NextStartCheck int64
	Last           Result

	speed   *speedState
	aat     *aatState
	working *task.Task
	workFor [2]float64
}

// reset clears progress but keeps the task binding.
func (s *State) reset() {
	s.speed, s.aat = nil, nil
}

// Engine scores pilots against one task.
type Engine struct {
	task *task.Task
	site Site
	log  *slog.Logger
}

// NewEngine returns an engine for t flown from site.
func NewEngine(t *task.Task, site Site, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{task: t, site: site, log: log.With(slog.String("task", t.ID))}
}

// Task returns the task being scored.
func (e *Engine) Task() *task.Task { return e.task }

// Score advances st with any new samples in in and returns the pilot's
// current result. A changed task definition discards all previous progress.
func (e *Engine) Score(st *State, in Input) Result {
	if st.TaskHash != e.task.Hash {
		*st = State{TaskHash: e.task.Hash}
	}
	n := len(in.Samples)
	if n < minSamples {
		return st.Last
	}

	now := in.Samples[n-1].Time
	if now >= st.NextStartCheck {
		if start, ok := DetectStart(e.task, in.Samples); ok && start != st.Start {
			if st.Start != 0 {
				e.log.Info("restart detected", slog.Int64("previous", st.Start), slog.Int64("start", start))
			}
			st.Start = start
			st.reset()
		}
		st.NextStartCheck = nextStartCheck(now, st.Start)
	}

	if st.Start == 0 {
		st.Last = Result{Status: NotStarted}
		return st.Last
	}

	switch e.task.Type {
	case task.AssignedArea:
		if st.aat == nil {
			st.aat = newAATState(e.task, st.Start, in.Samples)
		}
		st.aat.advance(e.task, in.Samples)
		st.Last = st.aat.result(e.task, in, e.site, e.log)
	case task.DistanceHandicap:
		st.Last = e.scoreHandicap(st, in)
	default:
		if st.speed == nil {
			st.speed = newSpeedState(st.Start)
		}
		st.speed.advance(e.task, in.Samples)
		st.Last = st.speed.result(e.task, in, e.site)
	}
	return st.Last
}
