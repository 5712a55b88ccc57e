package scoring

import (
	"soaring_tracker/internal/task"
	"soaring_tracker/internal/track"
)

const (
	startRecheckEarly = 2 * 60  // seconds between start checks near the start
	startRecheckLate  = 15 * 60 // seconds between start checks later in the flight
	startSettled      = 30 * 60 // seconds after the start before checks slow down
)

// DetectStart returns the time of the most recent start: the first sample
// outside the start zone following a run of samples inside it. Samples before
// the task's start-open time are ignored. Once a start has been seen, the scan
// stops at the first sample inside a turnpoint zone so that flying back
// through the start zone later in the task does not restart the pilot.
func DetectStart(t *task.Task, samples []track.Sample) (int64, bool) {
	start := &t.Legs[0]

	var (
		at        int64
		found     bool
		wasInside bool
	)
	for _, s := range samples {
		if t.StartOpen > 0 && s.Time < t.StartOpen {
			continue
		}
		if start.Inside(s.Point) {
			wasInside = true
			continue
		}
		if wasInside {
			at, found = s.Time, true
			wasInside = false
		}
		if found && insideTurnpoint(t, s) {
			break
		}
	}
	return at, found
}

// insideTurnpoint reports whether s is inside any leg after the start. The
// finish is only considered on start→finish tasks because finish rings are
// usually drawn around the start airfield.
func insideTurnpoint(t *task.Task, s track.Sample) bool {
	last := t.Finish()
	if last > 1 {
		last--
	}
	for i := 1; i <= last; i++ {
		if t.Legs[i].Inside(s.Point) {
			return true
		}
	}
	return false
}

// nextStartCheck returns the sample time at which the start should next be
// re-evaluated.
func nextStartCheck(now, start int64) int64 {
	if start == 0 || now-start <= startSettled {
		return now + startRecheckEarly
	}
	return now + startRecheckLate
}
