package scoring

import (
	"log/slog"

	"soaring_tracker/internal/task"
)

// scoreHandicap scores a distance-handicap task. The pilot flies a copy of
// the task whose zones are enlarged for their handicap, so the raw figures
// are already handicapped and both sets of fields carry the same values.
func (e *Engine) scoreHandicap(st *State, in Input) Result {
	key := [2]float64{in.Handicap, in.MaxHandicap}
	if st.working == nil || st.workFor != key {
		st.working = task.Adjust(e.task, in.Handicap, in.MaxHandicap)
		st.workFor = key
		st.speed = nil
		e.log.Debug("handicap task prepared",
			slog.Float64("handicap", in.Handicap),
			slog.Float64("distance", st.working.Distance))
	}
	if st.speed == nil {
		st.speed = newSpeedState(st.Start)
	}
	st.speed.advance(st.working, in.Samples)

	plain := in
	plain.Handicap = 100
	res := st.speed.result(st.working, plain, e.site)
	res.HandicapDistanceDone = res.DistanceDone
	res.HandicapSpeed = res.Speed
	res.HandicapRemaining = res.Remaining
	res.HandicapGlideRatioRemaining = res.GlideRatioRemaining
	return res
}
