// Package vario derives climb and sink statistics from a short rolling window
// of altitude samples.
package vario

import (
	"errors"
	"math"
)

const (
	maxSamples = 41
	maxWindow  = 40   // seconds
	maxRate    = 40.0 // m/s, faster changes are sensor glitches
)

// ErrGlitch is returned for a sample whose implied climb or sink rate is
// impossible. The sample is not added to the window.
var ErrGlitch = errors.New("implausible altitude change")

// Result summarises the current window. Loss is reported as a positive value.
type Result struct {
	Loss    float64 `json:"loss"`
	Gain    float64 `json:"gain"`
	Total   float64 `json:"total"`
	Average float64 `json:"average"` // m/s
	Seconds int64   `json:"seconds"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// Tuple renders the result in the live update order
// [loss, gain, total, average, seconds, min, max].
func (r Result) Tuple() [7]float64 {
	return [7]float64{r.Loss, r.Gain, r.Total, r.Average, float64(r.Seconds), r.Min, r.Max}
}

type point struct {
	t   int64
	alt float64
}

// Estimator holds the window for one glider. It is not safe for concurrent
// use.
type Estimator struct {
	window []point
	last   Result
}

// Last returns the most recent result.
func (e *Estimator) Last() Result { return e.last }

// Reset empties the window.
func (e *Estimator) Reset() {
	e.window = e.window[:0]
	e.last = Result{}
}

// Add records the altitude at time t and returns the updated statistics.
// Samples not newer than the window are ignored.
func (e *Estimator) Add(t int64, alt float64) (Result, error) {
	if len(e.window) == 0 {
		e.window = append(e.window, point{t, alt})
		e.last = Result{Min: alt, Max: alt}
		return e.last, nil
	}

	newest := e.window[len(e.window)-1]
	if t <= newest.t {
		return e.last, nil
	}
	oldest := e.window[0]
	if math.Abs(alt-oldest.alt)/float64(t-oldest.t) > maxRate {
		return e.last, ErrGlitch
	}

	e.window = append(e.window, point{t, alt})
	drop := 0
	for len(e.window)-drop > 2 && (len(e.window)-drop > maxSamples || t-e.window[drop].t > maxWindow) {
		drop++
	}
	if drop > 0 {
		e.window = append(e.window[:0], e.window[drop:]...)
	}

	e.last = e.compute()
	return e.last, nil
}

func (e *Estimator) compute() Result {
	first := e.window[0]
	last := e.window[len(e.window)-1]
	r := Result{Min: first.alt, Max: first.alt}
	for i := 1; i < len(e.window); i++ {
		p := e.window[i]
		d := p.alt - e.window[i-1].alt
		if d > 0 {
			r.Gain += d
		} else {
			r.Loss -= d
		}
		r.Min = math.Min(r.Min, p.alt)
		r.Max = math.Max(r.Max, p.alt)
	}
	r.Total = last.alt - first.alt
	r.Seconds = last.t - first.t
	if r.Seconds > 0 {
		r.Average = math.Round(r.Total*10/float64(r.Seconds)) / 10
	}
	return r
}
