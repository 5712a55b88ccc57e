// Package track holds position samples and the append-only per-glider history.
package track

import (
	"errors"

	"soaring_tracker/internal/geo"
)

// ErrOutOfOrder is returned when a sample is not newer than the last one held.
var ErrOutOfOrder = errors.New("sample not newer than history")

// Sample is one validated position fix.
type Sample struct {
	Time     int64     `msgpack:"t" json:"t"` // unix seconds
	Point    geo.Point `msgpack:"-" json:"-"`
	Lat      float64   `msgpack:"la" json:"lat"`
	Lon      float64   `msgpack:"lo" json:"lng"`
	Altitude float64   `msgpack:"a" json:"alt"`

	// Optional fields are nil when the source did not supply them.
	AGL         *float64 `msgpack:"g,omitempty" json:"agl,omitempty"`
	GroundSpeed *float64 `msgpack:"s,omitempty" json:"gs,omitempty"` // km/h
	Course      *float64 `msgpack:"c,omitempty" json:"course,omitempty"`
}

// NewSample builds a sample from decimal degrees.
func NewSample(t int64, lat, lon, alt float64) Sample {
	return Sample{Time: t, Point: geo.FromDegrees(lat, lon), Lat: lat, Lon: lon, Altitude: alt}
}

// Restore rebuilds the radian point after decoding from a snapshot.
func (s *Sample) Restore() {
	s.Point = geo.FromDegrees(s.Lat, s.Lon)
}

// HeightAGL returns the height above ground or the altitude when unknown.
func (s Sample) HeightAGL() float64 {
	if s.AGL != nil {
		return *s.AGL
	}
	return s.Altitude
}

// History is a time-ordered, append-only list of samples. It is not safe for
// concurrent use; the owning tracker serialises access.
type History struct {
	samples []Sample
}

// Append adds s if it is strictly newer than the last sample.
func (h *History) Append(s Sample) error {
	if n := len(h.samples); n > 0 && s.Time <= h.samples[n-1].Time {
		return ErrOutOfOrder
	}
	h.samples = append(h.samples, s)
	return nil
}

// Len returns the number of samples.
func (h *History) Len() int { return len(h.samples) }

// Last returns the newest sample.
func (h *History) Last() (Sample, bool) {
	if len(h.samples) == 0 {
		return Sample{}, false
	}
	return h.samples[len(h.samples)-1], true
}

// Samples returns a read-only view of the history. Appends made later are not
// visible through the returned slice.
func (h *History) Samples() []Sample {
	return h.samples[:len(h.samples):len(h.samples)]
}

// Since returns the samples strictly newer than t.
func (h *History) Since(t int64) []Sample {
	i := h.search(t)
	return h.samples[i:len(h.samples):len(h.samples)]
}

// search returns the index of the first sample with Time > t.
func (h *History) search(t int64) int {
	lo, hi := 0, len(h.samples)
	for lo < hi {
		mid := (lo + hi) / 2
		if h.samples[mid].Time <= t {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Reset drops all samples.
func (h *History) Reset() { h.samples = nil }
