package scoring

import (
	"fmt"
	"math"

	"soaring_tracker/internal/geo"
)

// Status is the race progress of one pilot.
type Status int

const (
	NotStarted Status = iota
	Started
	Finished
	Landed
	Home
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Started:
		return "flying"
	case Finished:
		return "finished"
	case Landed:
		return "landed-out"
	case Home:
		return "home"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText renders the status as its name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Result is the scored progress of one pilot on one task. Optional values
// are nil when they cannot be computed.
type Result struct {
	Status                      Status       `json:"status"`
	DistanceDone                float64      `json:"distanceDone"`
	HandicapDistanceDone        float64      `json:"handicapDistanceDone"`
	Speed                       *float64     `json:"speed,omitempty"`
	HandicapSpeed               *float64     `json:"handicapSpeed,omitempty"`
	Remaining                   *float64     `json:"remaining,omitempty"`
	HandicapRemaining           *float64     `json:"handicapRemaining,omitempty"`
	GlideRatioRemaining         *float64     `json:"glideRatioRemaining,omitempty"`
	HandicapGlideRatioRemaining *float64     `json:"handicapGlideRatioRemaining,omitempty"`
	LastTurnpoint               int          `json:"lastTurnpointIndex"`
	LegSpeeds                   []float64    `json:"legSpeeds,omitempty"`
	StartTime                   int64        `json:"startTime,omitempty"`
	FinishTime                  int64        `json:"finishTime,omitempty"`
	ScoredPoints                [][2]float64 `json:"scoredPoints,omitempty"`
}

func ptr(v float64) *float64 { return &v }

// round1 rounds to one decimal place.
func round1(v float64) float64 { return math.Round(v*10) / 10 }

const (
	maxPlausibleSpeed = 180.0 // km/h
	minSpeedElapsed   = 300   // seconds
)

// speedFor returns km/h or nil when the value is implausible or too early.
func speedFor(dist float64, elapsed int64) *float64 {
	if elapsed < minSpeedElapsed {
		return nil
	}
	v := dist / (float64(elapsed) / 3600)
	if v > maxPlausibleSpeed || v < 0 {
		return nil
	}
	return ptr(round1(v))
}

// glideRatio returns the glide ratio needed to cover dist km from height m.
func glideRatio(dist, height float64) *float64 {
	if height <= 0 || dist <= 0 {
		return nil
	}
	return ptr(round1(dist * 1000 / height))
}

func latLng(p geo.Point) [2]float64 { return [2]float64{p.Lat(), p.Lon()} }
