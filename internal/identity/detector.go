// Package identity detects launches and landings for tracks that are not yet
// tied to a pilot and reconciles tracking devices with the contest roster.
package identity

import (
	"math"

	"soaring_tracker/internal/geo"
	"soaring_tracker/internal/track"
)

// Action is a movement event.
type Action string

const (
	Launch  Action = "launch"
	Landing Action = "landing"
)

// Source records where a movement was observed.
type Source string

const (
	SourceLive    Source = "live-feed"
	SourceLogFile Source = "log-file-replay"
)

const (
	bufferSeconds = 40
	bufferPoints  = 3

	launchMaxStartAGL = 200.0 // m
	launchMinSpeed    = 70.0  // km/h
	launchMinGain     = 25.0  // m
	launchMinAGL      = 40.0  // m
	launchMinTrip     = 0.1   // km

	landingMaxDelta = 10.0 // m
	landingMaxSpeed = 35.0 // km/h
	landingMaxAGL   = 50.0 // m

	traceMinSpeed = 130.0 // km/h
	traceMinAGL   = 200.0 // m
)

// Movement is a detected launch or landing.
type Movement struct {
	Key      string
	Action   Action
	Time     int64
	Point    geo.Point
	Altitude float64
}

// UnknownTrack is the short rolling trace of one unassociated device or one
// replayed flight log. It is not safe for concurrent use.
type UnknownTrack struct {
	Key        string
	Airborne   bool
	TraceStart bool // airborne was inferred from speed and height alone

	points []geo.Point
	times  []int64
	alts   []float64
	agl    []float64
}

// NewUnknownTrack returns an empty trace for key.
func NewUnknownTrack(key string) *UnknownTrack {
	return &UnknownTrack{Key: key}
}

// Len returns the number of buffered samples.
func (u *UnknownTrack) Len() int { return len(u.times) }

// LastTime returns the newest buffered time or 0.
func (u *UnknownTrack) LastTime() int64 {
	if len(u.times) == 0 {
		return 0
	}
	return u.times[len(u.times)-1]
}

// Add buffers s and reports a launch or landing when one is detected. Each
// transition fires once; samples not newer than the buffer are ignored.
func (u *UnknownTrack) Add(s track.Sample) (Movement, bool) {
	if n := len(u.times); n > 0 && s.Time <= u.times[n-1] {
		return Movement{}, false
	}

	u.points = append(u.points, s.Point)
	u.times = append(u.times, s.Time)
	u.alts = append(u.alts, s.Altitude)
	u.agl = append(u.agl, s.HeightAGL())
	u.trim()

	n := len(u.times)
	if n < 2 {
		return Movement{}, false
	}

	var trip float64
	for i := 1; i < n; i++ {
		trip += geo.Haversine(u.points[i-1], u.points[i])
	}
	straight := geo.Haversine(u.points[0], u.points[n-1])
	elapsed := u.times[n-1] - u.times[0]
	speed := straight / (float64(elapsed) / 3600)
	delta := u.alts[n-1] - u.alts[0]
	agl := u.agl[n-1]

	switch {
	case !u.Airborne && u.agl[0] < launchMaxStartAGL && speed > launchMinSpeed &&
		delta > launchMinGain && agl > launchMinAGL && trip > launchMinTrip:
		u.Airborne = true
		return u.movement(Launch, 0), true

	case !u.Airborne && speed > traceMinSpeed && agl > traceMinAGL:
		u.Airborne = true
		u.TraceStart = true

	case u.Airborne && math.Abs(delta) < landingMaxDelta && speed < landingMaxSpeed && agl < landingMaxAGL:
		u.Airborne = false
		u.TraceStart = false
		return u.movement(Landing, 0), true
	}
	return Movement{}, false
}

func (u *UnknownTrack) movement(a Action, i int) Movement {
	return Movement{Key: u.Key, Action: a, Time: u.times[i], Point: u.points[i], Altitude: u.alts[i]}
}

// trim drops the oldest samples while more than the window remains and at
// least bufferPoints samples would be kept.
func (u *UnknownTrack) trim() {
	n := len(u.times)
	drop := 0
	for n-drop > bufferPoints && u.times[n-1]-u.times[drop+1] >= bufferSeconds {
		drop++
	}
	if drop == 0 {
		return
	}
	u.points = append(u.points[:0], u.points[drop:]...)
	u.times = append(u.times[:0], u.times[drop:]...)
	u.alts = append(u.alts[:0], u.alts[drop:]...)
	u.agl = append(u.agl[:0], u.agl[drop:]...)
}
