// Package ingest turns raw position reports into accepted samples and
// applies them to the contest day, one device at a time.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"soaring_tracker/internal/track"
)

var (
	// ErrMalformed is returned for a report that cannot be turned into a sample.
	ErrMalformed = errors.New("malformed report")
	// ErrLate is returned for a sample not newer than the last one accepted
	// for its device.
	ErrLate = errors.New("late or duplicate sample")
)

const (
	minAltitude = -500.0
	maxAltitude = 15000.0
)

// FlexFloat handles JSON fields that can be either string or number. Valid
// is false when the field was absent or unparseable.
type FlexFloat struct {
	Value float64
	Valid bool
}

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	*f = FlexFloat{}
	if string(data) == "null" {
		return nil
	}

	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*f = FlexFloat{Value: v, Valid: true}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
			*f = FlexFloat{Value: v, Valid: true}
		}
	}
	return nil
}

// FlexTime accepts unix seconds or milliseconds as a number or string, or
// an RFC 3339 timestamp.
type FlexTime struct {
	Unix  int64
	Valid bool
}

func (f *FlexTime) UnmarshalJSON(data []byte) error {
	*f = FlexTime{}

	var n FlexFloat
	_ = n.UnmarshalJSON(data)
	if n.Valid {
		v := int64(n.Value)
		if v > 1e12 {
			v /= 1000
		}
		*f = FlexTime{Unix: v, Valid: v > 0}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(s)); err == nil {
			*f = FlexTime{Unix: t.Unix(), Valid: true}
		}
	}
	return nil
}

// Report is one position report from the live feed.
type Report struct {
	DeviceID    string    `json:"deviceId"`
	Lat         FlexFloat `json:"lat"`
	Lon         FlexFloat `json:"lon"`
	Timestamp   FlexTime  `json:"timestamp"`
	Altitude    FlexFloat `json:"altitude"`
	GroundSpeed FlexFloat `json:"groundSpeed"`
	Course      FlexFloat `json:"course"`
	DeviceType  string    `json:"deviceType,omitempty"`
}

// Decode parses a JSON report.
func Decode(data []byte) (Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return r, nil
}

// Sample validates the report and converts it to a sample.
func (r Report) Sample() (track.Sample, error) {
	switch {
	case strings.TrimSpace(r.DeviceID) == "":
		return track.Sample{}, fmt.Errorf("%w: no device id", ErrMalformed)
	case !r.Timestamp.Valid:
		return track.Sample{}, fmt.Errorf("%w: %s: bad timestamp", ErrMalformed, r.DeviceID)
	case !r.Lat.Valid || !r.Lon.Valid || math.Abs(r.Lat.Value) > 90 || math.Abs(r.Lon.Value) > 180:
		return track.Sample{}, fmt.Errorf("%w: %s: bad position", ErrMalformed, r.DeviceID)
	case r.Lat.Value == 0 && r.Lon.Value == 0:
		return track.Sample{}, fmt.Errorf("%w: %s: null island", ErrMalformed, r.DeviceID)
	case !r.Altitude.Valid || r.Altitude.Value < minAltitude || r.Altitude.Value > maxAltitude:
		return track.Sample{}, fmt.Errorf("%w: %s: bad altitude", ErrMalformed, r.DeviceID)
	}

	s := track.NewSample(r.Timestamp.Unix, r.Lat.Value, r.Lon.Value, r.Altitude.Value)
	if r.GroundSpeed.Valid && r.GroundSpeed.Value >= 0 {
		v := r.GroundSpeed.Value
		s.GroundSpeed = &v
	}
	if r.Course.Valid {
		v := math.Mod(r.Course.Value+360, 360)
		s.Course = &v
	}
	return s, nil
}
