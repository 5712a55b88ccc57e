package task

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"soaring_tracker/internal/geo"
)

// FlexCoord handles JSON coordinates that can be either a decimal number or
// a DMS string such as "51°30'12\"N".
type FlexCoord float64

func (f *FlexCoord) UnmarshalJSON(data []byte) error {
	// Try as number first
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*f = FlexCoord(v)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("coordinate: %w", err)
	}
	if d, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		*f = FlexCoord(d)
		return nil
	}
	d, err := geo.ParseDMS(s)
	if err != nil {
		return err
	}
	*f = FlexCoord(d)
	return nil
}

// LegDefinition is one task leg as supplied by the reference data.
type LegDefinition struct {
	LegNo         int       `json:"legno"`
	Name          string    `json:"name,omitempty"`
	Type          string    `json:"type"`      // "line" or "sector"
	Direction     string    `json:"direction"` // "symmetrical", "np", "pp" or "fixed"
	Lat           FlexCoord `json:"lat"`
	Lon           FlexCoord `json:"lon"`
	R1            float64   `json:"r1"`
	R2            float64   `json:"r2"`
	A1            float64   `json:"a1"`
	A2            float64   `json:"a2"`
	A12           float64   `json:"a12"`
	HandicapIndex float64   `json:"handicapIndex"`
}

// Definition is a task as supplied by the reference data.
type Definition struct {
	ID        string          `json:"id"`
	Class     string          `json:"class"`
	Type      string          `json:"type"` // "S", "A", "D" or speed/aat/dh
	Duration  int             `json:"durationSeconds,omitempty"`
	StartOpen int64           `json:"startOpen,omitempty"`
	Legs      []LegDefinition `json:"legs"`
}

// ParseDefinition decodes a JSON task definition.
func ParseDefinition(r io.Reader) (Definition, error) {
	var d Definition
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return d, fmt.Errorf("decode task: %w", err)
	}
	return d, nil
}

// ParseType maps the reference-data task type to a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "s", "speed", "racing":
		return Speed, nil
	case "a", "aat", "assigned":
		return AssignedArea, nil
	case "d", "dh", "distance-handicap":
		return DistanceHandicap, nil
	}
	return Speed, fmt.Errorf("unknown task type %q", s)
}

func parseDirection(s string) Direction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "np", "next":
		return DirNextLeg
	case "pp", "previous":
		return DirPreviousLeg
	case "fixed":
		return DirFixed
	}
	return DirSymmetrical
}

// Build validates the definition and returns the prepared task. Legs are
// ordered by leg number.
func (d Definition) Build() (*Task, error) {
	typ, err := ParseType(d.Type)
	if err != nil {
		return nil, err
	}

	legs := make([]Leg, len(d.Legs))
	seen := make([]bool, len(d.Legs))
	for _, ld := range d.Legs {
		if ld.LegNo < 0 || ld.LegNo >= len(d.Legs) || seen[ld.LegNo] {
			return nil, fmt.Errorf("%s: bad leg number %d", d.ID, ld.LegNo)
		}
		seen[ld.LegNo] = true
		kind := KindSector
		if strings.EqualFold(ld.Type, "line") {
			kind = KindLine
		}
		legs[ld.LegNo] = Leg{
			Name:      ld.Name,
			Kind:      kind,
			Direction: parseDirection(ld.Direction),
			Center:    geo.FromDegrees(float64(ld.Lat), float64(ld.Lon)),
			R1:        ld.R1,
			R2:        ld.R2,
			A1:        ld.A1,
			A2:        ld.A2,
			A12:       ld.A12,
			Hi:        ld.HandicapIndex,
		}
	}

	t, err := New(d.ID, d.Class, typ, legs)
	if err != nil {
		return nil, err
	}
	t.Duration = time.Duration(d.Duration) * time.Second
	t.StartOpen = d.StartOpen
	t.Hash = t.hash()
	return t, nil
}

// GeoJSON renders the observation zones and the course line.
func (t *Task) GeoJSON() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	course := make(orb.LineString, 0, len(t.Legs))
	for i := range t.Legs {
		l := &t.Legs[i]
		course = append(course, toOrb(l.Center))

		var f *geojson.Feature
		if l.Kind == KindLine {
			f = geojson.NewFeature(l.Line)
		} else {
			f = geojson.NewFeature(l.Boundary)
		}
		f.Properties["legno"] = l.Index
		f.Properties["name"] = l.Name
		f.Properties["length"] = l.Length
		fc.Append(f)
	}

	f := geojson.NewFeature(course)
	f.Properties["task"] = t.ID
	f.Properties["distance"] = t.Distance
	fc.Append(f)
	return fc
}
