package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"soaring_tracker/internal/ddb"
	"soaring_tracker/internal/geo"
	"soaring_tracker/internal/track"
)

// Reason explains why a device was associated with a pilot.
type Reason string

const (
	ReasonDDB      Reason = "ddb-match"
	ReasonMovement Reason = "takeoff-landing-time-match"
	ReasonFlarmID  Reason = "flarm-id-in-log-file"
)

const (
	siteRadiusKm   = 30.0
	siteMaxAGL     = 1500.0 // m
	movementWindow = 60     // seconds
)

var (
	// ErrAmbiguous is returned when zero or several roster pilots match, or
	// the only match is already linked to another device.
	ErrAmbiguous = errors.New("ambiguous device association")
	// ErrNotNearSite is returned for devices too far from the airfield.
	ErrNotNearSite = errors.New("device not near the contest site")
	// ErrUnknownDevice is returned when the device has no directory entry.
	ErrUnknownDevice = errors.New("device not in registration directory")
)

// Candidate is the identity view of one roster pilot.
type Candidate struct {
	Class        string
	CompNo       string
	Registration string
	Device       string // empty when unassociated
	Duplicate    bool   // compno is not unique across classes
}

// Key returns the class-qualified competition number.
func (c Candidate) Key() string { return c.Class + "/" + c.CompNo }

// Directory looks up device registrations.
type Directory interface {
	Lookup(id string) (ddb.Device, bool)
}

// Resolver matches unknown devices near the site to roster pilots.
type Resolver struct {
	site          geo.Point
	siteElevation float64
	dir           Directory
	log           *slog.Logger
}

// NewResolver returns a resolver for a site at the given ground elevation.
func NewResolver(site geo.Point, elevation float64, dir Directory, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{site: site, siteElevation: elevation, dir: dir, log: log.With(slog.String("component", "identity"))}
}

// Resolve returns the single roster pilot device plausibly belongs to.
// Pilots whose compno is duplicated across classes are never matched
// automatically.
func (r *Resolver) Resolve(device string, s track.Sample, roster []Candidate) (Candidate, error) {
	if geo.Haversine(r.site, s.Point) > siteRadiusKm || s.Altitude-r.siteElevation > siteMaxAGL {
		return Candidate{}, ErrNotNearSite
	}
	entry, ok := r.dir.Lookup(device)
	if !ok {
		return Candidate{}, ErrUnknownDevice
	}

	reg := ddb.NormaliseRegistration(entry.Registration)
	var matches []Candidate
	for _, c := range roster {
		if c.Duplicate {
			continue
		}
		switch {
		case reg != "" && ddb.NormaliseRegistration(c.Registration) == reg:
			matches = append(matches, c)
		case entry.CompNo != "" && strings.EqualFold(c.CompNo, entry.CompNo):
			matches = append(matches, c)
		}
	}

	if len(matches) != 1 {
		r.log.Info("device not associated",
			slog.String("device", device),
			slog.String("registration", entry.Registration),
			slog.Int("candidates", len(matches)))
		return Candidate{}, fmt.Errorf("%s: %d candidates: %w", device, len(matches), ErrAmbiguous)
	}
	m := matches[0]
	if m.Device != "" && ddb.NormaliseID(m.Device) != ddb.NormaliseID(device) {
		r.log.Info("candidate already linked",
			slog.String("device", device),
			slog.String("pilot", m.Key()),
			slog.String("linked", m.Device))
		return Candidate{}, fmt.Errorf("%s: %s linked to %s: %w", device, m.Key(), m.Device, ErrAmbiguous)
	}
	return m, nil
}

// MatchMovements finds the one device whose recorded launch, and landing
// when known, fall within a minute of the given times. landing is 0 when the
// log has no landing.
func MatchMovements(launch, landing int64, movements []Movement) (string, error) {
	type seen struct{ launch, landing bool }
	byKey := make(map[string]*seen)
	for _, m := range movements {
		s := byKey[m.Key]
		if s == nil {
			s = &seen{}
			byKey[m.Key] = s
		}
		switch m.Action {
		case Launch:
			s.launch = s.launch || within(m.Time, launch)
		case Landing:
			s.landing = s.landing || within(m.Time, landing)
		}
	}

	var found []string
	for key, s := range byKey {
		if s.launch && (landing == 0 || s.landing) {
			found = append(found, key)
		}
	}
	if len(found) != 1 {
		return "", fmt.Errorf("%d devices match the movement times: %w", len(found), ErrAmbiguous)
	}
	return found[0], nil
}

func within(a, b int64) bool {
	d := a - b
	return d >= -movementWindow && d <= movementWindow
}
