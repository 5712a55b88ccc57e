package state

import (
	"fmt"
	"sync"

	"soaring_tracker/internal/identity"
	"soaring_tracker/internal/scoring"
	"soaring_tracker/internal/track"
	"soaring_tracker/internal/vario"
)

// Association is whether a pilot has a tracking device.
type Association int

const (
	Unassociated Association = iota
	Associated
)

func (a Association) String() string {
	if a == Associated {
		return "associated"
	}
	return "unassociated"
}

// Pilot is one roster entry as supplied by the reference data.
type Pilot struct {
	Class        string  `json:"class"`
	CompNo       string  `json:"compno"`
	Name         string  `json:"name,omitempty"`
	Registration string  `json:"registration,omitempty"`
	GliderType   string  `json:"gliderType,omitempty"`
	Handicap     float64 `json:"handicap"`
	Device       string  `json:"deviceId,omitempty"` // empty when unknown
}

// Key returns the class-qualified competition number.
func (p Pilot) Key() string { return Key(p.Class, p.CompNo) }

// Key builds a tracker key.
func Key(class, compno string) string { return fmt.Sprintf("%s/%s", class, compno) }

// GliderTrack is the live state of one pilot for one contest day. Callers
// hold the embedded mutex while reading or changing any field.
type GliderTrack struct {
	sync.Mutex

	Pilot
	Association Association
	Duplicate   bool

	History  track.History
	Vario    vario.Estimator
	Movement *identity.UnknownTrack
	Launch   int64
	Landing  int64

	Scoring scoring.State
	Result  scoring.Result
}

// Landed reports whether the last movement was a landing.
func (g *GliderTrack) Landed() bool {
	return g.Landing != 0 && g.Landing >= g.Launch
}

// Candidate returns the identity view used by device matching.
func (g *GliderTrack) Candidate() identity.Candidate {
	return identity.Candidate{
		Class:        g.Class,
		CompNo:       g.CompNo,
		Registration: g.Registration,
		Device:       g.Device,
		Duplicate:    g.Duplicate,
	}
}

// AssociationChange records a device being linked to a pilot.
type AssociationChange struct {
	Key      string
	Device   string
	Previous string
	Reason   identity.Reason
}
