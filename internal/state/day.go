// Package state holds the per contest day store of glider trackers, the
// device table and the traces of devices not yet tied to a pilot.
package state

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"soaring_tracker/internal/ddb"
	"soaring_tracker/internal/identity"
)

// ErrUnknownPilot is returned for a key that is not on the roster.
var ErrUnknownPilot = errors.New("pilot not on roster")

// Day is the store for one contest day. A new Day replaces the old one at
// rollover; nothing carries across.
type Day struct {
	Date string

	mu        sync.RWMutex
	trackers  map[string]*GliderTrack
	devices   map[string]*GliderTrack
	unknown   map[string]*identity.UnknownTrack
	movements []identity.Movement

	// Callback for association changes.
	onAssociate func(AssociationChange)
}

// NewDay builds the trackers for the roster. Competition numbers used in
// more than one class are flagged so they are never matched automatically.
func NewDay(date string, roster []Pilot) *Day {
	d := &Day{
		Date:     date,
		trackers: make(map[string]*GliderTrack, len(roster)),
		devices:  make(map[string]*GliderTrack),
		unknown:  make(map[string]*identity.UnknownTrack),
	}

	classes := make(map[string]map[string]bool)
	for _, p := range roster {
		cn := strings.ToUpper(p.CompNo)
		if classes[cn] == nil {
			classes[cn] = make(map[string]bool)
		}
		classes[cn][p.Class] = true
	}

	for _, p := range roster {
		g := &GliderTrack{
			Pilot:     p,
			Duplicate: len(classes[strings.ToUpper(p.CompNo)]) > 1,
			Movement:  identity.NewUnknownTrack(p.Key()),
		}
		if p.Device != "" && !strings.EqualFold(p.Device, "unknown") {
			g.Device = ddb.NormaliseID(p.Device)
			g.Association = Associated
			d.devices[g.Device] = g
		} else {
			g.Device = ""
		}
		d.trackers[p.Key()] = g
	}
	return d
}

// OnAssociate sets a callback for association changes.
func (d *Day) OnAssociate(fn func(AssociationChange)) {
	d.onAssociate = fn
}

// Tracker returns the tracker for a class/compno key.
func (d *Day) Tracker(key string) (*GliderTrack, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	g, ok := d.trackers[key]
	return g, ok
}

// ByDevice returns the tracker a device is associated with.
func (d *Day) ByDevice(device string) (*GliderTrack, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	g, ok := d.devices[ddb.NormaliseID(device)]
	return g, ok
}

// Trackers returns every tracker ordered by key.
func (d *Day) Trackers() []*GliderTrack {
	d.mu.RLock()
	out := make([]*GliderTrack, 0, len(d.trackers))
	for _, g := range d.trackers {
		out = append(out, g)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Class returns the trackers of one class ordered by compno.
func (d *Day) Class(class string) []*GliderTrack {
	var out []*GliderTrack
	for _, g := range d.Trackers() {
		if g.Class == class {
			out = append(out, g)
		}
	}
	return out
}

// Candidates returns the identity view of the whole roster.
func (d *Day) Candidates() []identity.Candidate {
	trackers := d.Trackers()
	out := make([]identity.Candidate, 0, len(trackers))
	for _, g := range trackers {
		g.Lock()
		out = append(out, g.Candidate())
		g.Unlock()
	}
	return out
}

// Associate links device to the pilot at key. A device already linked to
// another pilot is moved; the change records the pilot's previous device.
func (d *Day) Associate(key, device string, reason identity.Reason) (AssociationChange, error) {
	change, err := d.link(key, device, reason)
	if err != nil {
		return change, err
	}
	if d.onAssociate != nil {
		d.onAssociate(change)
	}
	return change, nil
}

func (d *Day) link(key, device string, reason identity.Reason) (AssociationChange, error) {
	device = ddb.NormaliseID(device)

	d.mu.Lock()
	g, ok := d.trackers[key]
	if !ok {
		d.mu.Unlock()
		return AssociationChange{}, ErrUnknownPilot
	}
	if other, ok := d.devices[device]; ok && other != g {
		other.Lock()
		other.Device = ""
		other.Association = Unassociated
		other.Unlock()
	}

	g.Lock()
	change := AssociationChange{Key: key, Device: device, Previous: g.Device, Reason: reason}
	if g.Device != "" {
		delete(d.devices, g.Device)
	}
	g.Device = device
	g.Association = Associated
	g.Unlock()

	d.devices[device] = g
	delete(d.unknown, device)
	d.mu.Unlock()
	return change, nil
}

// Unknown returns the trace for an unassociated device, creating it.
func (d *Day) Unknown(device string) *identity.UnknownTrack {
	device = ddb.NormaliseID(device)
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.unknown[device]
	if !ok {
		u = identity.NewUnknownTrack(device)
		d.unknown[device] = u
	}
	return u
}

// UnknownCount returns the number of devices being traced.
func (d *Day) UnknownCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.unknown)
}

// DropUnknown discards the trace for a device.
func (d *Day) DropUnknown(device string) {
	d.mu.Lock()
	delete(d.unknown, ddb.NormaliseID(device))
	d.mu.Unlock()
}

// RecordMovement keeps a launch or landing of an unassociated device for
// later matching against flight logs.
func (d *Day) RecordMovement(m identity.Movement) {
	d.mu.Lock()
	d.movements = append(d.movements, m)
	d.mu.Unlock()
}

// Movements returns a copy of the recorded movements.
func (d *Day) Movements() []identity.Movement {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]identity.Movement(nil), d.movements...)
}
