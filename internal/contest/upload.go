package contest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"soaring_tracker/internal/identity"
	"soaring_tracker/internal/igc"
	"soaring_tracker/internal/metrics"
	"soaring_tracker/internal/state"
)

// ErrWrongDay is returned for a flight log recorded on another date.
var ErrWrongDay = errors.New("flight log is for another day")

// LogResult reports what an uploaded flight log was used for.
type LogResult struct {
	ID         string          `json:"id"`
	Pilot      string          `json:"pilot"`
	Fixes      int             `json:"fixes"`
	Applied    int             `json:"applied"`
	Launch     int64           `json:"launchTime,omitempty"`
	Landing    int64           `json:"landingTime,omitempty"`
	Device     string          `json:"deviceId,omitempty"`
	Reason     identity.Reason `json:"reason,omitempty"`
	Unresolved string          `json:"unresolved,omitempty"`
}

// UploadLog reads a pilot's flight log. The log's launch and landing are
// recorded; an unassociated pilot is linked to the FLARM id in the log or,
// failing that, to the one live device whose movements match. A pilot with
// no live positions gets the log's fixes as history.
func (c *Contest) UploadLog(ctx context.Context, key string, r io.Reader) (LogResult, error) {
	day := c.Day()
	if day == nil {
		return LogResult{}, errors.New("no contest day loaded")
	}
	g, ok := day.Tracker(key)
	if !ok {
		return LogResult{}, state.ErrUnknownPilot
	}
	flight, err := igc.Parse(r)
	if err != nil {
		return LogResult{}, err
	}
	if got := flight.Date.Format(dayLayout); got != day.Date {
		return LogResult{}, fmt.Errorf("%w: %s", ErrWrongDay, got)
	}

	res := LogResult{ID: uuid.NewString(), Pilot: key, Fixes: len(flight.Fixes)}
	log := c.log.With(slog.String("upload", res.ID), slog.String("pilot", key))
	site := c.Site()

	// Movements from the log itself.
	trace := identity.NewUnknownTrack(key)
	for _, s := range flight.Fixes {
		agl := s.Altitude - site.Elevation
		s.AGL = &agl
		m, ok := trace.Add(s)
		if !ok {
			continue
		}
		if m.Action == identity.Launch && res.Launch == 0 {
			res.Launch = m.Time
		} else if m.Action == identity.Landing {
			res.Landing = m.Time
		}
		metrics.MovementsTotal.WithLabelValues(string(m.Action), string(identity.SourceLogFile)).Inc()
		if c.recorder != nil {
			c.recorder.RecordMovement(day.Date, m, identity.SourceLogFile)
		}
	}
	if res.Launch == 0 && trace.TraceStart {
		// Log starts in flight.
		res.Launch = flight.Launch()
	}

	g.Lock()
	linked := g.Association == state.Associated
	g.Unlock()

	if !linked {
		c.linkFromLog(day, key, flight, &res)
		if res.Unresolved != "" {
			log.Info("log not associated", slog.String("reason", res.Unresolved))
		}
	}

	g.Lock()
	if g.History.Len() == 0 {
		for _, s := range flight.Fixes {
			agl := s.Altitude - site.Elevation
			s.AGL = &agl
			if g.History.Append(s) == nil {
				res.Applied++
			}
		}
		if res.Launch != 0 {
			g.Launch = res.Launch
		}
		if res.Landing != 0 {
			g.Landing = res.Landing
		}
	}
	g.Unlock()

	log.Info("flight log processed",
		slog.Int("fixes", res.Fixes),
		slog.Int("applied", res.Applied),
		slog.Int64("launch", res.Launch),
		slog.Int64("landing", res.Landing),
		slog.String("device", res.Device))
	return res, nil
}

func (c *Contest) linkFromLog(day *state.Day, key string, flight *igc.Log, res *LogResult) {
	device, reason := flight.FlarmID, identity.ReasonFlarmID
	if device == "" {
		if res.Launch == 0 {
			res.Unresolved = "no FLARM id and no launch in log"
			return
		}
		found, err := identity.MatchMovements(res.Launch, res.Landing, day.Movements())
		if err != nil {
			res.Unresolved = err.Error()
			return
		}
		device, reason = found, identity.ReasonMovement
	}

	change, err := day.Associate(key, device, reason)
	if err != nil {
		res.Unresolved = err.Error()
		return
	}
	res.Device, res.Reason = change.Device, reason
}
