package contest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"soaring_tracker/internal/geo"
	"soaring_tracker/internal/identity"
	"soaring_tracker/internal/logger"
	"soaring_tracker/internal/scoring"
	"soaring_tracker/internal/state"
	"soaring_tracker/internal/storage"
	"soaring_tracker/internal/task"
	"soaring_tracker/internal/track"
)

var base = geo.FromDegrees(51, -1)

type reference struct {
	mu     sync.Mutex
	tpR    float64
	scores []storage.ScoreRecord
}

func (r *reference) LoadSite(context.Context) (storage.Site, error) {
	return storage.Site{Name: "Test", Lat: 51, Lon: -1, Elevation: 100}, nil
}

func (r *reference) LoadRoster(context.Context) ([]state.Pilot, error) {
	return []state.Pilot{
		{Class: "club", CompNo: "KA", Handicap: 100, Device: "DD1234"},
		{Class: "club", CompNo: "B1", Handicap: 110, Device: "unknown"},
		{Class: "open", CompNo: "ZZ", Handicap: 120},
	}, nil
}

func (r *reference) ActiveTasks(_ context.Context, day string) ([]task.Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return []task.Definition{{
		ID:    "club-" + day,
		Class: "club",
		Type:  "S",
		Legs: []task.LegDefinition{
			{LegNo: 0, Type: "line", Direction: "np", Lat: 51, Lon: -1, R1: 3},
			{LegNo: 1, Type: "sector", Direction: "symmetrical", Lat: 51.5, Lon: -1, R1: r.tpR, A1: 180},
			{LegNo: 2, Type: "sector", Direction: "pp", Lat: 51, Lon: -1, R1: 3, A1: 180},
		},
	}}, nil
}

func (r *reference) UpsertScores(_ context.Context, _ string, s []storage.ScoreRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores = append(r.scores, s...)
	return nil
}

type recorder struct {
	mu           sync.Mutex
	associations []state.AssociationChange
	movements    []identity.Movement
}

func (r *recorder) RecordAssociation(_ string, c state.AssociationChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.associations = append(r.associations, c)
}

func (r *recorder) RecordMovement(_ string, m identity.Movement, _ identity.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.movements = append(r.movements, m)
}

func newContest(t *testing.T) (*Contest, *reference, *recorder) {
	t.Helper()
	ref := &reference{tpR: 0.5}
	rec := &recorder{}
	c := New(Options{
		Reference: ref,
		Recorder:  rec,
		Workers:   2,
		Now:       func() time.Time { return time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC) },
		Logger:    logger.Discard(),
	})
	if err := c.Load(context.Background(), c.Today()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return c, ref, rec
}

// outAndBack flies north from behind the start line to the turnpoint and
// back at 2.2 km a minute.
func outAndBack() []track.Sample {
	d := geo.Haversine(base, geo.FromDegrees(51.5, -1))
	kms := []float64{-1, -0.5}
	for k := 2.2; k < d; k += 2.2 {
		kms = append(kms, k)
	}
	kms = append(kms, d)
	for k := d - 2.2; k > 2; k -= 2.2 {
		kms = append(kms, k)
	}
	kms = append(kms, 1)

	out := make([]track.Sample, 0, len(kms))
	for i, km := range kms {
		var p geo.Point
		if km < 0 {
			p = geo.Destination(base, math.Pi, -km)
		} else {
			p = geo.Destination(base, 0, km)
		}
		out = append(out, track.NewSample(1000+int64(i)*60, p.Lat(), p.Lon(), 1100))
	}
	return out
}

func TestLoadAndTasks(t *testing.T) {
	c, _, _ := newContest(t)

	if got := c.Classes(); len(got) != 2 || got[0] != "club" || got[1] != "open" {
		t.Errorf("Classes() = %v", got)
	}
	tk, err := c.Task("club")
	if err != nil {
		t.Fatalf("Task(club) error = %v", err)
	}
	if tk.ID != "club-2026-07-01" {
		t.Errorf("task id = %s", tk.ID)
	}
	if _, err := c.Task("open"); !errors.Is(err, ErrNoActiveTask) {
		t.Errorf("Task(open) error = %v, want ErrNoActiveTask", err)
	}
	if _, err := c.Standings("open"); !errors.Is(err, ErrNoActiveTask) {
		t.Errorf("Standings(open) error = %v, want ErrNoActiveTask", err)
	}
}

func TestScorePass(t *testing.T) {
	c, ref, _ := newContest(t)
	day := c.Day()

	g, _ := day.Tracker("club/KA")
	g.Lock()
	for _, s := range outAndBack() {
		_ = g.History.Append(s)
	}
	g.Unlock()

	if err := c.ScorePass(context.Background()); err != nil {
		t.Fatalf("ScorePass() error = %v", err)
	}

	standings, err := c.Standings("club")
	if err != nil {
		t.Fatal(err)
	}
	if len(standings) != 2 || standings[0].CompNo != "KA" {
		t.Fatalf("standings = %+v", standings)
	}
	if standings[0].Result.Status != scoring.Finished {
		t.Errorf("KA status = %s, want finished", standings[0].Result.Status)
	}
	if standings[1].Result.Status != scoring.NotStarted {
		t.Errorf("B1 status = %s", standings[1].Result.Status)
	}
	if standings[0].LastPosition == nil || standings[0].Association != "associated" {
		t.Errorf("KA standing = %+v", standings[0])
	}

	ref.mu.Lock()
	n := len(ref.scores)
	ref.mu.Unlock()
	if n != 2 {
		t.Errorf("stored %d scores, want 2 (open has no task)", n)
	}

	// The open class keeps no result.
	zz, _ := day.Tracker("open/ZZ")
	if zz.Scoring.TaskHash != "" {
		t.Error("pilot without task was scored")
	}
}

func TestRefreshTasks(t *testing.T) {
	c, ref, _ := newContest(t)
	ctx := context.Background()

	before := c.engines["club"]
	if err := c.RefreshTasks(ctx); err != nil {
		t.Fatal(err)
	}
	if c.engines["club"] != before {
		t.Error("unchanged task replaced its engine")
	}

	ref.mu.Lock()
	ref.tpR = 1
	ref.mu.Unlock()
	if err := c.RefreshTasks(ctx); err != nil {
		t.Fatal(err)
	}
	after, _ := c.Task("club")
	if after.Hash == before.Task().Hash {
		t.Error("changed task kept its hash")
	}
}

func TestRollover(t *testing.T) {
	c, _, _ := newContest(t)
	ctx := context.Background()
	first := c.Day()

	rolled, err := c.Rollover(ctx, "2026-07-01")
	if err != nil || rolled {
		t.Errorf("Rollover(same day) = %v, %v", rolled, err)
	}
	rolled, err = c.Rollover(ctx, "2026-07-02")
	if err != nil || !rolled {
		t.Fatalf("Rollover(next day) = %v, %v", rolled, err)
	}
	if c.Day() == first || c.Day().Date != "2026-07-02" {
		t.Errorf("day not replaced: %s", c.Day().Date)
	}
	if tk, err := c.Task("club"); err != nil || tk.ID != "club-2026-07-02" {
		t.Errorf("Task(club) = %v, %v", tk, err)
	}
}

// igcLog builds a log that launches at 10:00 UTC and climbs away north at
// 100 km/h.
func igcLog(header string) string {
	var b strings.Builder
	b.WriteString("HFDTE010726\n")
	b.WriteString(header)
	start := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	step := 100.0 / 3600 * 4
	for i := 0; i < 15; i++ {
		p := geo.Destination(base, 0, float64(i)*step)
		ts := start.Add(time.Duration(i*4) * time.Second)
		// Thousandths of a minute.
		lat := int(math.Round(p.Lat() * 60000))
		lon := int(math.Round(-p.Lon() * 60000))
		alt := 100 + 30*i
		fmt.Fprintf(&b, "B%s%02d%05dN%03d%05dWA%05d%05d\n",
			ts.Format("150405"),
			lat/60000, lat%60000,
			lon/60000, lon%60000,
			alt, alt)
	}
	return b.String()
}

func TestUploadLogFlarmID(t *testing.T) {
	c, _, rec := newContest(t)

	res, err := c.UploadLog(context.Background(), "club/B1", strings.NewReader(igcLog("LFLA100000ID 2 AB0001\n")))
	if err != nil {
		t.Fatalf("UploadLog() error = %v", err)
	}
	if res.Device != "AB0001" || res.Reason != identity.ReasonFlarmID {
		t.Errorf("result = %+v", res)
	}
	launch := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC).Unix()
	if res.Launch != launch {
		t.Errorf("Launch = %d, want %d", res.Launch, launch)
	}
	if res.Applied != 15 {
		t.Errorf("Applied = %d, want 15", res.Applied)
	}

	g, _ := c.Day().Tracker("club/B1")
	if g.Device != "AB0001" || g.Launch != launch {
		t.Errorf("tracker = %s launch %d", g.Device, g.Launch)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.associations) != 1 || len(rec.movements) != 1 {
		t.Errorf("recorded %d associations, %d movements", len(rec.associations), len(rec.movements))
	}
}

func TestUploadLogMovementMatch(t *testing.T) {
	c, _, _ := newContest(t)
	day := c.Day()
	launch := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC).Unix()
	day.RecordMovement(identity.Movement{Key: "AB0002", Action: identity.Launch, Time: launch + 20})
	day.RecordMovement(identity.Movement{Key: "AB0003", Action: identity.Launch, Time: launch + 600})

	res, err := c.UploadLog(context.Background(), "club/B1", strings.NewReader(igcLog("")))
	if err != nil {
		t.Fatal(err)
	}
	if res.Device != "AB0002" || res.Reason != identity.ReasonMovement {
		t.Errorf("result = %+v", res)
	}
}

func TestUploadLogErrors(t *testing.T) {
	c, _, _ := newContest(t)
	ctx := context.Background()

	if _, err := c.UploadLog(ctx, "club/XX", strings.NewReader(igcLog(""))); !errors.Is(err, state.ErrUnknownPilot) {
		t.Errorf("unknown pilot error = %v", err)
	}
	other := strings.Replace(igcLog(""), "HFDTE010726", "HFDTE020726", 1)
	if _, err := c.UploadLog(ctx, "club/B1", strings.NewReader(other)); !errors.Is(err, ErrWrongDay) {
		t.Errorf("wrong day error = %v", err)
	}

	// Associated pilots keep their device.
	res, err := c.UploadLog(ctx, "club/KA", strings.NewReader(igcLog("LFLA100000ID 2 AB0001\n")))
	if err != nil {
		t.Fatal(err)
	}
	if res.Device != "" {
		t.Errorf("associated pilot relinked to %s", res.Device)
	}
}
