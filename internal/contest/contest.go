// Package contest runs one contest day: it loads the reference data, keeps
// the tasks current, scores every pilot periodically and rolls the day over.
package contest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"soaring_tracker/internal/geo"
	"soaring_tracker/internal/identity"
	"soaring_tracker/internal/ingest"
	"soaring_tracker/internal/metrics"
	"soaring_tracker/internal/scoring"
	"soaring_tracker/internal/state"
	"soaring_tracker/internal/storage"
	"soaring_tracker/internal/task"
)

const dayLayout = "2006-01-02"

// ErrNoActiveTask is returned for a class with no task set for the day.
var ErrNoActiveTask = errors.New("no active task")

// ReferenceData supplies the site, roster and tasks and stores results.
type ReferenceData interface {
	LoadSite(ctx context.Context) (storage.Site, error)
	LoadRoster(ctx context.Context) ([]state.Pilot, error)
	ActiveTasks(ctx context.Context, day string) ([]task.Definition, error)
	UpsertScores(ctx context.Context, day string, scores []storage.ScoreRecord) error
}

// Recorder persists association changes and movements without blocking.
type Recorder interface {
	RecordAssociation(day string, c state.AssociationChange)
	RecordMovement(day string, m identity.Movement, source identity.Source)
}

// Options configures a Contest. Ingestor, Snapshots and Recorder may be nil.
type Options struct {
	Reference ReferenceData
	Directory identity.Directory
	Ingestor  *ingest.Ingestor
	Snapshots *state.Snapshots
	Recorder  Recorder
	Workers   int
	Now       func() time.Time
	Logger    *slog.Logger
}

// Contest owns the current state.Day and the scoring engines of each class.
type Contest struct {
	ref       ReferenceData
	directory identity.Directory
	ingestor  *ingest.Ingestor
	snapshots *state.Snapshots
	recorder  Recorder
	workers   int
	now       func() time.Time
	log       *slog.Logger

	mu       sync.RWMutex
	day      *state.Day
	site     scoring.Site
	resolver *identity.Resolver
	engines  map[string]*scoring.Engine
	maxHcap  map[string]float64
}

// New returns a Contest. Call Load before anything else.
func New(opts Options) *Contest {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Contest{
		ref:       opts.Reference,
		directory: opts.Directory,
		ingestor:  opts.Ingestor,
		snapshots: opts.Snapshots,
		recorder:  opts.Recorder,
		workers:   opts.Workers,
		now:       opts.Now,
		log:       opts.Logger.With(slog.String("component", "contest")),
		engines:   make(map[string]*scoring.Engine),
		maxHcap:   make(map[string]float64),
	}
}

// Today returns the contest date for the current time.
func (c *Contest) Today() string {
	return c.now().UTC().Format(dayLayout)
}

// Day returns the current contest day.
func (c *Contest) Day() *state.Day {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.day
}

// Site returns the contest site.
func (c *Contest) Site() scoring.Site {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.site
}

// Load reads the reference data and starts a fresh day for date. A missing
// site or roster is an error; a class without a task is not.
func (c *Contest) Load(ctx context.Context, date string) error {
	site, err := c.ref.LoadSite(ctx)
	if err != nil {
		return fmt.Errorf("load site: %w", err)
	}
	roster, err := c.ref.LoadRoster(ctx)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	if len(roster) == 0 {
		return errors.New("load roster: roster is empty")
	}

	day := state.NewDay(date, roster)
	day.OnAssociate(c.associated(date))
	sc := scoring.Site{Point: geo.FromDegrees(site.Lat, site.Lon), Elevation: site.Elevation}
	resolver := identity.NewResolver(sc.Point, sc.Elevation, c.directory, c.log)

	maxHcap := make(map[string]float64)
	for _, p := range roster {
		if p.Handicap > maxHcap[p.Class] {
			maxHcap[p.Class] = p.Handicap
		}
	}

	if c.snapshots != nil {
		n, err := c.snapshots.Restore(ctx, day)
		if err != nil {
			c.log.Warn("snapshot restore failed", slog.Any("error", err))
		} else if n > 0 {
			c.log.Info("restored trackers", slog.Int("count", n))
		}
	}

	c.mu.Lock()
	c.day = day
	c.site = sc
	c.resolver = resolver
	c.maxHcap = maxHcap
	c.engines = make(map[string]*scoring.Engine)
	c.mu.Unlock()

	if c.ingestor != nil {
		c.ingestor.SetDay(day, resolver)
	}
	c.log.Info("contest day loaded",
		slog.String("date", date),
		slog.String("site", site.Name),
		slog.Int("pilots", len(roster)))

	return c.RefreshTasks(ctx)
}

// associated records an association change for date.
func (c *Contest) associated(date string) func(state.AssociationChange) {
	return func(ch state.AssociationChange) {
		metrics.AssociationsTotal.WithLabelValues(string(ch.Reason)).Inc()
		c.log.Info("association",
			slog.String("pilot", ch.Key),
			slog.String("device", ch.Device),
			slog.String("previous", ch.Previous),
			slog.String("reason", string(ch.Reason)))
		if c.recorder != nil {
			c.recorder.RecordAssociation(date, ch)
		}
	}
}

// RefreshTasks reloads the active tasks. An engine is replaced only when its
// task content changed; the pilots' scoring state is then rebuilt on the
// next pass.
func (c *Contest) RefreshTasks(ctx context.Context) error {
	day := c.Day()
	if day == nil {
		return errors.New("no contest day loaded")
	}
	defs, err := c.ref.ActiveTasks(ctx, day.Date)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	site := c.Site()
	engines := make(map[string]*scoring.Engine, len(defs))
	for _, def := range defs {
		t, err := def.Build()
		if err != nil {
			c.log.Warn("task rejected", slog.String("task", def.ID), slog.String("class", def.Class), slog.Any("error", err))
			continue
		}
		engines[def.Class] = scoring.NewEngine(t, site, c.log)
	}

	c.mu.Lock()
	for class, e := range engines {
		if old, ok := c.engines[class]; ok && old.Task().Hash == e.Task().Hash {
			engines[class] = old
			continue
		}
		c.log.Info("task set", slog.String("class", class), slog.String("task", e.Task().ID),
			slog.String("type", e.Task().Type.String()), slog.Float64("distance", e.Task().Distance))
	}
	c.engines = engines
	c.mu.Unlock()
	return nil
}

// Task returns the active task of class.
func (c *Contest) Task(class string) (*task.Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.engines[class]
	if !ok {
		return nil, ErrNoActiveTask
	}
	return e.Task(), nil
}

// Classes returns the classes on the roster.
func (c *Contest) Classes() []string {
	day := c.Day()
	if day == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, g := range day.Trackers() {
		if !seen[g.Class] {
			seen[g.Class] = true
			out = append(out, g.Class)
		}
	}
	sort.Strings(out)
	return out
}

// ScorePass scores every pilot of every class with an active task. Classes
// without a task keep their previous results.
func (c *Contest) ScorePass(ctx context.Context) error {
	start := time.Now()
	c.mu.RLock()
	day := c.day
	engines := c.engines
	maxHcap := c.maxHcap
	c.mu.RUnlock()
	if day == nil {
		return errors.New("no contest day loaded")
	}

	var records []storage.ScoreRecord
	var recMu sync.Mutex
	counts := make(map[scoring.Status]int)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, tr := range day.Trackers() {
		e, ok := engines[tr.Class]
		if !ok {
			continue
		}
		tr := tr
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tr.Lock()
			res := e.Score(&tr.Scoring, scoring.Input{
				Samples:     tr.History.Samples(),
				Handicap:    tr.Handicap,
				MaxHandicap: maxHcap[tr.Class],
				Landed:      tr.Landed(),
			})
			tr.Result = res
			class, compno := tr.Class, tr.CompNo
			tr.Unlock()

			recMu.Lock()
			records = append(records, storage.ScoreRecord{Class: class, CompNo: compno, TaskID: e.Task().ID, Result: res})
			counts[res.Status]++
			recMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, s := range []scoring.Status{scoring.NotStarted, scoring.Started, scoring.Finished, scoring.Landed, scoring.Home} {
		metrics.ScoredPilots.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
	metrics.ScoringPassDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000)

	if len(records) > 0 {
		if err := c.ref.UpsertScores(ctx, day.Date, records); err != nil {
			metrics.StorageErrorsTotal.WithLabelValues("scores").Inc()
			c.log.Warn("score write failed", slog.Any("error", err))
		}
	}
	return nil
}

// Standing is one pilot's row in the class results.
type Standing struct {
	CompNo       string         `json:"compno"`
	Name         string         `json:"name,omitempty"`
	GliderType   string         `json:"gliderType,omitempty"`
	Handicap     float64        `json:"handicap"`
	Device       string         `json:"deviceId,omitempty"`
	Association  string         `json:"association"`
	Launch       int64          `json:"launchTime,omitempty"`
	Landing      int64          `json:"landingTime,omitempty"`
	LastPosition *[3]float64    `json:"lastPosition,omitempty"` // lat, lng, altitude
	Result       scoring.Result `json:"result"`
}

// Standings returns the class ordered by handicapped speed for finishers,
// then handicapped distance.
func (c *Contest) Standings(class string) ([]Standing, error) {
	day := c.Day()
	if day == nil {
		return nil, ErrNoActiveTask
	}
	if _, err := c.Task(class); err != nil {
		return nil, err
	}

	trackers := day.Class(class)
	out := make([]Standing, 0, len(trackers))
	for _, g := range trackers {
		g.Lock()
		s := Standing{
			CompNo:      g.CompNo,
			Name:        g.Name,
			GliderType:  g.GliderType,
			Handicap:    g.Handicap,
			Device:      g.Device,
			Association: g.Association.String(),
			Launch:      g.Launch,
			Landing:     g.Landing,
			Result:      g.Result,
		}
		if last, ok := g.History.Last(); ok {
			s.LastPosition = &[3]float64{last.Lat, last.Lon, last.Altitude}
		}
		g.Unlock()
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool { return better(out[i].Result, out[j].Result) })
	return out, nil
}

func better(a, b scoring.Result) bool {
	af, bf := a.Status == scoring.Finished, b.Status == scoring.Finished
	if af != bf {
		return af
	}
	if af && a.HandicapSpeed != nil && b.HandicapSpeed != nil && *a.HandicapSpeed != *b.HandicapSpeed {
		return *a.HandicapSpeed > *b.HandicapSpeed
	}
	return a.HandicapDistanceDone > b.HandicapDistanceDone
}

// Save writes tracker snapshots for the current day.
func (c *Contest) Save(ctx context.Context) {
	day := c.Day()
	if c.snapshots == nil || day == nil {
		return
	}
	if _, err := c.snapshots.Save(ctx, day); err != nil {
		metrics.StorageErrorsTotal.WithLabelValues("snapshots").Inc()
		c.log.Warn("snapshot save failed", slog.Any("error", err))
	}
}

// Rollover starts date as a new day when it differs from the current one.
// It reports whether a rollover happened.
func (c *Contest) Rollover(ctx context.Context, date string) (bool, error) {
	if day := c.Day(); day != nil && day.Date == date {
		return false, nil
	}
	c.Save(ctx)
	if c.snapshots != nil {
		if err := c.snapshots.Purge(ctx, date); err != nil {
			c.log.Warn("snapshot purge failed", slog.Any("error", err))
		}
	}
	if err := c.Load(ctx, date); err != nil {
		return false, err
	}
	return true, nil
}

// Run scores every interval and refreshes tasks every refresh until ctx is
// done. The day rolls over when the date changes.
func (c *Contest) Run(ctx context.Context, interval, refresh time.Duration) error {
	if refresh < interval {
		refresh = interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastRefresh := time.Now()

	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			c.Save(sctx)
			cancel()
			return nil
		case <-ticker.C:
		}

		if rolled, err := c.Rollover(ctx, c.Today()); err != nil {
			c.log.Error("rollover failed", slog.Any("error", err))
		} else if rolled {
			lastRefresh = time.Now()
		}
		if time.Since(lastRefresh) >= refresh {
			if err := c.RefreshTasks(ctx); err != nil {
				c.log.Warn("task refresh failed", slog.Any("error", err))
			}
			lastRefresh = time.Now()
		}
		if err := c.ScorePass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("scoring pass failed", slog.Any("error", err))
		}
		c.Save(ctx)
	}
}
