package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"soaring_tracker/internal/broadcast"
	"soaring_tracker/internal/ddb"
	"soaring_tracker/internal/geo"
	"soaring_tracker/internal/identity"
	"soaring_tracker/internal/metrics"
	"soaring_tracker/internal/state"
	"soaring_tracker/internal/track"
	"soaring_tracker/internal/vario"
)

const (
	gateSeconds  = 30
	gateKm       = 0.005
	resolveEvery = 60 // seconds between resolver attempts per device
	queueDepth   = 1024

	// elevationTimeout bounds a ground lookup made while the shard is held.
	elevationTimeout = 500 * time.Millisecond
)

// Elevation returns the ground height at a position.
type Elevation interface {
	Lookup(ctx context.Context, lat, lon float64) (float64, error)
}

// Publisher receives live updates, keyed by class.
type Publisher interface {
	Publish(channel string, u broadcast.Update)
}

// Recorder persists accepted samples and movements. Implementations must
// not block.
type Recorder interface {
	RecordTrackpoint(day, key, device string, s track.Sample, v vario.Result)
	RecordMovement(day string, m identity.Movement, source identity.Source)
}

// Options configures an Ingestor.
type Options struct {
	Shards    int
	Elevation Elevation
	Publisher Publisher
	Recorder  Recorder
	Logger    *slog.Logger
}

type target struct {
	day      *state.Day
	resolver *identity.Resolver
}

// Ingestor applies reports to the current contest day. Reports for one
// device always land on the same shard and are applied in arrival order.
type Ingestor struct {
	shards    []*shard
	current   atomic.Pointer[target]
	elevation Elevation
	publisher Publisher
	recorder  Recorder
	log       *slog.Logger
}

type shard struct {
	mu      sync.Mutex
	queue   chan Report
	last    map[string]track.Sample
	resolve map[string]int64
	ground  map[string]float64
}

// New returns an Ingestor. Publisher, Recorder and Elevation may be nil.
func New(opts Options) *Ingestor {
	if opts.Shards <= 0 {
		opts.Shards = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	in := &Ingestor{
		shards:    make([]*shard, opts.Shards),
		elevation: opts.Elevation,
		publisher: opts.Publisher,
		recorder:  opts.Recorder,
		log:       opts.Logger.With(slog.String("component", "ingest")),
	}
	for i := range in.shards {
		in.shards[i] = &shard{
			queue:   make(chan Report, queueDepth),
			last:    make(map[string]track.Sample),
			resolve: make(map[string]int64),
			ground:  make(map[string]float64),
		}
	}
	return in
}

// SetDay switches ingestion to a new contest day. Reports received with no
// day set are dropped.
func (in *Ingestor) SetDay(day *state.Day, resolver *identity.Resolver) {
	if day == nil {
		in.current.Store(nil)
		return
	}
	in.current.Store(&target{day: day, resolver: resolver})
	for _, sh := range in.shards {
		sh.mu.Lock()
		clear(sh.last)
		clear(sh.resolve)
		clear(sh.ground)
		sh.mu.Unlock()
	}
}

func (in *Ingestor) shardFor(device string) *shard {
	return in.shards[xxhash.Sum64String(device)%uint64(len(in.shards))]
}

// Submit queues a report for its device's shard. It blocks while the shard
// queue is full.
func (in *Ingestor) Submit(ctx context.Context, r Report) error {
	r.DeviceID = ddb.NormaliseID(r.DeviceID)
	if r.DeviceID == "" {
		metrics.ReportsTotal.WithLabelValues("malformed").Inc()
		return ErrMalformed
	}
	select {
	case in.shardFor(r.DeviceID).queue <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the shard queues until ctx is done.
func (in *Ingestor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sh := range in.shards {
		sh := sh
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case r := <-sh.queue:
					_ = in.apply(ctx, sh, r)
				}
			}
		})
	}
	return g.Wait()
}

// Process applies one report synchronously.
func (in *Ingestor) Process(ctx context.Context, r Report) error {
	r.DeviceID = ddb.NormaliseID(r.DeviceID)
	return in.apply(ctx, in.shardFor(r.DeviceID), r)
}

func (in *Ingestor) apply(ctx context.Context, sh *shard, r Report) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	err := in.handle(ctx, sh, r)
	switch {
	case err == nil:
		metrics.ReportsTotal.WithLabelValues("accepted").Inc()
	case errors.Is(err, ErrMalformed):
		metrics.ReportsTotal.WithLabelValues("malformed").Inc()
		in.log.Debug("report dropped", slog.Any("error", err))
	case errors.Is(err, ErrLate):
		metrics.ReportsTotal.WithLabelValues("late").Inc()
	case errors.Is(err, errGated):
		metrics.ReportsTotal.WithLabelValues("gated").Inc()
		err = nil
	case errors.Is(err, errNoDay):
		metrics.ReportsTotal.WithLabelValues("no_day").Inc()
	}
	return err
}

var (
	errGated = errors.New("gated")
	errNoDay = errors.New("no contest day")
)

func (in *Ingestor) handle(ctx context.Context, sh *shard, r Report) error {
	s, err := r.Sample()
	if err != nil {
		return err
	}
	cur := in.current.Load()
	if cur == nil {
		return errNoDay
	}

	device := r.DeviceID
	if last, ok := sh.last[device]; ok {
		if s.Time <= last.Time {
			return ErrLate
		}
		if s.Time-last.Time < gateSeconds && geo.Haversine(last.Point, s.Point) < gateKm {
			return errGated
		}
	}
	sh.last[device] = s

	in.setAGL(ctx, sh, device, &s)

	if g, ok := cur.day.ByDevice(device); ok {
		return in.associated(cur.day, g, device, s)
	}
	return in.unassociated(cur, sh, device, s)
}

// setAGL fills the height above ground. A failed or slow lookup falls back
// to the device's last known ground height, or zero.
func (in *Ingestor) setAGL(ctx context.Context, sh *shard, device string, s *track.Sample) {
	if in.elevation == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, elevationTimeout)
	defer cancel()

	ground, err := in.elevation.Lookup(ctx, s.Lat, s.Lon)
	if err != nil {
		in.log.Debug("elevation lookup failed", slog.String("device", device), slog.Any("error", err))
		ground = sh.ground[device]
	} else {
		sh.ground[device] = ground
	}
	agl := s.Altitude - ground
	s.AGL = &agl
}

func (in *Ingestor) associated(day *state.Day, g *state.GliderTrack, device string, s track.Sample) error {
	g.Lock()
	if err := g.History.Append(s); err != nil {
		g.Unlock()
		return ErrLate
	}
	v, err := g.Vario.Add(s.Time, s.Altitude)
	if err != nil {
		in.log.Debug("vario glitch", slog.String("pilot", g.Key()), slog.Int64("t", s.Time))
	}
	m, moved := g.Movement.Add(s)
	if moved {
		if m.Action == identity.Launch {
			g.Launch = m.Time
		} else {
			g.Landing = m.Time
		}
	}
	key, class, compno := g.Key(), g.Class, g.CompNo
	g.Unlock()

	if in.publisher != nil {
		in.publisher.Publish(class, broadcast.Update{
			CompNo:    compno,
			Lat:       s.Lat,
			Lng:       s.Lon,
			Altitude:  s.Altitude,
			AGL:       s.AGL,
			Timestamp: s.Time,
			Vario:     v.Tuple(),
		})
	}
	if in.recorder != nil {
		in.recorder.RecordTrackpoint(day.Date, key, device, s, v)
	}
	if moved {
		in.movement(day, m, false)
	}
	return nil
}

func (in *Ingestor) unassociated(cur *target, sh *shard, device string, s track.Sample) error {
	u := cur.day.Unknown(device)
	if m, ok := u.Add(s); ok {
		in.movement(cur.day, m, true)
		if m.Action == identity.Landing {
			cur.day.DropUnknown(device)
		}
	}

	if cur.resolver == nil || s.Time < sh.resolve[device] {
		return nil
	}
	sh.resolve[device] = s.Time + resolveEvery

	c, err := cur.resolver.Resolve(device, s, cur.day.Candidates())
	if err != nil {
		return nil
	}
	if _, err := cur.day.Associate(c.Key(), device, identity.ReasonDDB); err != nil {
		in.log.Warn("associate failed", slog.String("device", device), slog.String("pilot", c.Key()), slog.Any("error", err))
		return nil
	}
	in.log.Info("device associated", slog.String("device", device), slog.String("pilot", c.Key()))
	delete(sh.resolve, device)

	if g, ok := cur.day.ByDevice(device); ok {
		return in.associated(cur.day, g, device, s)
	}
	return nil
}

// movement records a launch or landing. Movements of unassociated devices
// are kept on the day for matching against flight logs.
func (in *Ingestor) movement(day *state.Day, m identity.Movement, unknown bool) {
	metrics.MovementsTotal.WithLabelValues(string(m.Action), string(identity.SourceLive)).Inc()
	in.log.Info("movement",
		slog.String("key", m.Key),
		slog.String("action", string(m.Action)),
		slog.Int64("t", m.Time))
	if unknown {
		day.RecordMovement(m)
	}
	if in.recorder != nil {
		in.recorder.RecordMovement(day.Date, m, identity.SourceLive)
	}
}
