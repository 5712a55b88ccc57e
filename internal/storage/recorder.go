package storage

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"soaring_tracker/internal/identity"
	"soaring_tracker/internal/metrics"
	"soaring_tracker/internal/state"
	"soaring_tracker/internal/track"
	"soaring_tracker/internal/vario"
)

const dayLayout = "2006-01-02"

// Archive stores trackpoints and movements.
type Archive interface {
	InsertTrackpoints(ctx context.Context, points []Trackpoint) error
	InsertMovements(ctx context.Context, moves []MovementRecord) error
}

// Journal stores association events.
type Journal interface {
	RecordAssociation(ctx context.Context, a AssociationRecord) error
}

// RecorderOptions configures a Recorder. Archive and Journal may be nil.
type RecorderOptions struct {
	Archive       Archive
	Journal       Journal
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Recorder queues writes and performs them in the background. Record calls
// never block; writes that do not fit the buffer are dropped and counted.
type Recorder struct {
	archive Archive
	journal Journal
	batch   int
	flush   time.Duration
	log     *slog.Logger

	points chan Trackpoint
	moves  chan MovementRecord
	assoc  chan AssociationRecord
}

// NewRecorder returns a Recorder. Call Run to start writing.
func NewRecorder(opts RecorderOptions) *Recorder {
	if opts.Buffer <= 0 {
		opts.Buffer = 16384
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Recorder{
		archive: opts.Archive,
		journal: opts.Journal,
		batch:   opts.BatchSize,
		flush:   opts.FlushInterval,
		log:     opts.Logger.With(slog.String("component", "recorder")),
		points:  make(chan Trackpoint, opts.Buffer),
		moves:   make(chan MovementRecord, 256),
		assoc:   make(chan AssociationRecord, 256),
	}
}

func parseDay(day string) time.Time {
	t, err := time.Parse(dayLayout, day)
	if err != nil {
		return time.Time{}
	}
	return t
}

// RecordTrackpoint queues an accepted sample.
func (r *Recorder) RecordTrackpoint(day, key, device string, s track.Sample, v vario.Result) {
	if r.archive == nil {
		return
	}
	p := Trackpoint{
		Day:      parseDay(day),
		Key:      key,
		Device:   device,
		Time:     time.Unix(s.Time, 0).UTC(),
		Lat:      s.Lat,
		Lon:      s.Lon,
		Altitude: float32(s.Altitude),
		Vario:    float32(v.Average),
	}
	if s.AGL != nil {
		agl := float32(*s.AGL)
		p.AGL = &agl
	}
	select {
	case r.points <- p:
	default:
		metrics.StorageErrorsTotal.WithLabelValues("trackpoint_buffer").Inc()
	}
}

// RecordMovement queues a launch or landing.
func (r *Recorder) RecordMovement(day string, m identity.Movement, source identity.Source) {
	if r.archive == nil {
		return
	}
	rec := MovementRecord{
		ID:       uuid.New(),
		Day:      parseDay(day),
		Key:      m.Key,
		Action:   string(m.Action),
		Source:   string(source),
		Time:     time.Unix(m.Time, 0).UTC(),
		Lat:      m.Point.Lat(),
		Lon:      m.Point.Lon(),
		Altitude: float32(m.Altitude),
	}
	select {
	case r.moves <- rec:
	default:
		metrics.StorageErrorsTotal.WithLabelValues("movement_buffer").Inc()
	}
}

// RecordAssociation queues an association change.
func (r *Recorder) RecordAssociation(day string, c state.AssociationChange) {
	if r.journal == nil {
		return
	}
	class, compno, _ := strings.Cut(c.Key, "/")
	rec := AssociationRecord{
		ID:       uuid.New(),
		Day:      day,
		Class:    class,
		CompNo:   compno,
		Device:   c.Device,
		Previous: c.Previous,
		Reason:   string(c.Reason),
	}
	select {
	case r.assoc <- rec:
	default:
		metrics.StorageErrorsTotal.WithLabelValues("association_buffer").Inc()
	}
}

// Run writes queued records until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flush)
	defer ticker.Stop()

	var points []Trackpoint
	var moves []MovementRecord

	write := func(ctx context.Context) {
		if len(points) > 0 {
			if err := r.archive.InsertTrackpoints(ctx, points); err != nil {
				metrics.StorageErrorsTotal.WithLabelValues("trackpoints").Inc()
				r.log.Warn("trackpoint write failed", slog.Int("count", len(points)), slog.Any("error", err))
			}
			points = points[:0]
		}
		if len(moves) > 0 {
			if err := r.archive.InsertMovements(ctx, moves); err != nil {
				metrics.StorageErrorsTotal.WithLabelValues("movements").Inc()
				r.log.Warn("movement write failed", slog.Int("count", len(moves)), slog.Any("error", err))
			}
			moves = moves[:0]
		}
	}

	for {
		select {
		case <-ctx.Done():
			r.drain(&points, &moves)
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			write(fctx)
			cancel()
			return nil
		case p := <-r.points:
			points = append(points, p)
			if len(points) >= r.batch {
				write(ctx)
			}
		case m := <-r.moves:
			moves = append(moves, m)
		case a := <-r.assoc:
			if err := r.journal.RecordAssociation(ctx, a); err != nil {
				metrics.StorageErrorsTotal.WithLabelValues("associations").Inc()
				r.log.Warn("association write failed",
					slog.String("pilot", a.Class+"/"+a.CompNo),
					slog.String("device", a.Device),
					slog.Any("error", err))
			}
		case <-ticker.C:
			write(ctx)
		}
	}
}

func (r *Recorder) drain(points *[]Trackpoint, moves *[]MovementRecord) {
	for {
		select {
		case p := <-r.points:
			*points = append(*points, p)
		case m := <-r.moves:
			*moves = append(*moves, m)
		default:
			return
		}
	}
}
