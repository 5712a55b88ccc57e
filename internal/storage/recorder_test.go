package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"soaring_tracker/internal/geo"
	"soaring_tracker/internal/identity"
	"soaring_tracker/internal/logger"
	"soaring_tracker/internal/state"
	"soaring_tracker/internal/track"
	"soaring_tracker/internal/vario"
)

type memArchive struct {
	mu     sync.Mutex
	points []Trackpoint
	moves  []MovementRecord
	fail   bool
}

func (m *memArchive) InsertTrackpoints(_ context.Context, p []Trackpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("archive down")
	}
	m.points = append(m.points, p...)
	return nil
}

func (m *memArchive) InsertMovements(_ context.Context, mv []MovementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moves = append(m.moves, mv...)
	return nil
}

func (m *memArchive) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points), len(m.moves)
}

type memJournal struct {
	mu      sync.Mutex
	records []AssociationRecord
}

func (j *memJournal) RecordAssociation(_ context.Context, a AssociationRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, a)
	return nil
}

func TestRecorderFlushesOnStop(t *testing.T) {
	arch := &memArchive{}
	journal := &memJournal{}
	r := NewRecorder(RecorderOptions{
		Archive:       arch,
		Journal:       journal,
		BatchSize:     100,
		FlushInterval: time.Hour,
		Logger:        logger.Discard(),
	})

	s := track.NewSample(1000, 51, -1, 500)
	agl := 300.0
	s.AGL = &agl
	for i := 0; i < 5; i++ {
		s.Time = int64(1000 + i)
		r.RecordTrackpoint("2026-07-01", "club/KA", "DD1234", s, vario.Result{Average: 1.5})
	}
	r.RecordMovement("2026-07-01", identity.Movement{Key: "club/KA", Action: identity.Launch, Time: 990, Point: geo.FromDegrees(51, -1)}, identity.SourceLive)
	r.RecordAssociation("2026-07-01", state.AssociationChange{Key: "club/KA", Device: "DD1234", Reason: identity.ReasonDDB})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for {
		journal.mu.Lock()
		n := len(journal.records)
		journal.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("association never written")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	points, moves := arch.counts()
	if points != 5 || moves != 1 {
		t.Errorf("written %d points, %d movements; want 5, 1", points, moves)
	}
	p := arch.points[0]
	if p.AGL == nil || *p.AGL != 300 || p.Vario != 1.5 || p.Day.Format(dayLayout) != "2026-07-01" {
		t.Errorf("trackpoint = %+v", p)
	}
	rec := journal.records[0]
	if rec.Class != "club" || rec.CompNo != "KA" || rec.Reason != "ddb-match" {
		t.Errorf("association = %+v", rec)
	}
	if arch.moves[0].Source != "live-feed" {
		t.Errorf("movement source = %q", arch.moves[0].Source)
	}
}

func TestRecorderBatchSize(t *testing.T) {
	arch := &memArchive{}
	r := NewRecorder(RecorderOptions{Archive: arch, BatchSize: 3, FlushInterval: time.Hour, Logger: logger.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	for i := 0; i < 3; i++ {
		r.RecordTrackpoint("2026-07-01", "club/KA", "DD1234", track.NewSample(int64(i), 51, -1, 500), vario.Result{})
	}
	deadline := time.Now().Add(time.Second)
	for {
		if n, _ := arch.counts(); n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("full batch not written")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecorderWithoutArchive(t *testing.T) {
	r := NewRecorder(RecorderOptions{Buffer: 1, Logger: logger.Discard()})
	for i := 0; i < 10; i++ {
		r.RecordTrackpoint("2026-07-01", "club/KA", "DD1234", track.NewSample(1, 51, -1, 500), vario.Result{})
	}
	if len(r.points) != 0 {
		t.Errorf("queued %d points with no archive", len(r.points))
	}
}

func TestRecorderFailureNotFatal(t *testing.T) {
	arch := &memArchive{fail: true}
	r := NewRecorder(RecorderOptions{Archive: arch, BatchSize: 1, FlushInterval: time.Hour, Logger: logger.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	r.RecordTrackpoint("2026-07-01", "club/KA", "DD1234", track.NewSample(1, 51, -1, 500), vario.Result{})
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

// TestClickHouseArchive runs against a real server when CLICKHOUSE_HOST is set.
func TestClickHouseArchive(t *testing.T) {
	host := os.Getenv("CLICKHOUSE_HOST")
	if host == "" {
		t.Skip("No ClickHouse connection available")
	}
	ctx := context.Background()
	ch, err := OpenClickHouse(ctx, ClickHouseConfig{Host: host, Port: 9000, Database: "default", User: "default"})
	if err != nil {
		t.Skipf("ClickHouse unavailable: %v", err)
	}
	defer func() { _ = ch.Close() }()
	if err := ch.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}

	day := time.Date(2001, 1, 2, 0, 0, 0, 0, time.UTC)
	key := "test/" + time.Now().Format("150405.000")
	points := []Trackpoint{
		{Day: day, Key: key, Device: "DD1234", Time: day.Add(time.Hour), Lat: 51, Lon: -1, Altitude: 500},
		{Day: day, Key: key, Device: "DD1234", Time: day.Add(time.Hour + time.Minute), Lat: 51.01, Lon: -1, Altitude: 520},
	}
	if err := ch.InsertTrackpoints(ctx, points); err != nil {
		t.Fatalf("InsertTrackpoints() error = %v", err)
	}
	got, err := ch.Track(ctx, day, key)
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Track() = %d points, want 2", len(got))
	}
}
