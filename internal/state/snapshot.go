package state

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"soaring_tracker/internal/track"
)

// snapshot is the persisted part of a GliderTrack. Scoring state is not
// stored; it is rebuilt from the history on the next pass.
type snapshot struct {
	Device      string         `msgpack:"d"`
	Association Association    `msgpack:"a"`
	Launch      int64          `msgpack:"l"`
	Landing     int64          `msgpack:"g"`
	Samples     []track.Sample `msgpack:"s"`
}

// Snapshots stores tracker state in SQLite so a restart on the same day
// resumes with the histories already received.
type Snapshots struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// OpenSnapshots opens or creates the snapshot database. An empty path keeps
// it in memory.
func OpenSnapshots(path string) (*Snapshots, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Snapshots{db: db, enc: enc, dec: dec}, nil
}

// Close closes the database.
func (s *Snapshots) Close() error {
	s.dec.Close()
	_ = s.enc.Close()
	return s.db.Close()
}

// Save writes every tracker of day. It returns the number written.
func (s *Snapshots) Save(ctx context.Context, day *Day) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	n := 0
	for _, g := range day.Trackers() {
		g.Lock()
		snap := snapshot{
			Device:      g.Device,
			Association: g.Association,
			Launch:      g.Launch,
			Landing:     g.Landing,
			Samples:     g.History.Samples(),
		}
		key := g.Key()
		g.Unlock()

		if len(snap.Samples) == 0 && snap.Device == "" {
			continue
		}
		data, err := s.encode(snap)
		if err != nil {
			return n, fmt.Errorf("encode %s: %w", key, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tracker_snapshot (day, key, device_id, samples, data, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(day, key) DO UPDATE SET
				device_id = excluded.device_id,
				samples = excluded.samples,
				data = excluded.data,
				updated_at = excluded.updated_at
		`, day.Date, key, snap.Device, len(snap.Samples), data, now)
		if err != nil {
			return n, fmt.Errorf("save %s: %w", key, err)
		}
		n++
	}
	return n, tx.Commit()
}

// Restore loads the stored snapshots for day into its trackers. Trackers
// that already hold samples are left alone.
func (s *Snapshots) Restore(ctx context.Context, day *Day) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, data FROM tracker_snapshot WHERE day = ?`, day.Date)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()

	type stored struct {
		key  string
		snap snapshot
	}
	var loaded []stored
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			continue
		}
		snap, err := s.decode(data)
		if err != nil {
			continue
		}
		loaded = append(loaded, stored{key, snap})
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	n := 0
	for _, st := range loaded {
		g, ok := day.Tracker(st.key)
		if !ok {
			continue
		}
		if st.snap.Association == Associated && st.snap.Device != "" {
			if _, err := day.link(st.key, st.snap.Device, ""); err != nil {
				continue
			}
		}

		g.Lock()
		if g.History.Len() == 0 {
			for _, smp := range st.snap.Samples {
				smp.Restore()
				_ = g.History.Append(smp)
			}
			g.Launch, g.Landing = st.snap.Launch, st.snap.Landing
			n++
		}
		g.Unlock()
	}
	return n, nil
}

// Purge removes snapshots of days other than keep.
func (s *Snapshots) Purge(ctx context.Context, keep string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tracker_snapshot WHERE day <> ?`, keep)
	return err
}

func (s *Snapshots) encode(snap snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, err
	}
	return s.enc.EncodeAll(buf.Bytes(), nil), nil
}

func (s *Snapshots) decode(data []byte) (snapshot, error) {
	var snap snapshot
	raw, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return snap, fmt.Errorf("decompress snapshot: %w", err)
	}
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
