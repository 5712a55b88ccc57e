package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"soaring_tracker/internal/scoring"
	"soaring_tracker/internal/state"
	"soaring_tracker/internal/task"
)

// ErrNoSite is returned when the site table is empty.
var ErrNoSite = errors.New("no site configured")

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Querier is the subset of pgxpool.Pool used here.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresDB holds the contest reference data and the mutable results:
// site, roster, tasks, device associations and scores.
type PostgresDB struct {
	pool Querier
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(q Querier) *PostgresDB {
	return &PostgresDB{pool: q}
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() {
	d.pool.Close()
}

// CreateSchema creates the PostgreSQL tables.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS site (
		id              INTEGER PRIMARY KEY DEFAULT 1,
		name            TEXT NOT NULL,
		latitude        DOUBLE PRECISION NOT NULL,
		longitude       DOUBLE PRECISION NOT NULL,
		elevation       DOUBLE PRECISION NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS pilots (
		class           TEXT NOT NULL,
		compno          TEXT NOT NULL,
		name            TEXT NOT NULL DEFAULT '',
		registration    TEXT NOT NULL DEFAULT '',
		glider_type     TEXT NOT NULL DEFAULT '',
		handicap        DOUBLE PRECISION NOT NULL DEFAULT 100,
		device_id       TEXT,
		PRIMARY KEY (class, compno)
	);

	CREATE INDEX IF NOT EXISTS idx_pilots_device ON pilots(device_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id              TEXT PRIMARY KEY,
		day             TEXT NOT NULL,
		class           TEXT NOT NULL,
		type            TEXT NOT NULL,
		duration_s      INTEGER NOT NULL DEFAULT 0,
		start_open      BIGINT,
		active          BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_day ON tasks(day, class);

	CREATE TABLE IF NOT EXISTS task_legs (
		task_id         TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		legno           INTEGER NOT NULL,
		name            TEXT NOT NULL DEFAULT '',
		type            TEXT NOT NULL,
		direction       TEXT NOT NULL,
		latitude        DOUBLE PRECISION NOT NULL,
		longitude       DOUBLE PRECISION NOT NULL,
		r1              DOUBLE PRECISION NOT NULL,
		r2              DOUBLE PRECISION NOT NULL DEFAULT 0,
		a1              DOUBLE PRECISION NOT NULL DEFAULT 180,
		a2              DOUBLE PRECISION NOT NULL DEFAULT 0,
		a12             DOUBLE PRECISION NOT NULL DEFAULT 0,
		handicap_index  DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (task_id, legno)
	);

	CREATE TABLE IF NOT EXISTS association_history (
		id              UUID PRIMARY KEY,
		day             TEXT NOT NULL,
		class           TEXT NOT NULL,
		compno          TEXT NOT NULL,
		device_id       TEXT NOT NULL,
		previous_device TEXT,
		reason          TEXT NOT NULL,
		recorded_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_association_history_pilot ON association_history(class, compno);

	CREATE TABLE IF NOT EXISTS scores (
		day             TEXT NOT NULL,
		class           TEXT NOT NULL,
		compno          TEXT NOT NULL,
		task_id         TEXT NOT NULL,
		status          TEXT NOT NULL,
		distance        DOUBLE PRECISION NOT NULL DEFAULT 0,
		hdistance       DOUBLE PRECISION NOT NULL DEFAULT 0,
		speed           DOUBLE PRECISION,
		hspeed          DOUBLE PRECISION,
		result          JSONB NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (day, class, compno)
	);
	`

	_, err := d.pool.Exec(ctx, schema)
	return err
}

// Site is the contest airfield.
type Site struct {
	Name      string
	Lat       float64
	Lon       float64
	Elevation float64 // metres
}

// LoadSite returns the contest site.
func (d *PostgresDB) LoadSite(ctx context.Context) (Site, error) {
	var s Site
	err := d.pool.QueryRow(ctx, `
		SELECT name, latitude, longitude, elevation FROM site ORDER BY id LIMIT 1
	`).Scan(&s.Name, &s.Lat, &s.Lon, &s.Elevation)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, ErrNoSite
	}
	return s, err
}

// LoadRoster returns every pilot. Pilots without a device carry "unknown".
func (d *PostgresDB) LoadRoster(ctx context.Context) ([]state.Pilot, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT class, compno, name, registration, glider_type, handicap, COALESCE(device_id, 'unknown')
		FROM pilots ORDER BY class, compno
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.Pilot
	for rows.Next() {
		var p state.Pilot
		if err := rows.Scan(&p.Class, &p.CompNo, &p.Name, &p.Registration, &p.GliderType, &p.Handicap, &p.Device); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ActiveTasks returns the active task definition of each class for day.
func (d *PostgresDB) ActiveTasks(ctx context.Context, day string) ([]task.Definition, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, class, type, duration_s, COALESCE(start_open, 0)
		FROM tasks WHERE day = $1 AND active ORDER BY class
	`, day)
	if err != nil {
		return nil, err
	}
	var defs []task.Definition
	for rows.Next() {
		var def task.Definition
		if err := rows.Scan(&def.ID, &def.Class, &def.Type, &def.Duration, &def.StartOpen); err != nil {
			rows.Close()
			return nil, err
		}
		defs = append(defs, def)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range defs {
		legs, err := d.taskLegs(ctx, defs[i].ID)
		if err != nil {
			return nil, fmt.Errorf("task %s legs: %w", defs[i].ID, err)
		}
		defs[i].Legs = legs
	}
	return defs, nil
}

func (d *PostgresDB) taskLegs(ctx context.Context, id string) ([]task.LegDefinition, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT legno, name, type, direction, latitude, longitude, r1, r2, a1, a2, a12, handicap_index
		FROM task_legs WHERE task_id = $1 ORDER BY legno
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.LegDefinition
	for rows.Next() {
		var l task.LegDefinition
		var lat, lon float64
		if err := rows.Scan(&l.LegNo, &l.Name, &l.Type, &l.Direction, &lat, &lon,
			&l.R1, &l.R2, &l.A1, &l.A2, &l.A12, &l.HandicapIndex); err != nil {
			return nil, err
		}
		l.Lat, l.Lon = task.FlexCoord(lat), task.FlexCoord(lon)
		out = append(out, l)
	}
	return out, rows.Err()
}

// AssociationRecord is one device association event.
type AssociationRecord struct {
	ID       uuid.UUID
	Day      string
	Class    string
	CompNo   string
	Device   string
	Previous string
	Reason   string
}

// RecordAssociation stores the pilot's device, unlinking it from any other
// pilot, and appends the event to the history.
func (d *PostgresDB) RecordAssociation(ctx context.Context, a AssociationRecord) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return inTx(ctx, d.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE pilots SET device_id = NULL
			WHERE device_id = $3 AND NOT (class = $1 AND compno = $2)
		`, a.Class, a.CompNo, a.Device); err != nil {
			return fmt.Errorf("unlink device: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE pilots SET device_id = $3 WHERE class = $1 AND compno = $2
		`, a.Class, a.CompNo, a.Device); err != nil {
			return fmt.Errorf("link device: %w", err)
		}

		var previous *string
		if a.Previous != "" {
			previous = &a.Previous
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO association_history (id, day, class, compno, device_id, previous_device, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, a.ID, a.Day, a.Class, a.CompNo, a.Device, previous, a.Reason); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		return nil
	})
}

// ScoreRecord is the latest result of one pilot.
type ScoreRecord struct {
	Class  string
	CompNo string
	TaskID string
	Result scoring.Result
}

// UpsertScores replaces the stored results for day.
func (d *PostgresDB) UpsertScores(ctx context.Context, day string, scores []ScoreRecord) error {
	if len(scores) == 0 {
		return nil
	}
	return inTx(ctx, d.pool, func(tx pgx.Tx) error {
		for _, s := range scores {
			data, err := json.Marshal(s.Result)
			if err != nil {
				return fmt.Errorf("marshal %s/%s: %w", s.Class, s.CompNo, err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO scores (day, class, compno, task_id, status, distance, hdistance, speed, hspeed, result, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
				ON CONFLICT (day, class, compno) DO UPDATE SET
					task_id = EXCLUDED.task_id,
					status = EXCLUDED.status,
					distance = EXCLUDED.distance,
					hdistance = EXCLUDED.hdistance,
					speed = EXCLUDED.speed,
					hspeed = EXCLUDED.hspeed,
					result = EXCLUDED.result,
					updated_at = NOW()
			`, day, s.Class, s.CompNo, s.TaskID, s.Result.Status.String(),
				s.Result.DistanceDone, s.Result.HandicapDistanceDone,
				s.Result.Speed, s.Result.HandicapSpeed, data)
			if err != nil {
				return fmt.Errorf("upsert %s/%s: %w", s.Class, s.CompNo, err)
			}
		}
		return nil
	})
}

// inTx runs fn in a transaction, rolling back when it fails.
func inTx(ctx context.Context, q Querier, fn func(pgx.Tx) error) error {
	tx, err := q.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
