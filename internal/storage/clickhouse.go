// Package storage persists contest reference data, associations and scores
// in PostgreSQL and archives trackpoints and movements in ClickHouse.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseDB wraps a ClickHouse connection for the position archive.
type ClickHouseDB struct {
	conn driver.Conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// CreateSchema creates the ClickHouse tables.
func (d *ClickHouseDB) CreateSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trackpoints (
			day             Date,
			key             LowCardinality(String),
			device_id       LowCardinality(String),
			t               DateTime,
			latitude        Float64,
			longitude       Float64,
			altitude        Float32,
			agl             Nullable(Float32),
			vario           Float32
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(day)
		ORDER BY (day, key, t)`,

		`CREATE TABLE IF NOT EXISTS movements (
			id              UUID,
			day             Date,
			key             LowCardinality(String),
			action          LowCardinality(String),
			source          LowCardinality(String),
			t               DateTime,
			latitude        Float64,
			longitude       Float64,
			altitude        Float32
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(day)
		ORDER BY (day, key, t)`,
	}

	for _, q := range queries {
		if err := d.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Trackpoint is one accepted position of a pilot.
type Trackpoint struct {
	Day      time.Time
	Key      string
	Device   string
	Time     time.Time
	Lat      float64
	Lon      float64
	Altitude float32
	AGL      *float32
	Vario    float32 // m/s over the vario window
}

// MovementRecord is one launch or landing.
type MovementRecord struct {
	ID       uuid.UUID
	Day      time.Time
	Key      string
	Action   string
	Source   string
	Time     time.Time
	Lat      float64
	Lon      float64
	Altitude float32
}

// InsertTrackpoints stores a batch of trackpoints.
func (d *ClickHouseDB) InsertTrackpoints(ctx context.Context, points []Trackpoint) error {
	if len(points) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, `
		INSERT INTO trackpoints (day, key, device_id, t, latitude, longitude, altitude, agl, vario)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, p := range points {
		if err := batch.Append(p.Day, p.Key, p.Device, p.Time, p.Lat, p.Lon, p.Altitude, p.AGL, p.Vario); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// InsertMovements stores a batch of movements.
func (d *ClickHouseDB) InsertMovements(ctx context.Context, moves []MovementRecord) error {
	if len(moves) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, `
		INSERT INTO movements (id, day, key, action, source, t, latitude, longitude, altitude)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, m := range moves {
		if err := batch.Append(m.ID, m.Day, m.Key, m.Action, m.Source, m.Time, m.Lat, m.Lon, m.Altitude); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// Track returns the archived trackpoints of one pilot for day, oldest first.
func (d *ClickHouseDB) Track(ctx context.Context, day time.Time, key string) ([]Trackpoint, error) {
	rows, err := d.conn.Query(ctx, `
		SELECT day, key, device_id, t, latitude, longitude, altitude, agl, vario
		FROM trackpoints WHERE day = ? AND key = ? ORDER BY t
	`, day, key)
	if err != nil {
		return nil, fmt.Errorf("query track: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Trackpoint
	for rows.Next() {
		var p Trackpoint
		if err := rows.Scan(&p.Day, &p.Key, &p.Device, &p.Time, &p.Lat, &p.Lon, &p.Altitude, &p.AGL, &p.Vario); err != nil {
			return nil, fmt.Errorf("scan trackpoint: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
