package storage

import (
	"context"
	"fmt"
)

// Config holds database connection settings for both ClickHouse and PostgreSQL.
type Config struct {
	ClickHouse ClickHouseConfig
	Postgres   PostgresConfig
}

// DefaultConfig returns a configuration with default local development settings.
func DefaultConfig() Config {
	return Config{
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "soaring",
			User:     "default",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "soaring",
			User:     "soaring",
			Password: "soaring",
		},
	}
}

// DB wraps both connections. CH is nil when the archive is disabled.
type DB struct {
	CH *ClickHouseDB // trackpoint and movement archive
	PG *PostgresDB   // reference data, associations and scores
}

// Open opens PostgreSQL and, when a host is configured, ClickHouse.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	pg, err := OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	db := &DB{PG: pg}

	if cfg.ClickHouse.Host != "" {
		ch, err := OpenClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			pg.Close()
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		db.CH = ch
	}
	return db, nil
}

// Close closes both database connections.
func (d *DB) Close() error {
	var err error
	if d.CH != nil {
		if cerr := d.CH.Close(); cerr != nil {
			err = fmt.Errorf("clickhouse: %w", cerr)
		}
	}
	if d.PG != nil {
		d.PG.Close()
	}
	return err
}

// CreateSchemas creates the schemas in both databases.
func (d *DB) CreateSchemas(ctx context.Context) error {
	if err := d.PG.CreateSchema(ctx); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	if d.CH != nil {
		if err := d.CH.CreateSchema(ctx); err != nil {
			return fmt.Errorf("clickhouse schema: %w", err)
		}
	}
	return nil
}

// Archive returns the trackpoint archive, or nil when disabled.
func (d *DB) Archive() Archive {
	if d.CH == nil {
		return nil
	}
	return d.CH
}
