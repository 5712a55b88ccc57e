// Package config loads service settings from the environment and an optional
// .env file. Command-line flags in cmd/ use these values as their defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting the tracker service reads at startup.
type Config struct {
	LogLevel  string
	LogFormat string
	LogFile   string

	HTTPPort int

	NATSURL     string
	NATSSubject string

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDatabase string

	ClickHouseHost     string
	ClickHousePort     int
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string

	RedisAddr    string
	RedisChannel string

	SQLitePath string
	DDBURL     string

	ElevationURL  string
	ElevationZoom int

	Shards        int
	ScoreInterval time.Duration
	ScoreWorkers  int
}

// Load reads envFile when it exists and then the process environment.
// A missing file is not an error.
func Load(envFile string) Config {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	}

	return Config{
		LogLevel:  EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: EnvOrDefault("LOG_FORMAT", "text"),
		LogFile:   EnvOrDefault("LOG_FILE", ""),

		HTTPPort: EnvOrDefaultInt("HTTP_PORT", 8082),

		NATSURL:     EnvOrDefault("NATS_URL", "nats://localhost:4222"),
		NATSSubject: EnvOrDefault("NATS_SUBJECT", "positions.>"),

		PostgresHost:     EnvOrDefault("POSTGRES_HOST", "localhost"),
		PostgresPort:     EnvOrDefaultInt("POSTGRES_PORT", 5432),
		PostgresUser:     EnvOrDefault("POSTGRES_USER", "soaring"),
		PostgresPassword: EnvOrDefault("POSTGRES_PASSWORD", "soaring"),
		PostgresDatabase: EnvOrDefault("POSTGRES_DATABASE", "soaring"),

		ClickHouseHost:     EnvOrDefault("CLICKHOUSE_HOST", ""),
		ClickHousePort:     EnvOrDefaultInt("CLICKHOUSE_PORT", 9000),
		ClickHouseDatabase: EnvOrDefault("CLICKHOUSE_DATABASE", "soaring"),
		ClickHouseUser:     EnvOrDefault("CLICKHOUSE_USER", "default"),
		ClickHousePassword: EnvOrDefault("CLICKHOUSE_PASSWORD", ""),

		RedisAddr:    EnvOrDefault("REDIS_ADDR", ""),
		RedisChannel: EnvOrDefault("REDIS_CHANNEL", "soaring:live"),

		SQLitePath: EnvOrDefault("SQLITE_PATH", "soaring.db"),
		DDBURL:     EnvOrDefault("DDB_URL", "https://ddb.glidernet.org/download/"),

		ElevationURL:  EnvOrDefault("ELEVATION_URL", ""),
		ElevationZoom: EnvOrDefaultInt("ELEVATION_ZOOM", 12),

		Shards:        EnvOrDefaultInt("INGEST_SHARDS", 8),
		ScoreInterval: EnvOrDefaultDuration("SCORE_INTERVAL", 30*time.Second),
		ScoreWorkers:  EnvOrDefaultInt("SCORE_WORKERS", 4),
	}
}

// EnvOrDefault returns the environment value for key or def when unset.
func EnvOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// EnvOrDefaultInt is EnvOrDefault for integers. Unparseable values fall back
// to def.
func EnvOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// EnvOrDefaultDuration accepts Go duration strings or plain seconds.
func EnvOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if s, err := strconv.Atoi(v); err == nil {
		return time.Duration(s) * time.Second
	}
	return def
}
