// Command tracker runs a soaring contest: it ingests live positions, links
// devices to pilots, scores every class and serves results and live updates.
//
// Usage:
//
//	tracker [options]
//
// Options (each defaults to the matching environment variable):
//
//	-env FILE           .env file to load (default: .env)
//	-port N             HTTP port (HTTP_PORT)
//	-nats URL           NATS server for live positions (NATS_URL)
//	-subject S          NATS subject (NATS_SUBJECT)
//	-input FILE         Read JSONL position reports from FILE instead of NATS ("-" for stdin)
//	-redis ADDR         Redis server relaying live updates between instances (REDIS_ADDR)
//	-sqlite PATH        SQLite file for the device catalog and snapshots (SQLITE_PATH)
//	-ddb URL            Device database CSV export (DDB_URL)
//	-elevation URL      Terrain tile URL template with {z}/{x}/{y} (ELEVATION_URL)
//	-shards N           Ingest shards (INGEST_SHARDS)
//	-interval D         Scoring pass interval (SCORE_INTERVAL)
//
// Database settings come from POSTGRES_* and CLICKHOUSE_*; ClickHouse is
// optional and only used when CLICKHOUSE_HOST is set.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"soaring_tracker/internal/api"
	"soaring_tracker/internal/broadcast"
	"soaring_tracker/internal/config"
	"soaring_tracker/internal/contest"
	"soaring_tracker/internal/ddb"
	"soaring_tracker/internal/elevation"
	"soaring_tracker/internal/ingest"
	"soaring_tracker/internal/logger"
	"soaring_tracker/internal/state"
	"soaring_tracker/internal/storage"
)

const (
	ddbRefresh  = 6 * time.Hour
	taskRefresh = 2 * time.Minute
)

func main() {
	envFile := ".env"
	for i, a := range os.Args[1:] {
		if (a == "-env" || a == "--env") && i+2 < len(os.Args) {
			envFile = os.Args[i+2]
		}
	}
	cfg := config.Load(envFile)

	flag.String("env", envFile, ".env file to load")
	port := flag.Int("port", cfg.HTTPPort, "HTTP port for the API server")
	natsURL := flag.String("nats", cfg.NATSURL, "NATS server URL")
	subject := flag.String("subject", cfg.NATSSubject, "NATS subject for position reports")
	input := flag.String("input", "", "JSONL position file instead of NATS (- for stdin)")
	redisAddr := flag.String("redis", cfg.RedisAddr, "Redis address for the live update relay")
	sqlitePath := flag.String("sqlite", cfg.SQLitePath, "SQLite file for the device catalog and snapshots")
	ddbURL := flag.String("ddb", cfg.DDBURL, "Device database CSV export URL")
	elevURL := flag.String("elevation", cfg.ElevationURL, "Terrain tile URL template")
	shards := flag.Int("shards", cfg.Shards, "Ingest shards")
	interval := flag.Duration("interval", cfg.ScoreInterval, "Scoring pass interval")
	flag.Parse()

	log := logger.Setup(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, runOptions{
		port:      *port,
		natsURL:   *natsURL,
		subject:   *subject,
		input:     *input,
		redisAddr: *redisAddr,
		sqlite:    *sqlitePath,
		ddbURL:    *ddbURL,
		elevation: *elevURL,
		shards:    *shards,
		interval:  *interval,
	}, log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type runOptions struct {
	port      int
	natsURL   string
	subject   string
	input     string
	redisAddr string
	sqlite    string
	ddbURL    string
	elevation string
	shards    int
	interval  time.Duration
}

func run(ctx context.Context, cfg config.Config, opts runOptions, log *slog.Logger) error {
	db, err := storage.Open(ctx, storage.Config{
		Postgres: storage.PostgresConfig{
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			Database: cfg.PostgresDatabase,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
		},
		ClickHouse: storage.ClickHouseConfig{
			Host:     cfg.ClickHouseHost,
			Port:     cfg.ClickHousePort,
			Database: cfg.ClickHouseDatabase,
			User:     cfg.ClickHouseUser,
			Password: cfg.ClickHousePassword,
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.CreateSchemas(ctx); err != nil {
		return fmt.Errorf("create schemas: %w", err)
	}

	catalog, err := ddb.Open(opts.sqlite)
	if err != nil {
		return fmt.Errorf("device catalog: %w", err)
	}
	defer func() { _ = catalog.Close() }()

	snapshots, err := state.OpenSnapshots(opts.sqlite)
	if err != nil {
		return fmt.Errorf("snapshots: %w", err)
	}
	defer func() { _ = snapshots.Close() }()

	hub := broadcast.NewHub(log)
	if opts.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
		defer func() { _ = rdb.Close() }()
		if err := broadcast.NewRelay(rdb, cfg.RedisChannel+":", log).Attach(ctx, hub); err != nil {
			log.Warn("redis relay unavailable, broadcasting locally", slog.Any("error", err))
		}
	}

	recorder := storage.NewRecorder(storage.RecorderOptions{
		Archive: db.Archive(),
		Journal: db.PG,
		Logger:  log,
	})

	var elev ingest.Elevation
	if opts.elevation != "" {
		elev = elevation.New(elevation.Options{URL: opts.elevation, Zoom: cfg.ElevationZoom, Logger: log})
	} else {
		log.Warn("no elevation source, movement detection uses the raw altitude")
	}
	ingestor := ingest.New(ingest.Options{
		Shards:    opts.shards,
		Elevation: elev,
		Publisher: hub,
		Recorder:  recorder,
		Logger:    log,
	})

	comp := contest.New(contest.Options{
		Reference: db.PG,
		Directory: catalog,
		Ingestor:  ingestor,
		Snapshots: snapshots,
		Recorder:  recorder,
		Workers:   cfg.ScoreWorkers,
		Logger:    log,
	})
	if err := comp.Load(ctx, comp.Today()); err != nil {
		return err
	}

	apiCfg := api.Config{Port: opts.port}
	if db.CH != nil {
		apiCfg.Tracks = db.CH
	}
	server := api.NewServer(comp, hub, apiCfg, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return recorder.Run(gctx) })
	g.Go(func() error { return ingestor.Run(gctx) })
	g.Go(func() error { return comp.Run(gctx, opts.interval, taskRefresh) })
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		refreshCatalog(gctx, catalog, opts.ddbURL, log)
		return nil
	})
	g.Go(func() error { return feed(gctx, opts, ingestor, log) })

	log.Info("tracker running", slog.String("day", comp.Today()), slog.Int("port", opts.port))
	return g.Wait()
}

// feed reads positions from a file when one is given, otherwise from NATS.
func feed(ctx context.Context, opts runOptions, in *ingest.Ingestor, log *slog.Logger) error {
	if opts.input == "" {
		return ingest.Feed{URL: opts.natsURL, Subject: opts.subject, Log: log}.Run(ctx, in)
	}

	r := os.Stdin
	if opts.input != "-" {
		f, err := os.Open(opts.input)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}
	n, err := ingest.ReadLines(ctx, r, in, log)
	log.Info("input finished", slog.Int("lines", n))
	return err
}

// refreshCatalog downloads the device database at startup and then
// periodically. Failures keep the cached copy.
func refreshCatalog(ctx context.Context, catalog *ddb.Catalog, url string, log *slog.Logger) {
	if url == "" {
		return
	}
	client := &http.Client{Timeout: 60 * time.Second}
	ticker := time.NewTicker(ddbRefresh)
	defer ticker.Stop()
	for {
		n, err := catalog.Refresh(ctx, client, url)
		if err != nil {
			log.Warn("device database refresh failed", slog.Any("error", err), slog.Int("cached", catalog.Len()))
		} else {
			log.Info("device database refreshed", slog.Int("devices", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
