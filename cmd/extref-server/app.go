package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/kamdental/extref/internal/config"
	"github.com/kamdental/extref/internal/domain/detection"
	"github.com/kamdental/extref/internal/domain/mapping"
	"github.com/kamdental/extref/internal/domain/reconcile"
	"github.com/kamdental/extref/internal/domain/registry"
	"github.com/kamdental/extref/internal/platform/db"
	"github.com/kamdental/extref/internal/platform/lock"
	"github.com/kamdental/extref/internal/platform/telemetry"
)

// app holds the wired services shared by serve and the operator commands.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	pool   *pgxpool.Pool
	sqlite *sql.DB
	pinger db.Pinger

	codes    *registry.Service
	mappings *mapping.Service
	holder   *detection.Holder
	detector *detection.Service
	runs     reconcile.RunRepository
	job      *reconcile.Job

	closers []func()
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg == nil || cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	level := zerolog.InfoLevel
	if cfg != nil {
		if l, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil && l != zerolog.NoLevel {
			level = l
		}
	}
	return logger.Level(level)
}

// loadApp reads the config and opens the configured store.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return openApp(ctx, cfg, newLogger(cfg))
}

func openApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: telemetry.NewMetrics()}

	var (
		regRepo     registry.Repository
		mapRepo     mapping.Repository
		patternRepo detection.Repository
		source      registry.Source
		locker      lock.Locker
	)

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool, a.pinger = pool, pool
		a.closers = append(a.closers, pool.Close)
		regRepo = registry.NewRepo(pool)
		mapRepo = mapping.NewRepo(pool)
		patternRepo = detection.NewRepo(pool)
		a.runs = reconcile.NewRepo(pool)
		locker = lock.NewPGAdvisory(pool)

		if specs := cfg.SourceSpecs(); len(specs) > 0 {
			src, err := registry.NewPGSource(pool, specs)
			if err != nil {
				a.Close()
				return nil, err
			}
			source = src
		}
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	case config.DriverSQLite:
		conn, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		a.sqlite, a.pinger = conn, db.SQLitePinger(conn)
		a.closers = append(a.closers, func() { _ = conn.Close() })
		regRepo = registry.NewSQLiteRepo(conn)
		mapRepo = mapping.NewSQLiteRepo(conn)
		patternRepo = detection.NewSQLiteRepo(conn)
		a.runs = reconcile.NewSQLiteRepo(conn)
		locker = lock.NewLocal()
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")

	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}

	if cfg.RedisURL != "" {
		rdb, err := lock.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		locker = lock.NewRedis(rdb)
		logger.Info().Msg("using redis reconcile lock")
	}

	a.codes = registry.NewService(regRepo, logger)
	if source != nil {
		a.codes.WithSource(source)
	}
	a.mappings = mapping.NewService(mapRepo, a.codes, a.metrics, logger)

	a.holder = detection.NewHolder(patternLoader(cfg, patternRepo))
	a.detector = detection.NewService(a.holder, patternRepo, a.mappings, a.metrics, logger)
	if _, err := a.detector.Reload(ctx); errors.Is(err, detection.ErrNoActiveSet) {
		logger.Warn().Msg("no active pattern set, detection disabled until one is deployed")
	} else if err != nil {
		logger.Error().Err(err).Msg("load pattern set")
	}

	a.job = reconcile.NewJob(reconcile.Deps{
		Registry:  a.codes,
		Source:    source,
		Resolver:  a.mappings,
		Mappings:  mapRepo,
		Runs:      a.runs,
		Locker:    locker,
		Metrics:   a.metrics,
		BatchSize: cfg.ReconcileBatchSize,
		LockTTL:   cfg.ReconcileLockTTL,
	}, logger)
	return a, nil
}

// patternLoader reads PATTERN_SET_FILE when set, otherwise the active set
// in the store.
func patternLoader(cfg *config.Config, repo detection.Repository) detection.LoadFunc {
	if cfg.PatternSetFile != "" {
		path := cfg.PatternSetFile
		return func(context.Context) (*detection.PatternSet, error) {
			return detection.LoadPatternFile(path)
		}
	}
	return repo.LoadActive
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
