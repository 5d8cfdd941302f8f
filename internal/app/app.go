// Package app wires configuration, storage, sources and the ingestion
// pipeline together for the binaries.
package app

import (
	"fmt"

	"price-tracker/internal/catalog"
	"price-tracker/internal/charts"
	"price-tracker/internal/config"
	"price-tracker/internal/database"
	"price-tracker/internal/ingest"
	"price-tracker/internal/logger"
	"price-tracker/internal/snapshots"
	"price-tracker/internal/sources"

	"gorm.io/gorm"
)

type App struct {
	Config    *config.Config
	Log       *logger.Log
	DB        *gorm.DB
	Sources   *sources.Registry
	Store     *snapshots.Store
	Catalog   *catalog.Catalog
	Scheduler *ingest.Scheduler
	Runs      *ingest.RunLog
	Runner    *ingest.Runner
	Engine    *charts.Engine
}

// New builds every component from cfg. quietDB silences gorm's SQL log.
func New(cfg *config.Config, log *logger.Log, quietDB bool) (*App, error) {
	srcCfgs, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		return nil, err
	}
	reg, err := sources.NewRegistry(srcCfgs, log)
	if err != nil {
		return nil, err
	}
	if len(reg.All()) == 0 {
		return nil, fmt.Errorf("no enabled sources in %s", cfg.SourcesFile)
	}

	dbOpts := database.DefaultOptions()
	dbOpts.Silent = quietDB
	db, err := database.Initialize(cfg.DatabaseURL, dbOpts)
	if err != nil {
		return nil, err
	}

	store := snapshots.NewStore(db, cfg.SnapshotGranularity, log)
	cat := catalog.New(db)
	sched := ingest.NewScheduler(cat, store, reg, ingest.Options{
		StaleAfter:    cfg.StaleAfter,
		BatchSize:     cfg.BatchSize,
		FlushEvery:    cfg.FlushEvery,
		ProgressEvery: cfg.ProgressEvery,
	}, log)
	runs := ingest.NewRunLog(db)
	runner := ingest.NewRunner(sched, runs, ingest.RunnerOptions{
		Retries:    cfg.RunRetries,
		RetryDelay: cfg.RunRetryDelay,
	}, log)
	engine := charts.NewEngine(store, charts.Options{
		Currencies:    cfg.Currencies,
		MaxGapBuckets: cfg.MaxGapBuckets,
		MinPoints:     cfg.MinPoints,
	}, log)

	for _, a := range reg.All() {
		log.WithFields(logger.Fields{
			"source":   a.Slug(),
			"currency": a.Currency(),
			"caps":     a.Capabilities(),
			"max_conc": a.MaxConcurrency(),
		}).Info("source enabled")
	}

	return &App{
		Config:    cfg,
		Log:       log,
		DB:        db,
		Sources:   reg,
		Store:     store,
		Catalog:   cat,
		Scheduler: sched,
		Runs:      runs,
		Runner:    runner,
		Engine:    engine,
	}, nil
}

// Close releases the database connection pool.
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
