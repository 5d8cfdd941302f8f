package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"price-tracker/internal/app"
	"price-tracker/internal/config"
	"price-tracker/internal/ingest"
	"price-tracker/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	var (
		watchedEvery = flag.Duration("watched-every", 0, "关注集合采样间隔（默认取 WATCHED_INTERVAL）")
		fullEvery    = flag.Duration("full-every", 0, "全量采样间隔（默认取 FULL_INTERVAL）")
		batchSize    = flag.Int("batch-size", 0, "每批物品数（默认取 BATCH_SIZE）")
		maxItems     = flag.Int("max-items", 0, "每次全量运行的物品上限，0 表示不限")
		noStale      = flag.Bool("no-stale-first", false, "全量运行时不优先处理过期物品")
		once         = flag.Bool("once", false, "只运行一次全量采样后退出")
		backfill     = flag.Bool("backfill", false, "启动时先回填历史价格")
		backfillDays = flag.Int("backfill-days", 30, "回填天数")
		onlySources  = flag.String("sources", "", "只使用这些数据源 (逗号分隔)")
		items        = flag.String("items", "", "只采样这些物品ID (逗号分隔)")
	)
	flag.Parse()

	// 加载环境变量
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()
	logr := logger.Init(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if *watchedEvery > 0 {
		cfg.WatchedInterval = *watchedEvery
	}
	if *fullEvery > 0 {
		cfg.FullInterval = *fullEvery
	}
	if *batchSize > 0 {
		cfg.BatchSize = *batchSize
	}

	a, err := app.New(cfg, logr, true)
	if err != nil {
		logr.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	slugs := splitFlag(*onlySources)
	itemIDs, err := parseIDs(*items)
	if err != nil {
		logr.WithError(err).Fatal("bad -items")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logr.Info("received shutdown signal, abandoning in-flight batches")
		cancel()
	}()

	if *backfill {
		sum, err := a.Runner.Backfill(ctx, ingest.BackfillProfile{
			ItemIDs:  itemIDs,
			Lookback: time.Duration(*backfillDays) * 24 * time.Hour,
			Sources:  slugs,
		})
		if err != nil {
			logr.WithError(err).Error("backfill failed")
		} else {
			logr.WithFields(logger.Fields{"created": sum.Created, "updated": sum.Updated}).Info("backfill done")
		}
	}

	full := ingest.JobProfile{
		Trigger:         ingest.TriggerFull,
		ItemIDs:         itemIDs,
		PrioritizeStale: !*noStale,
		BatchSize:       cfg.BatchSize,
		MaxItems:        *maxItems,
		Sources:         slugs,
	}

	if *once {
		full.Trigger = ingest.TriggerManual
		if _, err := a.Runner.Run(ctx, full); err != nil {
			logr.WithError(err).Fatal("run failed")
		}
		return
	}

	watched := ingest.JobProfile{
		Trigger:     ingest.TriggerWatched,
		WatchedOnly: true,
		BatchSize:   cfg.BatchSize,
		Sources:     slugs,
	}

	logr.WithFields(logger.Fields{
		"watched_every": cfg.WatchedInterval.String(),
		"full_every":    cfg.FullInterval.String(),
		"pid":           os.Getpid(),
	}).Info("sampler started")

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Runner.Every(ctx, cfg.WatchedInterval, watched)
	}()
	a.Runner.Every(ctx, cfg.FullInterval, full)
	<-done

	a.Runner.Wait()
	logr.Info("sampler stopped")
}

func splitFlag(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIDs(s string) ([]int64, error) {
	var out []int64
	for _, p := range splitFlag(s) {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
