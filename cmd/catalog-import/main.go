package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"price-tracker/internal/app"
	"price-tracker/internal/config"
	"price-tracker/internal/logger"
	"price-tracker/internal/models"
	"price-tracker/internal/sources"

	"github.com/joho/godotenv"
)

// 按ID区间扫描 CSQAQ 饰品并写入目录表。请求节奏由 csqaq 数据源的限速配置决定。
func main() {
	var (
		startID = flag.Int64("start", 1, "起始ID")
		endID   = flag.Int64("end", 1000, "结束ID")
		slug    = flag.String("source", "csqaq", "CSQAQ 数据源 slug")
		watch   = flag.String("watch", "", "同时把导入的饰品加入这个关注集合")
		batch   = flag.Int("batch", 100, "每批写入条数")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
	if *startID > *endID {
		log.Fatalf("start %d > end %d", *startID, *endID)
	}

	cfg := config.Load()
	logr := logger.Init(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	a, err := app.New(cfg, logr, true)
	if err != nil {
		logr.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	adapter, found := a.Sources.Get(*slug)
	if !found {
		logr.Fatalf("source %s is not enabled", *slug)
	}
	csqaq, isCSQAQ := adapter.(*sources.CSQAQ)
	if !isCSQAQ {
		logr.Fatalf("source %s is not a csqaq source", *slug)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	entry := logr.WithComponent("catalog-import")
	var (
		pending           []models.Item
		imported, missing int
		failed            int
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := a.Catalog.Import(context.WithoutCancel(ctx), pending); err != nil {
			entry.WithError(err).Fatal("import failed")
		}
		if *watch != "" {
			ids := make([]int64, 0, len(pending))
			for _, it := range pending {
				ids = append(ids, it.ID)
			}
			if err := a.Catalog.Watch(context.WithoutCancel(ctx), *watch, ids); err != nil {
				entry.WithError(err).Fatal("watch failed")
			}
		}
		imported += len(pending)
		pending = pending[:0]
	}

	for id := *startID; id <= *endID; id++ {
		it, err := csqaq.LookupGood(ctx, id)
		switch {
		case err == nil:
			pending = append(pending, it)
		case errors.Is(err, sources.ErrNotFound):
			missing++
		case errors.Is(err, sources.ErrCanceled):
			entry.Warn("interrupted")
			flush()
			return
		default:
			failed++
			entry.WithError(err).WithField("good_id", id).Warn("lookup failed")
		}

		if len(pending) >= *batch {
			flush()
		}
		if done := id - *startID + 1; done%100 == 0 {
			entry.WithFields(logger.Fields{
				"progress": done,
				"total":    *endID - *startID + 1,
				"imported": imported + len(pending),
				"missing":  missing,
				"failed":   failed,
			}).Info("import progress")
		}
	}
	flush()
	entry.WithFields(logger.Fields{"imported": imported, "missing": missing, "failed": failed}).Info("import finished")
}
