package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"price-tracker/internal/api"
	"price-tracker/internal/app"
	"price-tracker/internal/config"
	"price-tracker/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg := config.Load()
	logr := logger.Init(logger.Options{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
		Text:  cfg.Environment == "development",
	})

	a, err := app.New(cfg, logr, cfg.Environment != "development")
	if err != nil {
		logr.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := api.NewHub(logr)
	a.Scheduler.SetPublisher(hub)

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logr))

	// CORS middleware
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	// Health check
	r.GET("/health", func(c *gin.Context) {
		if err := a.Store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := r.Group("/api/v1")
	api.SetupRoutes(apiGroup, api.Deps{
		Context:   ctx,
		Engine:    a.Engine,
		Snapshots: a.Store,
		Runner:    a.Runner,
		Runs:      a.Runs,
		Catalog:   a.Catalog,
		Sources:   a.Sources,
		Hub:       hub,
		Log:       logr,
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		logr.WithField("port", cfg.Port).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.WithError(err).Fatal("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logr.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.WithError(err).Warn("http shutdown")
	}
	// abandon manual runs; committed batches stay
	cancel()
	a.Runner.Wait()
	logr.Info("server stopped")
}

func requestLogger(l *logger.Log) gin.HandlerFunc {
	entry := l.WithComponent("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry.WithFields(logger.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Info("request")
	}
}
