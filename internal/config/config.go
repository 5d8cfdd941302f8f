package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL string
	Port        string
	Environment string

	LogLevel string
	LogFile  string

	// Source definitions file (yaml)
	SourcesFile string

	// Chart currencies; the first one is the primary currency.
	Currencies []string

	SnapshotGranularity time.Duration
	StaleAfter          time.Duration
	BatchSize           int
	FlushEvery          int
	ProgressEvery       int

	// Trigger cadences for the sampler binary
	WatchedInterval time.Duration
	FullInterval    time.Duration

	RunRetries    int
	RunRetryDelay time.Duration

	MaxGapBuckets int
	MinPoints     int
}

func Load() *Config {
	defaultDSN := "root:root@tcp(127.0.0.1:3306)/price_tracker?charset=utf8mb4&parseTime=True&loc=UTC"

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", defaultDSN),
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		SourcesFile: getEnv("SOURCES_FILE", "sources.yml"),
		Currencies:  splitList(getEnv("CHART_CURRENCIES", "CNY,USD")),

		SnapshotGranularity: getDuration("SNAPSHOT_GRANULARITY", 5*time.Minute),
		StaleAfter:          getDuration("STALE_AFTER", 24*time.Hour),
		BatchSize:           getInt("BATCH_SIZE", 100),
		FlushEvery:          getInt("FLUSH_EVERY", 1),
		ProgressEvery:       getInt("PROGRESS_EVERY", 10),

		WatchedInterval: getDuration("WATCHED_INTERVAL", 2*time.Minute),
		FullInterval:    getDuration("FULL_INTERVAL", 5*time.Minute),

		RunRetries:    getInt("RUN_RETRIES", 3),
		RunRetryDelay: getDuration("RUN_RETRY_DELAY", 10*time.Second),

		MaxGapBuckets: getInt("CHART_MAX_GAP_BUCKETS", 2),
		MinPoints:     getInt("CHART_MIN_POINTS", 2),
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(getEnv(key, "")); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
