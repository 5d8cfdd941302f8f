package database

import (
	"fmt"
	"strings"
	"time"

	"price-tracker/internal/logger"
	"price-tracker/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Options tunes the connection pool.
type Options struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	Silent          bool
}

func DefaultOptions() Options {
	return Options{
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
	}
}

const sqlitePrefix = "sqlite://"

// Initialize opens the database and migrates the schema. DSNs starting with
// sqlite:// open a local SQLite file, anything else is treated as MySQL.
func Initialize(dsn string, opts Options) (*gorm.DB, error) {
	gcfg := &gorm.Config{}
	if opts.Silent {
		gcfg.Logger = gormlogger.Default.LogMode(gormlogger.Silent)
	}

	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, sqlitePrefix) {
		dialector = sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix))
		// SQLite allows a single writer.
		opts.MaxOpenConns = 1
		opts.MaxIdleConns = 1
	} else {
		dialector = mysql.Open(dsn)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	logger.GetLogger().WithComponent("database").Info("database initialized")
	return db, nil
}

// Migrate creates or updates all tables, including the snapshot uniqueness index.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// Older deployments created the snapshot table before the composite key existed.
	if !db.Migrator().HasIndex(&models.PriceSnapshot{}, "uq_snapshot_key") {
		if err := db.Migrator().CreateIndex(&models.PriceSnapshot{}, "uq_snapshot_key"); err != nil {
			return fmt.Errorf("create snapshot unique index: %w", err)
		}
		logger.GetLogger().WithComponent("database").Info("created index uq_snapshot_key on price_snapshots")
	}
	return nil
}

// OpenSQLite opens and migrates a SQLite database file with a busy timeout,
// for local runs and tests.
func OpenSQLite(path string) (*gorm.DB, error) {
	return Initialize(sqlitePrefix+path+"?_pragma=busy_timeout(5000)", Options{Silent: true})
}
