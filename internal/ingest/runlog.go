package ingest

import (
	"context"
	"errors"
	"fmt"

	"price-tracker/internal/models"

	"gorm.io/gorm"
)

// ErrRunNotFound is returned by RunLog.Get for unknown ids.
var ErrRunNotFound = errors.New("run not found")

// RunLog persists ingestion runs in ingestion_runs.
type RunLog struct {
	db *gorm.DB
}

func NewRunLog(db *gorm.DB) *RunLog {
	return &RunLog{db: db}
}

func (l *RunLog) Create(ctx context.Context, run *models.IngestionRun) error {
	if err := l.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

func (l *RunLog) Save(ctx context.Context, run *models.IngestionRun) error {
	if err := l.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

func (l *RunLog) Get(ctx context.Context, id string) (models.IngestionRun, error) {
	var run models.IngestionRun
	err := l.db.WithContext(ctx).Take(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return run, ErrRunNotFound
	}
	return run, err
}

// List returns the newest runs first, optionally for one trigger only.
func (l *RunLog) List(ctx context.Context, trigger string, limit int) ([]models.IngestionRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := l.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if trigger != "" {
		q = q.Where(&models.IngestionRun{Trigger: trigger})
	}
	var runs []models.IngestionRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}
