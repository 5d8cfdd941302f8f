package snapshots

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"price-tracker/internal/logger"
	"price-tracker/internal/models"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrStorageUnavailable means the database could not be reached at all.
	// Ingestion runs treat it as fatal.
	ErrStorageUnavailable = errors.New("snapshot storage unavailable")
	// ErrStorageConflict means the database was reachable but rejected the write.
	ErrStorageConflict = errors.New("snapshot write rejected")
)

// Outcome of an upsert.
type Outcome int

const (
	Created Outcome = iota + 1
	Updated
	// Rejected marks a row the database refused after its batch was split.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Snapshot is one price observation to persist.
type Snapshot struct {
	ItemID     int64
	Source     string
	SampledAt  time.Time
	Price      float64
	AltPrice   *float64
	Currency   string
	Provenance string
}

const lockRetries = 3

// Store is the only writer of price_snapshots.
type Store struct {
	db          *gorm.DB
	granularity time.Duration
	retryDelay  time.Duration
	log         *logger.Entry
}

func NewStore(db *gorm.DB, granularity time.Duration, log *logger.Log) *Store {
	if granularity <= 0 {
		granularity = 5 * time.Minute
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Store{
		db:          db,
		granularity: granularity,
		retryDelay:  50 * time.Millisecond,
		log:         log.WithComponent("snapshots"),
	}
}

func (s *Store) Granularity() time.Duration { return s.granularity }

// BucketOf floors t to the snapshot granularity, in unix seconds.
func (s *Store) BucketOf(t time.Time) int64 {
	return floorUnix(t.Unix(), int64(s.granularity/time.Second))
}

func floorUnix(ts, width int64) int64 {
	if width <= 0 {
		return ts
	}
	r := ts % width
	if r < 0 {
		r += width
	}
	return ts - r
}

// Upsert writes one snapshot keyed on (item, source, bucket). An existing
// row has its price fields overwritten; the later writer wins.
func (s *Store) Upsert(ctx context.Context, snap Snapshot) (Outcome, error) {
	var outcome Outcome
	err := s.transact(ctx, func(tx *gorm.DB) error {
		o, err := s.upsert(tx, snap)
		outcome = o
		return err
	})
	if err != nil {
		return 0, s.wrap(ctx, "upsert", err)
	}
	return outcome, nil
}

// UpsertBatch writes all snapshots in one transaction and returns their
// outcomes in input order. If the database rejects the transaction the rows
// are retried one by one, and those still refused come back as Rejected.
func (s *Store) UpsertBatch(ctx context.Context, snaps []Snapshot) ([]Outcome, error) {
	if len(snaps) == 0 {
		return nil, nil
	}
	outcomes := make([]Outcome, len(snaps))
	err := s.transact(ctx, func(tx *gorm.DB) error {
		for i, snap := range snaps {
			o, err := s.upsert(tx, snap)
			if err != nil {
				return fmt.Errorf("item %d source %s: %w", snap.ItemID, snap.Source, err)
			}
			outcomes[i] = o
		}
		return nil
	})
	if err == nil {
		return outcomes, nil
	}
	werr := s.wrap(ctx, "upsert batch", err)
	if !errors.Is(werr, ErrStorageConflict) {
		return nil, werr
	}

	s.log.WithError(err).WithField("snapshots", len(snaps)).Warn("batch rejected, writing rows one by one")
	for i, snap := range snaps {
		o, err := s.Upsert(ctx, snap)
		switch {
		case err == nil:
			outcomes[i] = o
		case errors.Is(err, ErrStorageConflict):
			outcomes[i] = Rejected
			s.log.WithError(err).WithFields(logger.Fields{"item_id": snap.ItemID, "source": snap.Source}).Warn("snapshot rejected")
		default:
			return nil, err
		}
	}
	return outcomes, nil
}

// transact runs fn in a transaction, retrying a few times when it lost a
// lock to a concurrent writer.
func (s *Store) transact(ctx context.Context, fn func(tx *gorm.DB) error) error {
	for attempt := 1; ; attempt++ {
		err := s.db.WithContext(ctx).Transaction(fn)
		if err == nil || !isContention(err) || attempt >= lockRetries {
			return err
		}
		s.log.WithError(err).WithField("attempt", attempt).Warn("lock contention, retrying")
		t := time.NewTimer(time.Duration(attempt) * s.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// isContention reports deadlocks and lock wait timeouts (MySQL) and busy
// or locked databases (SQLite).
func isContention(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1213 || me.Number == 1205
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

func (s *Store) upsert(tx *gorm.DB, snap Snapshot) (Outcome, error) {
	if snap.Provenance == "" {
		snap.Provenance = models.ProvenanceRealtime
	}
	now := time.Now().UTC()
	row := models.PriceSnapshot{
		ItemID:     snap.ItemID,
		Source:     snap.Source,
		BucketUnix: s.BucketOf(snap.SampledAt),
		SampledAt:  snap.SampledAt.UTC(),
		Price:      snap.Price,
		AltPrice:   snap.AltPrice,
		Currency:   snap.Currency,
		Provenance: snap.Provenance,
		WriteCount: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// The unique key serializes concurrent writers; write_count tells the
	// caller whether this statement inserted or merged.
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "item_id"}, {Name: "source"}, {Name: "bucket_unix"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"price":       row.Price,
			"alt_price":   row.AltPrice,
			"currency":    row.Currency,
			"sampled_at":  row.SampledAt,
			"provenance":  row.Provenance,
			"updated_at":  now,
			"write_count": gorm.Expr("write_count + 1"),
		}),
	}).Create(&row).Error
	if err != nil {
		return 0, err
	}

	var cur models.PriceSnapshot
	err = tx.Select("write_count").
		Where("item_id = ? AND source = ? AND bucket_unix = ?", row.ItemID, row.Source, row.BucketUnix).
		Take(&cur).Error
	if err != nil {
		return 0, err
	}
	if cur.WriteCount > 1 {
		return Updated, nil
	}
	return Created, nil
}

// wrap classifies a failed operation by checking whether the database still answers.
func (s *Store) wrap(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if s.Ping(ctx) != nil {
		s.log.WithError(err).WithField("op", op).Error("storage unreachable")
		return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStorageConflict, err)
}

// Ping checks that the database answers within a few seconds.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return sqlDB.PingContext(pctx)
}
