package snapshots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"price-tracker/internal/models"

	"gorm.io/gorm"
)

// Finish selects which price column aggregates read.
type Finish string

const (
	FinishRegular Finish = "regular"
	// FinishPremium reads alt_price and only counts rows that have one.
	FinishPremium Finish = "premium"
)

// ParseFinish accepts "", "regular" and "premium".
func ParseFinish(s string) (Finish, error) {
	switch Finish(s) {
	case "", FinishRegular:
		return FinishRegular, nil
	case FinishPremium:
		return FinishPremium, nil
	default:
		return "", fmt.Errorf("unknown finish %q", s)
	}
}

// Filter narrows range reads. Zero fields match everything.
type Filter struct {
	Source   string
	Currency string
	Finish   Finish
	ItemIDs  []int64
	// Since and Until bound the snapshot bucket to [Since, Until).
	Since time.Time
	Until time.Time
}

// Bucket is one aggregated row of RangeAverage.
type Bucket struct {
	Start   time.Time `json:"start"`
	Avg     float64   `json:"avg"`
	Items   int       `json:"items"`   // distinct items
	Samples int       `json:"samples"` // snapshot rows
}

func (s *Store) scoped(ctx context.Context, f Filter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&models.PriceSnapshot{})
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if f.Currency != "" {
		q = q.Where("currency = ?", f.Currency)
	}
	if f.Finish == FinishPremium {
		q = q.Where("alt_price IS NOT NULL")
	}
	if len(f.ItemIDs) > 0 {
		q = q.Where("item_id IN ?", f.ItemIDs)
	}
	if !f.Since.IsZero() {
		q = q.Where("bucket_unix >= ?", f.Since.Unix())
	}
	if !f.Until.IsZero() {
		q = q.Where("bucket_unix < ?", f.Until.Unix())
	}
	return q
}

// RangeAverage averages snapshots in [start, end) into buckets of width,
// aligned to the unix epoch. Only buckets with data are returned, oldest first.
func (s *Store) RangeAverage(ctx context.Context, f Filter, start, end time.Time, width time.Duration) ([]Bucket, error) {
	w := int64(width / time.Second)
	if w <= 0 {
		return nil, fmt.Errorf("bucket width must be at least one second, got %s", width)
	}
	col := "price"
	if f.Finish == FinishPremium {
		col = "alt_price"
	}

	var rows []struct {
		BucketStart int64
		AvgPrice    float64
		Items       int
		Samples     int
	}
	err := s.scoped(ctx, f).
		Select("(bucket_unix - (bucket_unix % ?)) AS bucket_start, AVG("+col+") AS avg_price, COUNT(DISTINCT item_id) AS items, COUNT(*) AS samples", w).
		Where("bucket_unix >= ? AND bucket_unix < ?", start.Unix(), end.Unix()).
		Group("bucket_start").
		Order("bucket_start").
		Scan(&rows).Error
	if err != nil {
		return nil, s.wrap(ctx, "range average", err)
	}

	out := make([]Bucket, 0, len(rows))
	for _, r := range rows {
		out = append(out, Bucket{
			Start:   time.Unix(r.BucketStart, 0).UTC(),
			Avg:     r.AvgPrice,
			Items:   r.Items,
			Samples: r.Samples,
		})
	}
	return out, nil
}

// LatestSnapshotTime returns the sample time of the newest matching snapshot.
// ok is false when nothing matches.
func (s *Store) LatestSnapshotTime(ctx context.Context, f Filter) (t time.Time, ok bool, err error) {
	var row models.PriceSnapshot
	err = s.scoped(ctx, f).Select("sampled_at").Order("sampled_at DESC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, s.wrap(ctx, "latest snapshot", err)
	}
	return row.SampledAt.UTC(), true, nil
}

// Count returns the number of snapshot rows matching f.
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	var n int64
	if err := s.scoped(ctx, f).Count(&n).Error; err != nil {
		return 0, s.wrap(ctx, "count", err)
	}
	return n, nil
}

// ItemSnapshots returns one item's rows matching f, oldest first.
func (s *Store) ItemSnapshots(ctx context.Context, itemID int64, f Filter) ([]models.PriceSnapshot, error) {
	f.ItemIDs = []int64{itemID}
	var rows []models.PriceSnapshot
	err := s.scoped(ctx, f).Order("bucket_unix, source").Find(&rows).Error
	if err != nil {
		return nil, s.wrap(ctx, "item snapshots", err)
	}
	return rows, nil
}
