package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"price-tracker/internal/models"

	"gorm.io/gorm"
)

// Tier is a scheduling priority class. Lower values are processed first.
type Tier int

const (
	TierWatched Tier = iota + 1 // member of a watched collection
	TierStale                   // no snapshot newer than the staleness threshold
	TierRest
)

func (t Tier) String() string {
	switch t {
	case TierWatched:
		return "watched"
	case TierStale:
		return "stale"
	case TierRest:
		return "rest"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Tiers partitions the catalog; each item appears in its highest tier only.
type Tiers struct {
	Watched []models.Item
	Stale   []models.Item
	Rest    []models.Item
}

func (t Tiers) Get(tier Tier) []models.Item {
	switch tier {
	case TierWatched:
		return t.Watched
	case TierStale:
		return t.Stale
	case TierRest:
		return t.Rest
	}
	return nil
}

// ErrNotFound is returned by GetItem for unknown ids.
var ErrNotFound = errors.New("item not found")

// Catalog reads items and collections. Scheduling only reads; imports write
// through Import and Watch.
type Catalog struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// Tiers splits all items by priority as of now.
func (c *Catalog) Tiers(ctx context.Context, staleAfter time.Duration, now time.Time) (Tiers, error) {
	db := c.db.WithContext(ctx)

	var items []models.Item
	if err := db.Order("id").Find(&items).Error; err != nil {
		return Tiers{}, fmt.Errorf("list items: %w", err)
	}

	var watchedIDs []int64
	err := db.Model(&models.CollectionItem{}).
		Joins("JOIN collections ON collections.id = collection_items.collection_id").
		Where("collections.watched = ?", true).
		Distinct().
		Pluck("collection_items.item_id", &watchedIDs).Error
	if err != nil {
		return Tiers{}, fmt.Errorf("list watched items: %w", err)
	}

	var freshIDs []int64
	err = db.Model(&models.PriceSnapshot{}).
		Where("bucket_unix >= ?", now.Add(-staleAfter).Unix()).
		Distinct().
		Pluck("item_id", &freshIDs).Error
	if err != nil {
		return Tiers{}, fmt.Errorf("list fresh items: %w", err)
	}

	watched := toSet(watchedIDs)
	fresh := toSet(freshIDs)

	var t Tiers
	for _, it := range items {
		switch {
		case watched[it.ID]:
			t.Watched = append(t.Watched, it)
		case !fresh[it.ID]:
			t.Stale = append(t.Stale, it)
		default:
			t.Rest = append(t.Rest, it)
		}
	}
	return t, nil
}

// ListItems returns the items of one tier.
func (c *Catalog) ListItems(ctx context.Context, tier Tier, staleAfter time.Duration) ([]models.Item, error) {
	t, err := c.Tiers(ctx, staleAfter, time.Now())
	if err != nil {
		return nil, err
	}
	return t.Get(tier), nil
}

// GetItems loads items in the order of ids. Unknown ids are skipped.
func (c *Catalog) GetItems(ctx context.Context, ids []int64) ([]models.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []models.Item
	if err := c.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get items: %w", err)
	}
	byID := make(map[int64]models.Item, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	out := make([]models.Item, 0, len(rows))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if it, ok := byID[id]; ok && !seen[id] {
			out = append(out, it)
			seen[id] = true
		}
	}
	return out, nil
}

func (c *Catalog) GetItem(ctx context.Context, id int64) (models.Item, error) {
	var it models.Item
	err := c.db.WithContext(ctx).Take(&it, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Item{}, ErrNotFound
	}
	if err != nil {
		return models.Item{}, fmt.Errorf("get item %d: %w", id, err)
	}
	return it, nil
}

func toSet(ids []int64) map[int64]bool {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
