package catalog

import (
	"context"
	"fmt"

	"price-tracker/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Import inserts items, or refreshes the name and CSQAQ mapping of ones that
// already exist. Other source ids are left alone.
func (c *Catalog) Import(ctx context.Context, items []models.Item) error {
	if len(items) == 0 {
		return nil
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "market_hash_name", "csqaq_good_id", "updated_at"}),
	}).CreateInBatches(&items, 200).Error
	if err != nil {
		return fmt.Errorf("import %d items: %w", len(items), err)
	}
	return nil
}

// Watch adds items to the named collection and marks it watched.
func (c *Catalog) Watch(ctx context.Context, collection string, ids []int64) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var col models.Collection
		if err := tx.Where(models.Collection{Name: collection}).FirstOrCreate(&col).Error; err != nil {
			return fmt.Errorf("collection %s: %w", collection, err)
		}
		if !col.Watched {
			if err := tx.Model(&col).Update("watched", true).Error; err != nil {
				return err
			}
		}
		if len(ids) == 0 {
			return nil
		}
		links := make([]models.CollectionItem, 0, len(ids))
		for _, id := range ids {
			links = append(links, models.CollectionItem{CollectionID: col.ID, ItemID: id})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&links).Error
	})
}
