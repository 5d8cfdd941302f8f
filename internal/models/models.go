package models

import "time"

// Provenance flags for price snapshots.
const (
	ProvenanceRealtime = "realtime"
	ProvenanceBackfill = "backfill"
)

// Item is a catalog entry being priced. Match keys correlate the same logical
// item across sources that don't share an id.
type Item struct {
	ID             int64  `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Name           string `json:"name" gorm:"index;not null"`
	VariantCode    string `json:"variant_code" gorm:"size:64;index"` // printing / wear code
	SubNumber      string `json:"sub_number" gorm:"size:32"`
	MarketHashName string `json:"market_hash_name" gorm:"index"`
	HasPremium     bool   `json:"has_premium" gorm:"default:false"` // StatTrak / foil variant exists

	// Per-source ids
	CSQAQGoodID    *int64 `json:"csqaq_good_id" gorm:"index"`
	YYYPTemplateID *int64 `json:"yyyp_template_id" gorm:"index"` // YouPin template id

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Collection groups items; watched collections are sampled first.
type Collection struct {
	ID        int64     `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"uniqueIndex;size:128;not null"`
	Watched   bool      `json:"watched" gorm:"index;default:false"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CollectionItem struct {
	CollectionID int64 `json:"collection_id" gorm:"primaryKey;autoIncrement:false"`
	ItemID       int64 `json:"item_id" gorm:"primaryKey;autoIncrement:false;index"`
}

// PriceSnapshot is one (item, source, bucket) price fact. The composite unique
// index is what makes overlapping ingestion runs safe.
type PriceSnapshot struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	ItemID     int64     `json:"item_id" gorm:"not null;uniqueIndex:uq_snapshot_key,priority:1"`
	Source     string    `json:"source" gorm:"size:32;not null;uniqueIndex:uq_snapshot_key,priority:2;index:idx_snapshot_source_bucket,priority:1"`
	BucketUnix int64     `json:"bucket_unix" gorm:"not null;uniqueIndex:uq_snapshot_key,priority:3;index:idx_snapshot_source_bucket,priority:2;index:idx_snapshot_currency_bucket,priority:2"`
	SampledAt  time.Time `json:"sampled_at" gorm:"not null;index"`
	Price      float64   `json:"price"`
	AltPrice   *float64  `json:"alt_price"`
	Currency   string    `json:"currency" gorm:"size:3;not null;index:idx_snapshot_currency_bucket,priority:1"`
	Provenance string    `json:"provenance" gorm:"size:16;not null;default:realtime"`
	WriteCount int       `json:"write_count" gorm:"not null;default:1"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// IngestionRun records one scheduler run and its summary.
type IngestionRun struct {
	ID         string     `json:"id" gorm:"primaryKey;size:36"`
	Trigger    string     `json:"trigger" gorm:"size:32;index"` // watched | full | manual | backfill
	Profile    string     `json:"profile" gorm:"type:text"`
	Status     string     `json:"status" gorm:"size:16;index"`
	Attempts   int        `json:"attempts"`
	Attempted  int64      `json:"attempted"`
	Created    int64      `json:"created"`
	Updated    int64      `json:"updated"`
	Failed     int64      `json:"failed"`
	Skipped    int64      `json:"skipped"`
	Failures   string     `json:"failures" gorm:"type:text"` // JSON counts by kind
	Errors     string     `json:"errors" gorm:"type:text"`   // JSON sample of failure messages
	Error      string     `json:"error" gorm:"type:text"`
	StartedAt  time.Time  `json:"started_at" gorm:"index"`
	FinishedAt *time.Time `json:"finished_at"`
}

// All lists models for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&Item{},
		&Collection{},
		&CollectionItem{},
		&PriceSnapshot{},
		&IngestionRun{},
	}
}
