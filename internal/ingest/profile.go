package ingest

import (
	"encoding/json"
	"time"

	"price-tracker/internal/models"
)

// Triggers recorded on runs.
const (
	TriggerWatched  = "watched"
	TriggerFull     = "full"
	TriggerManual   = "manual"
	TriggerBackfill = "backfill"
)

// JobProfile describes one ingestion pass.
type JobProfile struct {
	Trigger string  `json:"trigger"`
	ItemIDs []int64 `json:"item_ids,omitempty"` // empty means the whole catalog
	// WatchedOnly limits a catalog run to watched items.
	WatchedOnly     bool     `json:"watched_only,omitempty"`
	PrioritizeStale bool     `json:"prioritize_stale"`
	BatchSize       int      `json:"batch_size"`
	MaxItems        int      `json:"max_items,omitempty"` // item budget, 0 = unlimited
	Sources         []string `json:"sources,omitempty"`   // restrict to these slugs
}

// BackfillProfile describes a historical import from history-capable sources.
type BackfillProfile struct {
	ItemIDs   []int64       `json:"item_ids,omitempty"`
	Lookback  time.Duration `json:"lookback"`
	Sources   []string      `json:"sources,omitempty"`
	BatchSize int           `json:"batch_size"`
	MaxItems  int           `json:"max_items,omitempty"`
}

// RunSummary is what one pass accomplished.
type RunSummary struct {
	RunID     string `json:"run_id"`
	Trigger   string `json:"trigger"`
	Attempted int64  `json:"attempted"` // items
	Created   int64  `json:"created"`   // snapshots
	Updated   int64  `json:"updated"`   // snapshots
	Failed    int64  `json:"failed"`    // items with no successful source
	Skipped   int64  `json:"skipped"`   // items not present on any source
	// Failures counts failed (item, source) fetches by kind.
	Failures map[string]int64 `json:"failures"`
	// Errors holds the first maxErrorSamples failure messages.
	Errors     []string       `json:"errors,omitempty"`
	Tiers      map[string]int `json:"tiers"`
	Batches    int            `json:"batches"`
	Attempts   int            `json:"attempts,omitempty"`
	Aborted    bool           `json:"aborted,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

const maxErrorSamples = 20

func (s *RunSummary) sampleError(msg string) {
	if len(s.Errors) < maxErrorSamples {
		s.Errors = append(s.Errors, msg)
	}
}

func newSummary(runID, trigger string, now time.Time) RunSummary {
	return RunSummary{
		RunID:     runID,
		Trigger:   trigger,
		Failures:  make(map[string]int64),
		Tiers:     make(map[string]int),
		StartedAt: now,
	}
}

func (s RunSummary) failuresJSON() string {
	if len(s.Failures) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(s.Failures)
	return string(b)
}

func (s RunSummary) errorsJSON() string {
	if len(s.Errors) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(s.Errors)
	return string(b)
}

func (s RunSummary) copy() RunSummary {
	c := s
	c.Errors = append([]string(nil), s.Errors...)
	c.Failures = make(map[string]int64, len(s.Failures))
	for k, v := range s.Failures {
		c.Failures[k] = v
	}
	c.Tiers = make(map[string]int, len(s.Tiers))
	for k, v := range s.Tiers {
		c.Tiers[k] = v
	}
	return c
}

// batch is a slice of items from a single tier.
type batch struct {
	tier  string
	items []models.Item
}
