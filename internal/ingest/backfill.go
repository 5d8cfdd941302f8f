package ingest

import (
	"context"
	"fmt"
	"time"

	"price-tracker/internal/logger"
	"price-tracker/internal/models"
	"price-tracker/internal/snapshots"
	"price-tracker/internal/sources"

	"github.com/google/uuid"
)

// Backfill imports genuine price history from history-capable sources.
// Every row it writes carries the backfill provenance; nothing is derived
// from current prices.
func (s *Scheduler) Backfill(ctx context.Context, p BackfillProfile) (RunSummary, error) {
	return s.backfill(ctx, uuid.NewString(), p)
}

func (s *Scheduler) backfill(ctx context.Context, runID string, p BackfillProfile) (RunSummary, error) {
	sum := newSummary(runID, TriggerBackfill, s.now())
	log := s.log.WithFields(logger.Fields{"run_id": runID, "trigger": TriggerBackfill})

	if p.Lookback <= 0 {
		p.Lookback = 30 * 24 * time.Hour
	}
	adapters := pick(s.sources.With(sources.SupportsHistory), p.Sources)
	if len(adapters) == 0 {
		return s.finish(sum), fmt.Errorf("no history sources configured")
	}

	batches, err := s.plan(ctx, JobProfile{
		Trigger:         TriggerBackfill,
		ItemIDs:         p.ItemIDs,
		PrioritizeStale: true,
		BatchSize:       p.BatchSize,
		MaxItems:        p.MaxItems,
	}, &sum)
	if err != nil {
		return s.finish(sum), err
	}
	log.WithFields(logger.Fields{"batches": len(batches), "lookback": p.Lookback.String()}).Info("backfill started")
	s.events.Publish(Event{Type: EventStarted, RunID: runID, Trigger: TriggerBackfill, Summary: sum.copy(), Time: s.now()})

	for i, b := range batches {
		if ctx.Err() != nil {
			return s.abort(ctx, &sum, nil, log)
		}
		results := fanOut(ctx, adapters, b.items, s.now, func(ctx context.Context, a sources.Adapter, it models.Item) ([]sources.HistoryPoint, error) {
			return a.FetchHistory(ctx, it, p.Lookback)
		})
		if ctx.Err() != nil {
			return s.abort(ctx, &sum, nil, log)
		}

		var pending []snapshots.Snapshot
		for ii, item := range b.items {
			var errs []error
			for si, a := range adapters {
				r := results[si][ii]
				if r.err != nil {
					errs = append(errs, r.err)
					s.logFailure(log, r.err)
					continue
				}
				for _, pt := range r.val {
					cur := pt.Currency
					if cur == "" {
						cur = a.Currency()
					}
					pending = append(pending, snapshots.Snapshot{
						ItemID:     item.ID,
						Source:     a.Slug(),
						SampledAt:  pt.Time,
						Price:      pt.Price,
						Currency:   cur,
						Provenance: models.ProvenanceBackfill,
					})
				}
			}
			tally(&sum, item.ID, len(adapters), errs)
		}
		sum.Batches++

		if err := s.flush(ctx, &sum, pending, log); err != nil {
			return s.finish(sum), err
		}
		if (i+1)%s.opts.ProgressEvery == 0 {
			s.progress(log, sum, b.tier, i+1, len(batches))
		}
	}

	sum = s.finish(sum)
	log.WithFields(summaryFields(sum)).Info("backfill finished")
	return sum, nil
}
