package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"price-tracker/internal/catalog"
	"price-tracker/internal/logger"
	"price-tracker/internal/models"
	"price-tracker/internal/snapshots"
	"price-tracker/internal/sources"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const kindStorageConflict = "storage_conflict"

// SnapshotWriter persists snapshots idempotently.
type SnapshotWriter interface {
	UpsertBatch(ctx context.Context, snaps []snapshots.Snapshot) ([]snapshots.Outcome, error)
}

// ItemSource resolves the items a run covers.
type ItemSource interface {
	Tiers(ctx context.Context, staleAfter time.Duration, now time.Time) (catalog.Tiers, error)
	GetItems(ctx context.Context, ids []int64) ([]models.Item, error)
}

type Options struct {
	StaleAfter    time.Duration
	BatchSize     int
	FlushEvery    int // batches per commit
	ProgressEvery int // batches per progress line
}

func (o Options) withDefaults() Options {
	if o.StaleAfter <= 0 {
		o.StaleAfter = 24 * time.Hour
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushEvery <= 0 {
		o.FlushEvery = 1
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = 10
	}
	return o
}

// Scheduler runs ingestion passes. It holds no per-run state, so overlapping
// runs are safe; they meet only at the snapshot store's unique key.
type Scheduler struct {
	items   ItemSource
	store   SnapshotWriter
	sources *sources.Registry
	opts    Options
	events  Publisher
	now     func() time.Time
	log     *logger.Entry
}

func NewScheduler(items ItemSource, store SnapshotWriter, reg *sources.Registry, opts Options, log *logger.Log) *Scheduler {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Scheduler{
		items:   items,
		store:   store,
		sources: reg,
		opts:    opts.withDefaults(),
		events:  nopPublisher{},
		now:     func() time.Time { return time.Now().UTC() },
		log:     log.WithComponent("scheduler"),
	}
}

// SetPublisher routes run events to p.
func (s *Scheduler) SetPublisher(p Publisher) {
	if p == nil {
		p = nopPublisher{}
	}
	s.events = p
}

// Run performs one pass of current-price ingestion.
func (s *Scheduler) Run(ctx context.Context, p JobProfile) (RunSummary, error) {
	return s.run(ctx, uuid.NewString(), p)
}

func (s *Scheduler) run(ctx context.Context, runID string, p JobProfile) (RunSummary, error) {
	sum := newSummary(runID, p.Trigger, s.now())
	log := s.log.WithFields(logger.Fields{"run_id": runID, "trigger": p.Trigger})

	adapters := pick(s.sources.With(sources.SupportsCurrent), p.Sources)
	if len(adapters) == 0 {
		return s.finish(sum), fmt.Errorf("no current-price sources configured")
	}

	batches, err := s.plan(ctx, p, &sum)
	if err != nil {
		return s.finish(sum), err
	}
	log.WithFields(logger.Fields{"batches": len(batches), "tiers": sum.Tiers, "sources": len(adapters)}).Info("run started")
	s.events.Publish(Event{Type: EventStarted, RunID: runID, Trigger: p.Trigger, Summary: sum.copy(), Time: s.now()})

	var pending []snapshots.Snapshot
	for i, b := range batches {
		if ctx.Err() != nil {
			return s.abort(ctx, &sum, pending, log)
		}

		results := fanOut(ctx, adapters, b.items, s.now, func(ctx context.Context, a sources.Adapter, it models.Item) (sources.Quote, error) {
			return a.FetchCurrent(ctx, it)
		})
		if ctx.Err() != nil {
			// this batch is incomplete; earlier ones still get committed
			return s.abort(ctx, &sum, pending, log)
		}

		for ii, item := range b.items {
			var errs []error
			for si, a := range adapters {
				r := results[si][ii]
				if r.err != nil {
					errs = append(errs, r.err)
					s.logFailure(log, r.err)
					continue
				}
				cur := r.val.Currency
				if cur == "" {
					cur = a.Currency()
				}
				pending = append(pending, snapshots.Snapshot{
					ItemID:     item.ID,
					Source:     a.Slug(),
					SampledAt:  r.at,
					Price:      r.val.Price,
					AltPrice:   r.val.AltPrice,
					Currency:   cur,
					Provenance: models.ProvenanceRealtime,
				})
			}
			tally(&sum, item.ID, len(adapters), errs)
		}
		sum.Batches++

		if (i+1)%s.opts.FlushEvery == 0 || i == len(batches)-1 {
			if err := s.flush(ctx, &sum, pending, log); err != nil {
				return s.finish(sum), err
			}
			pending = pending[:0]
		}

		if (i+1)%s.opts.ProgressEvery == 0 {
			s.progress(log, sum, b.tier, i+1, len(batches))
		}
	}

	sum = s.finish(sum)
	log.WithFields(summaryFields(sum)).Info("run finished")
	return sum, nil
}

// plan resolves items into batches, strictly ordered by tier and never
// mixing two tiers in one batch.
func (s *Scheduler) plan(ctx context.Context, p JobProfile, sum *RunSummary) ([]batch, error) {
	size := p.BatchSize
	if size <= 0 {
		size = s.opts.BatchSize
	}

	type group struct {
		tier  string
		items []models.Item
	}
	var groups []group

	if len(p.ItemIDs) > 0 {
		items, err := s.items.GetItems(ctx, p.ItemIDs)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", snapshots.ErrStorageUnavailable, err)
		}
		groups = append(groups, group{"explicit", items})
	} else {
		t, err := s.items.Tiers(ctx, s.opts.StaleAfter, s.now())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", snapshots.ErrStorageUnavailable, err)
		}
		groups = append(groups, group{catalog.TierWatched.String(), t.Watched})
		switch {
		case p.WatchedOnly:
		case p.PrioritizeStale:
			groups = append(groups,
				group{catalog.TierStale.String(), t.Stale},
				group{catalog.TierRest.String(), t.Rest})
		default:
			groups = append(groups, group{"catalog", mergeByID(t.Stale, t.Rest)})
		}
	}

	budget := p.MaxItems
	var out []batch
	for _, g := range groups {
		items := g.items
		if p.MaxItems > 0 {
			if budget <= 0 {
				break
			}
			if len(items) > budget {
				items = items[:budget]
			}
			budget -= len(items)
		}
		if len(items) == 0 {
			continue
		}
		sum.Tiers[g.tier] = len(items)
		for start := 0; start < len(items); start += size {
			end := start + size
			if end > len(items) {
				end = len(items)
			}
			out = append(out, batch{tier: g.tier, items: items[start:end]})
		}
	}
	return out, nil
}

// flush commits pending snapshots. Only an unreachable store is returned as
// an error; rejected rows are counted and the run goes on.
func (s *Scheduler) flush(ctx context.Context, sum *RunSummary, pending []snapshots.Snapshot, log *logger.Entry) error {
	if len(pending) == 0 {
		return nil
	}
	outcomes, err := s.store.UpsertBatch(ctx, pending)
	if err != nil {
		if errors.Is(err, snapshots.ErrStorageUnavailable) || ctx.Err() != nil {
			log.WithError(err).Error("snapshot flush failed")
			return err
		}
		sum.Failures[kindStorageConflict] += int64(len(pending))
		sum.sampleError(err.Error())
		log.WithError(err).WithField("snapshots", len(pending)).Warn("snapshot batch rejected")
		return nil
	}
	for i, o := range outcomes {
		switch o {
		case snapshots.Created:
			sum.Created++
		case snapshots.Updated:
			sum.Updated++
		case snapshots.Rejected:
			sum.Failures[kindStorageConflict]++
			sum.sampleError(fmt.Sprintf("item %d: %s: snapshot rejected", pending[i].ItemID, pending[i].Source))
		}
	}
	return nil
}

// abort commits what completed batches produced and stops the run.
func (s *Scheduler) abort(ctx context.Context, sum *RunSummary, pending []snapshots.Snapshot, log *logger.Entry) (RunSummary, error) {
	sum.Aborted = true
	if len(pending) > 0 {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := s.flush(fctx, sum, pending, log); err != nil {
			log.WithError(err).Warn("could not commit completed batches on abort")
		}
		cancel()
	}
	out := s.finish(*sum)
	log.WithFields(summaryFields(out)).Warn("run abandoned")
	return out, ctx.Err()
}

func (s *Scheduler) finish(sum RunSummary) RunSummary {
	sum.FinishedAt = s.now()
	return sum
}

func (s *Scheduler) progress(log *logger.Entry, sum RunSummary, tier string, done, total int) {
	log.WithFields(summaryFields(sum)).WithFields(logger.Fields{
		"tier":    tier,
		"batch":   done,
		"batches": total,
	}).Info("progress")
	s.events.Publish(Event{
		Type:    EventProgress,
		RunID:   sum.RunID,
		Trigger: sum.Trigger,
		Tier:    tier,
		Batch:   done,
		Summary: sum.copy(),
		Time:    s.now(),
	})
}

func (s *Scheduler) logFailure(log *logger.Entry, err error) {
	var se *sources.Error
	if !errors.As(err, &se) {
		log.WithError(err).Warn("fetch failed")
		return
	}
	e := log.WithFields(logger.Fields{"source": se.Source, "item_id": se.ItemID, "kind": se.Kind})
	switch se.Kind {
	case sources.KindNotFound, sources.KindUnsupported, sources.KindCanceled:
		e.Debug("fetch skipped")
	case sources.KindInvalidResponse, sources.KindInvalidRequest:
		e.WithField("body", se.Body).Error("fetch failed")
	default:
		e.WithError(err).Warn("fetch failed")
	}
}

// tally classifies one item from its per-source errors. Absent items are
// counted but not sampled.
func tally(sum *RunSummary, itemID int64, sourceCount int, errs []error) {
	sum.Attempted++
	absent := true
	for _, err := range errs {
		kind := sources.KindOf(err)
		sum.Failures[string(kind)]++
		if kind != sources.KindNotFound && kind != sources.KindUnsupported {
			absent = false
			sum.sampleError(fmt.Sprintf("item %d: %v", itemID, err))
		}
	}
	if len(errs) < sourceCount {
		return
	}
	if absent {
		sum.Skipped++
	} else {
		sum.Failed++
	}
}

func summaryFields(sum RunSummary) logger.Fields {
	return logger.Fields{
		"attempted": sum.Attempted,
		"created":   sum.Created,
		"updated":   sum.Updated,
		"failed":    sum.Failed,
		"skipped":   sum.Skipped,
		"failures":  sum.Failures,
		"elapsed":   sum.FinishedAt.Sub(sum.StartedAt).String(),
	}
}

type result[T any] struct {
	val T
	err error
	at  time.Time
}

// fanOut calls fn for every (adapter, item) pair. Sources run in parallel;
// within a source at most MaxConcurrency calls are in flight. The result is
// indexed [adapter][item].
func fanOut[T any](ctx context.Context, adapters []sources.Adapter, items []models.Item, now func() time.Time,
	fn func(context.Context, sources.Adapter, models.Item) (T, error)) [][]result[T] {
	out := make([][]result[T], len(adapters))
	var wg sync.WaitGroup
	for si, a := range adapters {
		out[si] = make([]result[T], len(items))
		wg.Add(1)
		go func(row []result[T], a sources.Adapter) {
			defer wg.Done()
			limit := a.MaxConcurrency()
			if limit < 1 {
				limit = 1
			}
			var g errgroup.Group
			g.SetLimit(limit)
			for ii := range items {
				ii := ii
				g.Go(func() error {
					v, err := fn(ctx, a, items[ii])
					row[ii] = result[T]{val: v, err: err, at: now()}
					return nil
				})
			}
			_ = g.Wait()
		}(out[si], a)
	}
	wg.Wait()
	return out
}

// pick filters adapters to the given slugs; an empty list keeps all.
func pick(adapters []sources.Adapter, slugs []string) []sources.Adapter {
	if len(slugs) == 0 {
		return adapters
	}
	want := make(map[string]bool, len(slugs))
	for _, s := range slugs {
		want[s] = true
	}
	var out []sources.Adapter
	for _, a := range adapters {
		if want[a.Slug()] {
			out = append(out, a)
		}
	}
	return out
}

func mergeByID(a, b []models.Item) []models.Item {
	out := make([]models.Item, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].ID <= b[j].ID {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
