package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"price-tracker/internal/logger"
	"price-tracker/internal/models"
	"price-tracker/internal/snapshots"

	"github.com/google/uuid"
)

type RunnerOptions struct {
	Retries    int           // extra attempts after a storage-fatal failure
	RetryDelay time.Duration // fixed delay between attempts
}

// Runner wraps scheduler passes with the run-level retry policy, records
// them in the run log and drives the periodic cadences.
type Runner struct {
	sched *Scheduler
	runs  *RunLog
	opts  RunnerOptions
	log   *logger.Entry
	wg    sync.WaitGroup
}

func NewRunner(sched *Scheduler, runs *RunLog, opts RunnerOptions, log *logger.Log) *Runner {
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Runner{
		sched: sched,
		runs:  runs,
		opts:  opts,
		log:   log.WithComponent("runner"),
	}
}

// Run executes a job profile synchronously.
func (r *Runner) Run(ctx context.Context, p JobProfile) (RunSummary, error) {
	return r.execute(ctx, uuid.NewString(), p.Trigger, p, func(ctx context.Context, id string) (RunSummary, error) {
		return r.sched.run(ctx, id, p)
	})
}

// Backfill executes a historical import synchronously.
func (r *Runner) Backfill(ctx context.Context, p BackfillProfile) (RunSummary, error) {
	return r.execute(ctx, uuid.NewString(), TriggerBackfill, p, func(ctx context.Context, id string) (RunSummary, error) {
		return r.sched.backfill(ctx, id, p)
	})
}

// Go starts a run in the background and returns its id immediately.
func (r *Runner) Go(ctx context.Context, p JobProfile) string {
	id := uuid.NewString()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(ctx, id, p.Trigger, p, func(ctx context.Context, runID string) (RunSummary, error) {
			return r.sched.run(ctx, runID, p)
		})
	}()
	return id
}

// GoBackfill starts a backfill in the background and returns its id.
func (r *Runner) GoBackfill(ctx context.Context, p BackfillProfile) string {
	id := uuid.NewString()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(ctx, id, TriggerBackfill, p, func(ctx context.Context, runID string) (RunSummary, error) {
			return r.sched.backfill(ctx, runID, p)
		})
	}()
	return id
}

// Wait blocks until every background run has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Every fires p immediately and then on each tick until ctx is done. A tick
// is skipped while this cadence's previous run is still going; other
// cadences are unaffected and may overlap with it.
func (r *Runner) Every(ctx context.Context, interval time.Duration, p JobProfile) {
	log := r.log.WithFields(logger.Fields{"trigger": p.Trigger, "interval": interval.String()})
	var busy int32

	fire := func() {
		if !atomic.CompareAndSwapInt32(&busy, 0, 1) {
			log.Info("previous run still in progress, skipping tick")
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer atomic.StoreInt32(&busy, 0)
			r.execute(ctx, uuid.NewString(), p.Trigger, p, func(ctx context.Context, id string) (RunSummary, error) {
				return r.sched.run(ctx, id, p)
			})
		}()
	}

	log.Info("cadence started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	fire()
	for {
		select {
		case <-ctx.Done():
			log.Info("cadence stopped")
			return
		case <-ticker.C:
			fire()
		}
	}
}

func (r *Runner) execute(ctx context.Context, id, trigger string, profile interface{}, fn func(context.Context, string) (RunSummary, error)) (RunSummary, error) {
	log := r.log.WithFields(logger.Fields{"run_id": id, "trigger": trigger})
	pj, _ := json.Marshal(profile)
	run := models.IngestionRun{
		ID:        id,
		Trigger:   trigger,
		Profile:   string(pj),
		Status:    models.RunRunning,
		Failures:  "{}",
		Errors:    "[]",
		StartedAt: time.Now().UTC(),
	}
	persisted := true
	if err := r.runs.Create(ctx, &run); err != nil {
		persisted = false
		log.WithError(err).Warn("could not record run start")
	}

	var (
		sum RunSummary
		err error
	)
	for attempt := 1; ; attempt++ {
		run.Attempts = attempt
		sum, err = fn(ctx, id)
		if err == nil || !errors.Is(err, snapshots.ErrStorageUnavailable) || attempt > r.opts.Retries {
			break
		}
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"delay":   r.opts.RetryDelay.String(),
		}).Warn("storage unavailable, retrying run")
		r.sched.events.Publish(Event{Type: EventRetrying, RunID: id, Trigger: trigger, Error: err.Error(), Summary: sum, Time: time.Now().UTC()})

		if werr := wait(ctx, r.opts.RetryDelay); werr != nil {
			err = werr
			break
		}
	}
	sum.Attempts = run.Attempts

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Attempted = sum.Attempted
	run.Created = sum.Created
	run.Updated = sum.Updated
	run.Failed = sum.Failed
	run.Skipped = sum.Skipped
	run.Failures = sum.failuresJSON()
	run.Errors = sum.errorsJSON()
	if err != nil {
		run.Status = models.RunFailed
		run.Error = err.Error()
	} else {
		run.Status = models.RunSucceeded
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	var serr error
	if persisted {
		serr = r.runs.Save(sctx, &run)
	} else {
		serr = r.runs.Create(sctx, &run)
	}
	if serr != nil {
		log.WithError(serr).Error("could not record run result")
	}

	ev := Event{Type: EventFinished, RunID: id, Trigger: trigger, Summary: sum, Time: finished}
	if err != nil {
		ev.Type = EventFailed
		ev.Error = err.Error()
		log.WithError(err).WithField("attempts", run.Attempts).Error("run failed")
	}
	r.sched.events.Publish(ev)
	return sum, err
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
