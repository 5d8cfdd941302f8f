package sources

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter bounds in-flight calls and request spacing for one adapter instance.
// Nothing here is package-level, so two adapters never share throttle state.
type Limiter struct {
	sem  *semaphore.Weighted
	rate *rate.Limiter
	size int

	mu          sync.Mutex
	pausedUntil time.Time
	lastRequest time.Time

	requests  int64
	throttled int64
	inFlight  int64
}

// LimiterStats is a point-in-time view of a limiter.
type LimiterStats struct {
	Requests    int64     `json:"requests"`
	Throttled   int64     `json:"throttled"`
	InFlight    int64     `json:"in_flight"`
	MaxInFlight int       `json:"max_in_flight"`
	LastRequest time.Time `json:"last_request"`
}

func NewLimiter(requestsPerSecond float64, burst, maxConcurrency int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &Limiter{
		sem:  semaphore.NewWeighted(int64(maxConcurrency)),
		rate: rate.NewLimiter(limit, burst),
		size: maxConcurrency,
	}
}

// Acquire takes a concurrency slot and waits for request spacing and any
// source-imposed pause. Release must be called on success.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := l.waitPause(ctx); err != nil {
		l.sem.Release(1)
		return err
	}
	if err := l.rate.Wait(ctx); err != nil {
		l.sem.Release(1)
		return err
	}
	l.mu.Lock()
	l.lastRequest = time.Now()
	l.mu.Unlock()
	atomic.AddInt64(&l.requests, 1)
	atomic.AddInt64(&l.inFlight, 1)
	return nil
}

func (l *Limiter) Release() {
	atomic.AddInt64(&l.inFlight, -1)
	l.sem.Release(1)
}

// PauseFor holds back every caller of this limiter for d, extending any
// pause already in effect.
func (l *Limiter) PauseFor(d time.Duration) {
	if d <= 0 {
		return
	}
	atomic.AddInt64(&l.throttled, 1)
	until := time.Now().Add(d)
	l.mu.Lock()
	if until.After(l.pausedUntil) {
		l.pausedUntil = until
	}
	l.mu.Unlock()
}

func (l *Limiter) waitPause(ctx context.Context) error {
	for {
		l.mu.Lock()
		wait := time.Until(l.pausedUntil)
		l.mu.Unlock()
		if wait <= 0 {
			return nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *Limiter) Stats() LimiterStats {
	l.mu.Lock()
	last := l.lastRequest
	l.mu.Unlock()
	return LimiterStats{
		Requests:    atomic.LoadInt64(&l.requests),
		Throttled:   atomic.LoadInt64(&l.throttled),
		InFlight:    atomic.LoadInt64(&l.inFlight),
		MaxInFlight: l.size,
		LastRequest: last,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
