package charts

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"price-tracker/internal/logger"
	"price-tracker/internal/snapshots"
	"price-tracker/internal/sources"
)

// Range is a named chart window.
type Range string

const (
	Range7D  Range = "7d"
	Range30D Range = "30d"
	Range90D Range = "90d"
	Range1Y  Range = "1y"
)

type rangeSpec struct {
	span  time.Duration
	width time.Duration
}

var ranges = map[Range]rangeSpec{
	Range7D:  {7 * 24 * time.Hour, 30 * time.Minute},
	Range30D: {30 * 24 * time.Hour, 4 * time.Hour},
	Range90D: {90 * 24 * time.Hour, 12 * time.Hour},
	Range1Y:  {365 * 24 * time.Hour, 24 * time.Hour},
}

// ParseRange defaults to 7d.
func ParseRange(s string) (Range, error) {
	if s == "" {
		return Range7D, nil
	}
	r := Range(strings.ToLower(s))
	if _, ok := ranges[r]; !ok {
		return "", fmt.Errorf("unknown range %q (want 7d, 30d, 90d or 1y)", s)
	}
	return r, nil
}

// BucketWidth returns the bucket width used for r.
func (r Range) BucketWidth() time.Duration { return ranges[r].width }

// Window is an explicit [Start, End) grid that overrides Range.
type Window struct {
	Start time.Time
	End   time.Time
	Width time.Duration
}

type Query struct {
	Range              Range
	Window             *Window
	Currency           string
	SeparateCurrencies bool
	Finish             snapshots.Finish
	Source             string
	ItemIDs            []int64

	// MovingAverage adds a simple moving average over this many points; 0 disables it.
	MovingAverage int
}

// Series is one normalized index line.
type Series struct {
	Currency           string     `json:"currency"`
	Points             []Point    `json:"points"`
	PointCount         int        `json:"pointCount"`
	InsufficientData   bool       `json:"insufficientData"`
	Normalized         bool       `json:"normalized"`
	BaseValue          float64    `json:"baseValue,omitempty"`
	BaseFallback       bool       `json:"baseFallback,omitempty"`
	LatestSnapshotTime *time.Time `json:"latestSnapshotTime"`
	FreshnessMinutes   *float64   `json:"freshnessMinutes"`
}

type Result struct {
	Range       Range            `json:"range"`
	Finish      snapshots.Finish `json:"finish"`
	BucketWidth string           `json:"bucketWidth"`
	Start       time.Time        `json:"start"`
	End         time.Time        `json:"end"`
	Separate    bool             `json:"separateCurrencies"`
	Series      []Series         `json:"series"`
}

// Reader is the read side of the snapshot store.
type Reader interface {
	RangeAverage(ctx context.Context, f snapshots.Filter, start, end time.Time, width time.Duration) ([]snapshots.Bucket, error)
	LatestSnapshotTime(ctx context.Context, f snapshots.Filter) (time.Time, bool, error)
}

type Options struct {
	Currencies    []string // first is the primary currency
	MaxGapBuckets int
	MinPoints     int
}

// Engine turns bucketed snapshot averages into index charts. It keeps no
// state between calls.
type Engine struct {
	store Reader
	opts  Options
	now   func() time.Time
	log   *logger.Entry
}

func NewEngine(store Reader, opts Options, log *logger.Log) *Engine {
	if log == nil {
		log = logger.GetLogger()
	}
	if len(opts.Currencies) == 0 {
		opts.Currencies = []string{"CNY"}
	}
	if opts.MaxGapBuckets < 0 {
		opts.MaxGapBuckets = 0
	}
	if opts.MinPoints < 2 {
		opts.MinPoints = 2
	}
	return &Engine{
		store: store,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
		log:   log.WithComponent("charts"),
	}
}

func (e *Engine) PrimaryCurrency() string { return e.opts.Currencies[0] }

// Index computes the chart for q. Sparse or empty data is not an error.
func (e *Engine) Index(ctx context.Context, q Query) (Result, error) {
	if q.Finish == "" {
		q.Finish = snapshots.FinishRegular
	}
	start, end, width, err := e.grid(q)
	if err != nil {
		return Result{}, err
	}

	var currencies []string
	switch {
	case q.SeparateCurrencies:
		currencies = e.opts.Currencies
	case q.Currency != "":
		c, err := sources.NormalizeCurrency(q.Currency)
		if err != nil {
			return Result{}, err
		}
		currencies = []string{c}
	default:
		currencies = []string{e.PrimaryCurrency()}
	}

	res := Result{
		Range:       q.Range,
		Finish:      q.Finish,
		BucketWidth: width.String(),
		Start:       start,
		End:         end,
		Separate:    q.SeparateCurrencies,
	}
	for _, c := range currencies {
		s, err := e.series(ctx, q, c, start, end, width)
		if err != nil {
			return Result{}, err
		}
		res.Series = append(res.Series, s)
	}
	return res, nil
}

func (e *Engine) grid(q Query) (start, end time.Time, width time.Duration, err error) {
	if q.Window != nil {
		if q.Window.Width <= 0 || !q.Window.End.After(q.Window.Start) {
			return start, end, 0, fmt.Errorf("invalid chart window")
		}
		width = q.Window.Width
		return floorTime(q.Window.Start, width), q.Window.End.UTC(), width, nil
	}
	spec, ok := ranges[q.Range]
	if !ok {
		return start, end, 0, fmt.Errorf("unknown range %q", q.Range)
	}
	width = spec.width
	now := e.now()
	end = floorTime(now, width).Add(width)
	start = floorTime(now.Add(-spec.span), width)
	return start, end, width, nil
}

func (e *Engine) series(ctx context.Context, q Query, currency string, start, end time.Time, width time.Duration) (Series, error) {
	f := snapshots.Filter{Source: q.Source, Currency: currency, Finish: q.Finish, ItemIDs: q.ItemIDs}
	log := e.log.WithFields(logger.Fields{"currency": currency, "finish": q.Finish, "range": q.Range})

	raw, err := e.store.RangeAverage(ctx, f, start, end, width)
	if err != nil {
		return Series{}, err
	}
	s := Series{Currency: currency, Points: []Point{}}

	// only snapshots inside the chart window count toward its freshness
	bounded := f
	bounded.Since, bounded.Until = start, end
	if latest, ok, err := e.store.LatestSnapshotTime(ctx, bounded); err != nil {
		return Series{}, err
	} else if ok {
		age := math.Round(e.now().Sub(latest).Minutes()*10) / 10
		s.LatestSnapshotTime = &latest
		s.FreshnessMinutes = &age
	}

	if len(raw) < e.opts.MinPoints {
		for _, b := range raw {
			s.Points = append(s.Points, Point{Timestamp: b.Start, IndexValue: b.Avg, Raw: b.Avg})
		}
		s.PointCount = len(s.Points)
		s.InsufficientData = true
		return s, nil
	}

	n := int((end.Sub(start) + width - 1) / width)
	points := fill(raw, start, n, width, e.opts.MaxGapBuckets)

	observed := observedValues(points)
	base, ok := baseValue(observed)
	if !ok {
		log.WithField("median_base", base).Warn("non-positive base value, falling back to first raw point")
		base = observed[0]
		s.BaseFallback = true
		ok = base > 0
	}

	if ok {
		for i := range points {
			points[i].IndexValue = 100 * points[i].Raw / base
		}
		s.Normalized = true
		s.BaseValue = base
	} else {
		log.Warn("no usable base value, returning raw series")
		for i := range points {
			points[i].IndexValue = points[i].Raw
		}
	}
	withMovingAverage(points, q.MovingAverage)
	s.Points = points
	s.PointCount = len(points)
	return s, nil
}

// SourceFreshness reports when a source last produced a snapshot.
type SourceFreshness struct {
	Source             string     `json:"source"`
	LatestSnapshotTime *time.Time `json:"latestSnapshotTime"`
	FreshnessMinutes   *float64   `json:"freshnessMinutes"`
}

// Freshness reports the newest snapshot per source.
func (e *Engine) Freshness(ctx context.Context, slugs []string) ([]SourceFreshness, error) {
	out := make([]SourceFreshness, 0, len(slugs))
	for _, slug := range slugs {
		sf := SourceFreshness{Source: slug}
		latest, ok, err := e.store.LatestSnapshotTime(ctx, snapshots.Filter{Source: slug})
		if err != nil {
			return nil, err
		}
		if ok {
			age := math.Round(e.now().Sub(latest).Minutes()*10) / 10
			sf.LatestSnapshotTime = &latest
			sf.FreshnessMinutes = &age
		}
		out = append(out, sf)
	}
	return out, nil
}
