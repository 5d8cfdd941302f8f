package charts

import (
	"math"
	"sort"
	"time"

	"price-tracker/internal/snapshots"
)

// Point is one chart bucket.
type Point struct {
	Timestamp    time.Time `json:"timestamp"`
	IndexValue   float64   `json:"indexValue"`
	Raw          float64   `json:"raw"`
	Interpolated bool      `json:"interpolated,omitempty"`
	MA           *float64  `json:"ma,omitempty"`
}

// fill lays raw buckets on a grid of n buckets starting at start and fills
// the gaps. Interior gaps are interpolated linearly for at most maxGap
// buckets past the previous known value; the trailing edge is carried
// forward for at most maxGap buckets. Anything farther, and anything before
// the first known bucket, is omitted.
func fill(raw []snapshots.Bucket, start time.Time, n int, width time.Duration, maxGap int) []Point {
	if n <= 0 {
		return nil
	}
	vals := make([]float64, n)
	known := make([]bool, n)
	for _, b := range raw {
		i := int(b.Start.Sub(start) / width)
		if i < 0 || i >= n {
			continue
		}
		vals[i] = b.Avg
		known[i] = true
	}

	var out []Point
	prev := -1
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * width)
		if known[i] {
			out = append(out, Point{Timestamp: ts, Raw: vals[i]})
			prev = i
			continue
		}
		if prev < 0 || i-prev > maxGap {
			continue
		}
		next := nextKnown(known, i)
		v := vals[prev]
		if next >= 0 {
			frac := float64(i-prev) / float64(next-prev)
			v = vals[prev] + (vals[next]-vals[prev])*frac
		}
		out = append(out, Point{Timestamp: ts, Raw: v, Interpolated: true})
	}
	return out
}

func nextKnown(known []bool, from int) int {
	for j := from + 1; j < len(known); j++ {
		if known[j] {
			return j
		}
	}
	return -1
}

// baseValue is the median of the earliest quarter (rounded up) of the
// observed values.
func baseValue(observed []float64) (float64, bool) {
	if len(observed) == 0 {
		return 0, false
	}
	k := (len(observed) + 3) / 4
	head := append([]float64(nil), observed[:k]...)
	sort.Float64s(head)
	var m float64
	if k%2 == 1 {
		m = head[k/2]
	} else {
		m = (head[k/2-1] + head[k/2]) / 2
	}
	if m <= 0 || math.IsNaN(m) || math.IsInf(m, 0) {
		return m, false
	}
	return m, true
}

// observedValues returns the non-interpolated values in time order.
func observedValues(points []Point) []float64 {
	out := make([]float64, 0, len(points))
	for _, p := range points {
		if !p.Interpolated {
			out = append(out, p.Raw)
		}
	}
	return out
}

func floorTime(t time.Time, width time.Duration) time.Time {
	w := int64(width / time.Second)
	if w <= 0 {
		return t
	}
	ts := t.Unix()
	r := ts % w
	if r < 0 {
		r += w
	}
	return time.Unix(ts-r, 0).UTC()
}
