package charts

// movingAverage is the simple moving average of values over period. The
// first period-1 entries have no value.
func movingAverage(values []float64, period int) []*float64 {
	out := make([]*float64, len(values))
	if period <= 0 {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			avg := sum / float64(period)
			out[i] = &avg
		}
	}
	return out
}

// withMovingAverage sets Point.MA from the index values of consecutive points.
func withMovingAverage(points []Point, period int) {
	if period <= 1 {
		return
	}
	vals := make([]float64, len(points))
	for i, p := range points {
		vals[i] = p.IndexValue
	}
	for i, ma := range movingAverage(vals, period) {
		points[i].MA = ma
	}
}
