package validation

import "sort"

// priceStats carries the per-articulum price statistics the mechanical
// stage prices items against.
type priceStats struct {
	medianTop40 float64
	lowerFence  float64
	upperFence  float64
	hasFences   bool
}

// computePriceStats derives the IQR fences and the top-40% median from the
// non-null prices of one articulum.
//
// With at least four prices: Q1/Q3 by the exclusive quantile method, sane
// range [Q1 - 1*IQR, Q3 + 1*IQR], then median of the top 40% (descending,
// floor(2n/5) entries) of the in-range prices. With fewer prices the plain
// median stands in for medianTop40 and no fences apply.
func computePriceStats(prices []float64) (priceStats, bool) {
	if len(prices) == 0 {
		return priceStats{}, false
	}

	sorted := make([]float64, len(prices))
	copy(sorted, prices)
	sort.Float64s(sorted)

	if len(sorted) < 4 {
		m := median(sorted)
		return priceStats{medianTop40: m}, true
	}

	q1 := quantileExclusive(sorted, 0.25)
	q3 := quantileExclusive(sorted, 0.75)
	iqr := q3 - q1
	lower := q1 - iqr
	upper := q3 + iqr

	var retained []float64
	for _, p := range sorted {
		if p >= lower && p <= upper {
			retained = append(retained, p)
		}
	}
	if len(retained) == 0 {
		m := median(sorted)
		return priceStats{medianTop40: m}, true
	}

	// Top 40% of the retained prices, highest first.
	desc := make([]float64, len(retained))
	copy(desc, retained)
	sort.Sort(sort.Reverse(sort.Float64Slice(desc)))

	topCount := len(desc) * 2 / 5
	if topCount < 1 {
		topCount = 1
	}
	top := desc[:topCount]

	return priceStats{
		medianTop40: median(top),
		lowerFence:  lower,
		upperFence:  upper,
		hasFences:   true,
	}, true
}

// quantileExclusive computes the p-quantile of sorted data by the
// exclusive method: position p*(n+1), linear interpolation, clamped to the
// data range.
func quantileExclusive(sorted []float64, p float64) float64 {
	n := len(sorted)
	pos := p * float64(n+1)

	j := int(pos)
	if j < 1 {
		return sorted[0]
	}
	if j >= n {
		return sorted[n-1]
	}
	g := pos - float64(j)
	return sorted[j-1] + g*(sorted[j]-sorted[j-1])
}

func median(vals []float64) float64 {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
