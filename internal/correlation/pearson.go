// Package correlation computes pairwise Pearson correlations between
// points that share co-sampled windows, triggered by behavior events.
package correlation

import (
	"math"
	"sort"
	"time"

	"github.com/tagsense/tagsense/internal/models"
)

// alignSeries joins two time-ordered sample series onto the coarser
// series' timestamp grid. The finer series is forward-filled onto the
// grid with a staleness cap; an exact timestamp match is the zero-age
// case of the same rule. Grid points the finer series cannot serve
// within maxFF are dropped. Returns the aligned value vectors and the
// median grid step in milliseconds.
func alignSeries(a, b []models.Sample, maxFF time.Duration) (x, y []float64, stepMS int64) {
	if len(a) == 0 || len(b) == 0 {
		return nil, nil, 0
	}

	grid, fine := a, b
	swapped := false
	if medianIntervalMS(b) > medianIntervalMS(a) {
		grid, fine = b, a
		swapped = true
	}

	fi := 0
	for _, g := range grid {
		// Most recent fine sample at or before the grid instant.
		for fi < len(fine) && !fine[fi].Timestamp.After(g.Timestamp) {
			fi++
		}
		if fi == 0 {
			continue
		}
		last := fine[fi-1]
		if g.Timestamp.Sub(last.Timestamp) > maxFF {
			continue
		}
		if swapped {
			x = append(x, last.Value)
			y = append(y, g.Value)
		} else {
			x = append(x, g.Value)
			y = append(y, last.Value)
		}
	}
	return x, y, medianIntervalMS(grid)
}

func medianIntervalMS(s []models.Sample) int64 {
	if len(s) < 2 {
		return 0
	}
	deltas := make([]int64, 0, len(s)-1)
	for i := 1; i < len(s); i++ {
		if d := s[i].Timestamp.Sub(s[i-1].Timestamp).Milliseconds(); d > 0 {
			deltas = append(deltas, d)
		}
	}
	if len(deltas) == 0 {
		return 0
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i] < deltas[j] })
	return deltas[len(deltas)/2]
}

// pearson returns the correlation coefficient of two equal-length vectors.
// ok is false when n < 2 or either vector has zero variance.
func pearson(x, y []float64) (r float64, ok bool) {
	n := len(x)
	if n < 2 || n != len(y) {
		return 0, false
	}
	var sx, sy float64
	for i := 0; i < n; i++ {
		sx += x[i]
		sy += y[i]
	}
	mx, my := sx/float64(n), sy/float64(n)

	var sxx, syy, sxy float64
	for i := 0; i < n; i++ {
		dx, dy := x[i]-mx, y[i]-my
		sxx += dx * dx
		syy += dy * dy
		sxy += dx * dy
	}
	if sxx == 0 || syy == 0 {
		return 0, false
	}
	return sxy / math.Sqrt(sxx*syy), true
}

// lagSearch slides y against x over ±maxSteps grid steps and returns the
// shift with the strongest |r|. A positive bestLag means x leads: x at
// grid index i pairs with y at i+lag. minOverlap bounds how short the
// shifted overlap may get.
func lagSearch(x, y []float64, maxSteps, minOverlap int) (bestR float64, bestLag int, ok bool) {
	for lag := -maxSteps; lag <= maxSteps; lag++ {
		var xs, ys []float64
		for i := range x {
			j := i + lag
			if j < 0 || j >= len(y) {
				continue
			}
			xs = append(xs, x[i])
			ys = append(ys, y[j])
		}
		if len(xs) < minOverlap {
			continue
		}
		r, rok := pearson(xs, ys)
		if !rok {
			continue
		}
		if !ok || math.Abs(r) > math.Abs(bestR) {
			bestR, bestLag, ok = r, lag, true
		}
	}
	return bestR, bestLag, ok
}
