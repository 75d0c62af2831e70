package behavior

import (
	"math/rand"
	"sort"
)

// Reservoir keeps a bounded uniform sample of a stream (algorithm R).
// Used for inter-sample intervals, where exact quantiles over an unbounded
// stream would need unbounded memory.
type Reservoir struct {
	capacity int
	seen     int64
	values   []float64
	rng      *rand.Rand
}

// NewReservoir creates a reservoir with the given capacity.
func NewReservoir(capacity int, seed int64) *Reservoir {
	if capacity < 1 {
		capacity = 1
	}
	return &Reservoir{
		capacity: capacity,
		values:   make([]float64, 0, capacity),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Add offers one value to the reservoir.
func (r *Reservoir) Add(v float64) {
	r.seen++
	if len(r.values) < r.capacity {
		r.values = append(r.values, v)
		return
	}
	if idx := r.rng.Int63n(r.seen); idx < int64(r.capacity) {
		r.values[idx] = v
	}
}

// Len returns the number of retained values.
func (r *Reservoir) Len() int { return len(r.values) }

// Quantile returns the q-quantile (0..1) of the retained values by
// nearest-rank on a sorted copy.
func (r *Reservoir) Quantile(q float64) float64 {
	if len(r.values) == 0 {
		return 0
	}
	sorted := make([]float64, len(r.values))
	copy(sorted, r.values)
	sort.Float64s(sorted)

	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Median returns the 0.5 quantile.
func (r *Reservoir) Median() float64 { return r.Quantile(0.5) }

// P95 returns the 0.95 quantile.
func (r *Reservoir) P95() float64 { return r.Quantile(0.95) }
