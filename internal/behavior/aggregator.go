// Package behavior maintains one online statistical summary per point and
// publishes behavior snapshots when a point's character changes.
package behavior

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tagsense/tagsense/internal/config"
	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/telemetry"
)

const relEpsilon = 1e-9

// pointState is the in-memory summary of one point's recent stream.
type pointState struct {
	pointID    uuid.UUID
	sequenceID int64

	stats     Welford
	min       float64
	max       float64
	intervals *Reservoir

	zeroCount   int64
	goodCount   int64
	changeCount int64

	hasLast   bool
	lastValue float64
	lastTS    time.Time

	windowStart   time.Time
	windowEnd     time.Time
	lastUpdated   time.Time
	lastPublished time.Time
}

// Aggregator folds samples into per-point summaries. It owns the behavior
// cache authoritatively; shared readers go through the cache.
type Aggregator struct {
	mu     sync.Mutex
	cfg    config.BehaviorConfig
	states map[int64]*pointState
	cache  *Cache
	nowFn  func() time.Time
}

// NewAggregator creates an aggregator publishing into cache.
func NewAggregator(cfg config.BehaviorConfig, cache *Cache) *Aggregator {
	return &Aggregator{
		cfg:    cfg,
		states: make(map[int64]*pointState),
		cache:  cache,
		nowFn:  time.Now,
	}
}

// Observe folds one sample into the point's summary and returns a behavior
// snapshot when the publish rule fires, nil otherwise.
func (a *Aggregator) Observe(point models.Point, sample models.Sample) *models.PointBehavior {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[sample.SequenceID]
	if !ok {
		st = &pointState{
			pointID:     point.ID,
			sequenceID:  sample.SequenceID,
			min:         math.Inf(1),
			max:         math.Inf(-1),
			intervals:   NewReservoir(a.cfg.ReservoirSize, sample.SequenceID),
			windowStart: sample.Timestamp,
		}
		a.states[sample.SequenceID] = st
	}

	st.stats.Add(sample.Value)
	if sample.Value < st.min {
		st.min = sample.Value
	}
	if sample.Value > st.max {
		st.max = sample.Value
	}
	if sample.Value == 0 {
		st.zeroCount++
	}
	if sample.Quality == models.QualityGood {
		st.goodCount++
	}
	if st.hasLast {
		if sample.Value != st.lastValue {
			st.changeCount++
		}
		if dt := sample.Timestamp.Sub(st.lastTS); dt > 0 {
			st.intervals.Add(float64(dt.Milliseconds()))
		}
	}
	st.hasLast = true
	st.lastValue = sample.Value
	st.lastTS = sample.Timestamp
	st.windowEnd = sample.Timestamp
	st.lastUpdated = a.nowFn()

	if !ok && len(a.states) > a.cfg.MaxPointsInMemory {
		a.evictLocked()
	}

	return a.maybePublishLocked(st)
}

// maybePublishLocked applies the publish rule: the per-point interval gate,
// the minimum sample count, and a material change in mean, stddev, or
// update rate relative to the last cached behavior.
func (a *Aggregator) maybePublishLocked(st *pointState) *models.PointBehavior {
	if st.stats.Count() < a.cfg.MinSamples {
		return nil
	}
	now := a.nowFn()
	if !st.lastPublished.IsZero() && now.Sub(st.lastPublished) < a.cfg.PublishInterval {
		return nil
	}

	b := a.snapshotLocked(st)
	if prev, ok := a.cache.Get(st.pointID); ok && !materialChange(prev, b) {
		return nil
	}

	st.lastPublished = now
	a.cache.Put(b)
	telemetry.BehaviorsPublishedTotal.Inc()
	return &b
}

func materialChange(prev, cur models.PointBehavior) bool {
	if relDelta(cur.Mean, prev.Mean, math.Max(math.Abs(prev.Mean), relEpsilon)) > 0.10 {
		return true
	}
	if relDelta(cur.StdDev, prev.StdDev, math.Max(prev.StdDev, relEpsilon)) > 0.20 {
		return true
	}
	prevRate := prev.MedianIntervalMS
	if relDelta(cur.MedianIntervalMS, prevRate, math.Max(prevRate, 1)) > 0.30 {
		return true
	}
	return false
}

func relDelta(cur, prev, denom float64) float64 {
	return math.Abs(cur-prev) / denom
}

func (a *Aggregator) snapshotLocked(st *pointState) models.PointBehavior {
	count := st.stats.Count()
	b := models.PointBehavior{
		PointID:          st.pointID,
		SequenceID:       st.sequenceID,
		SampleCount:      count,
		WindowStart:      st.windowStart,
		WindowEnd:        st.windowEnd,
		Mean:             st.stats.Mean(),
		StdDev:           st.stats.StdDev(),
		Min:              st.min,
		Max:              st.max,
		MedianIntervalMS: st.intervals.Median(),
		P95IntervalMS:    st.intervals.P95(),
		ZeroCount:        st.zeroCount,
		ProducedAt:       a.nowFn().UTC(),
	}
	if count > 0 {
		b.GoodRatio = float64(st.goodCount) / float64(count)
	}
	if count > 1 {
		b.ChangeFrequency = float64(st.changeCount) / float64(count-1)
	}
	return b
}

// evictLocked drops the 10% least-recently-updated entries, persisting
// their partial state to the cache first.
func (a *Aggregator) evictLocked() {
	type candidate struct {
		seq     int64
		updated time.Time
	}
	candidates := make([]candidate, 0, len(a.states))
	for seq, st := range a.states {
		candidates = append(candidates, candidate{seq: seq, updated: st.lastUpdated})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].updated.Before(candidates[j].updated)
	})

	evict := len(a.states) / 10
	if evict < 1 {
		evict = 1
	}
	for _, c := range candidates[:evict] {
		st := a.states[c.seq]
		a.cache.Put(a.snapshotLocked(st))
		delete(a.states, c.seq)
	}
	telemetry.BehaviorEvictionsTotal.Add(float64(evict))
	log.Debug().Int("evicted", evict).Int("remaining", len(a.states)).
		Msg("Aggregator evicted least-recently-updated points")
}

// Checkpoint flushes every in-memory summary into the cache. Called on
// shutdown so partial windows survive a restart via readers of the cache.
func (a *Aggregator) Checkpoint() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, st := range a.states {
		a.cache.Put(a.snapshotLocked(st))
	}
	return len(a.states)
}

// TrackedPoints returns the number of points currently summarized.
func (a *Aggregator) TrackedPoints() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states)
}
