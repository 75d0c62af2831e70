package behavior

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagsense/tagsense/internal/config"
	"github.com/tagsense/tagsense/internal/models"
)

func testBehaviorConfig() config.BehaviorConfig {
	return config.BehaviorConfig{
		MinSamples:        30,
		PublishInterval:   time.Minute,
		CacheTTL:          time.Hour,
		MaxPointsInMemory: 100,
		ReservoirSize:     256,
	}
}

func newTestAggregator(cfg config.BehaviorConfig) (*Aggregator, *Cache, *time.Time) {
	cache := NewCache(cfg.CacheTTL)
	agg := NewAggregator(cfg, cache)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	agg.nowFn = func() time.Time { return now }
	return agg, cache, &now
}

func testPoint(seq int64) models.Point {
	return models.Point{
		ID:         uuid.New(),
		SequenceID: seq,
		Name:       fmt.Sprintf("AHU-1/Pt%d", seq),
		Address:    fmt.Sprintf("ns=2;s=Pt%d", seq),
		ValueType:  models.ValueTypeFloat64,
	}
}

func TestWelfordMatchesTwoPass(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	values := make([]float64, 5000)
	for i := range values {
		// Large offset to provoke cancellation in the naive formula.
		values[i] = 1e6 + rng.NormFloat64()*3.5
	}

	var w Welford
	for _, v := range values {
		w.Add(v)
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var m2 float64
	for _, v := range values {
		m2 += (v - mean) * (v - mean)
	}
	variance := m2 / float64(len(values))

	assert.InEpsilon(t, mean, w.Mean(), 1e-9)
	assert.InEpsilon(t, variance, w.Variance(), 1e-9)
	assert.InEpsilon(t, math.Sqrt(variance), w.StdDev(), 1e-9)
}

func TestNoPublishBelowMinSamples(t *testing.T) {
	agg, cache, _ := newTestAggregator(testBehaviorConfig())
	point := testPoint(1)
	ts := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	for i := 0; i < 29; i++ {
		snap := agg.Observe(point, models.Sample{
			SequenceID: 1,
			Timestamp:  ts.Add(time.Duration(i) * time.Second),
			Value:      20 + float64(i%3),
			Quality:    models.QualityGood,
		})
		assert.Nil(t, snap, "sample %d should not publish", i+1)
	}
	assert.Equal(t, 0, cache.Len())

	snap := agg.Observe(point, models.Sample{
		SequenceID: 1,
		Timestamp:  ts.Add(29 * time.Second),
		Value:      21,
		Quality:    models.QualityGood,
	})
	require.NotNil(t, snap, "30th sample crosses the minimum and publishes")
	assert.Equal(t, int64(30), snap.SampleCount)
	assert.Equal(t, point.ID, snap.PointID)
}

func TestPublishSuppressedWithoutMaterialChange(t *testing.T) {
	agg, _, now := newTestAggregator(testBehaviorConfig())
	point := testPoint(2)
	ts := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	var first *models.PointBehavior
	for i := 0; i < 30; i++ {
		first = agg.Observe(point, models.Sample{
			SequenceID: 2,
			Timestamp:  ts.Add(time.Duration(i) * time.Second),
			Value:      50 + math.Sin(float64(i)),
			Quality:    models.QualityGood,
		})
	}
	require.NotNil(t, first)

	// Past the publish interval but statistically unchanged: stays quiet.
	*now = now.Add(2 * time.Minute)
	snap := agg.Observe(point, models.Sample{
		SequenceID: 2,
		Timestamp:  ts.Add(30 * time.Second),
		Value:      50,
		Quality:    models.QualityGood,
	})
	assert.Nil(t, snap)

	// A level shift moves the mean well past 10% and republishes.
	*now = now.Add(2 * time.Minute)
	var shifted *models.PointBehavior
	for i := 0; i < 40; i++ {
		shifted = agg.Observe(point, models.Sample{
			SequenceID: 2,
			Timestamp:  ts.Add(time.Duration(31+i) * time.Second),
			Value:      500,
			Quality:    models.QualityGood,
		})
		if shifted != nil {
			break
		}
		*now = now.Add(2 * time.Minute)
	}
	require.NotNil(t, shifted)
	assert.Greater(t, shifted.Mean, first.Mean)
}

func TestPublishIntervalGate(t *testing.T) {
	agg, _, now := newTestAggregator(testBehaviorConfig())
	point := testPoint(3)
	ts := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	for i := 0; i < 30; i++ {
		agg.Observe(point, models.Sample{
			SequenceID: 3,
			Timestamp:  ts.Add(time.Duration(i) * time.Second),
			Value:      float64(i),
			Quality:    models.QualityGood,
		})
	}

	// Strong change right after a publish is still held back until the
	// interval elapses.
	snap := agg.Observe(point, models.Sample{
		SequenceID: 3,
		Timestamp:  ts.Add(30 * time.Second),
		Value:      10000,
		Quality:    models.QualityGood,
	})
	assert.Nil(t, snap)

	*now = now.Add(61 * time.Second)
	snap = agg.Observe(point, models.Sample{
		SequenceID: 3,
		Timestamp:  ts.Add(31 * time.Second),
		Value:      10000,
		Quality:    models.QualityGood,
	})
	assert.NotNil(t, snap)
}

func TestSnapshotStatistics(t *testing.T) {
	cfg := testBehaviorConfig()
	cfg.MinSamples = 5
	agg, _, _ := newTestAggregator(cfg)
	point := testPoint(4)
	ts := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	values := []float64{0, 10, 10, 20, 0}
	qualities := []models.Quality{
		models.QualityGood, models.QualityGood, models.QualityBad,
		models.QualityGood, models.QualityGood,
	}
	var snap *models.PointBehavior
	for i, v := range values {
		snap = agg.Observe(point, models.Sample{
			SequenceID: 4,
			Timestamp:  ts.Add(time.Duration(i) * 2 * time.Second),
			Value:      v,
			Quality:    qualities[i],
		})
	}
	require.NotNil(t, snap)

	assert.Equal(t, int64(5), snap.SampleCount)
	assert.InDelta(t, 8.0, snap.Mean, 1e-12)
	assert.InDelta(t, 0.0, snap.Min, 1e-12)
	assert.InDelta(t, 20.0, snap.Max, 1e-12)
	assert.Equal(t, int64(2), snap.ZeroCount)
	assert.InDelta(t, 0.8, snap.GoodRatio, 1e-12)
	// Four transitions, three of them value changes.
	assert.InDelta(t, 0.75, snap.ChangeFrequency, 1e-12)
	assert.InDelta(t, 2000.0, snap.MedianIntervalMS, 1e-12)
	assert.InDelta(t, 500.0, models.PointBehavior{MedianIntervalMS: 2000}.UpdateRateHz()*1000, 1e-9)
}

func TestEvictionKeepsHotPoints(t *testing.T) {
	cfg := testBehaviorConfig()
	cfg.MaxPointsInMemory = 20
	agg, cache, now := newTestAggregator(cfg)
	ts := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	points := make([]models.Point, 21)
	for i := range points {
		points[i] = testPoint(int64(100 + i))
	}

	// Touch the first 20 points in order, each at a later wall-clock time,
	// so point 100 is the coldest.
	for i := 0; i < 20; i++ {
		*now = now.Add(time.Second)
		agg.Observe(points[i], models.Sample{
			SequenceID: points[i].SequenceID,
			Timestamp:  ts,
			Value:      1,
			Quality:    models.QualityGood,
		})
	}
	require.Equal(t, 20, agg.TrackedPoints())

	// The 21st point overflows the cap and evicts the coldest 10%.
	*now = now.Add(time.Second)
	agg.Observe(points[20], models.Sample{
		SequenceID: points[20].SequenceID,
		Timestamp:  ts,
		Value:      1,
		Quality:    models.QualityGood,
	})

	assert.Equal(t, 19, agg.TrackedPoints())
	// Partial state of the evicted points landed in the cache.
	_, ok := cache.Get(points[0].ID)
	assert.True(t, ok)
	_, ok = cache.Get(points[1].ID)
	assert.True(t, ok)
}

func TestCheckpointFlushesPartialWindows(t *testing.T) {
	agg, cache, _ := newTestAggregator(testBehaviorConfig())
	ts := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	for seq := int64(1); seq <= 3; seq++ {
		agg.Observe(testPoint(seq), models.Sample{
			SequenceID: seq,
			Timestamp:  ts,
			Value:      float64(seq),
			Quality:    models.QualityGood,
		})
	}

	flushed := agg.Checkpoint()
	assert.Equal(t, 3, flushed)
	assert.Equal(t, 3, cache.Len())
}

func TestReservoirQuantilesSmallStream(t *testing.T) {
	r := NewReservoir(64, 1)
	for _, v := range []float64{100, 200, 300, 400, 500} {
		r.Add(v)
	}
	assert.InDelta(t, 300.0, r.Median(), 1e-12)
	assert.InDelta(t, 500.0, r.P95(), 1e-12)
	assert.InDelta(t, 100.0, r.Quantile(0), 1e-12)
}

func TestCacheTTLExpiry(t *testing.T) {
	cache := NewCache(10 * time.Millisecond)
	b := models.PointBehavior{PointID: uuid.New(), Mean: 1}
	cache.Put(b)

	got, ok := cache.Get(b.PointID)
	require.True(t, ok)
	assert.Equal(t, b.Mean, got.Mean)

	time.Sleep(20 * time.Millisecond)
	_, ok = cache.Get(b.PointID)
	assert.False(t, ok)
	assert.Equal(t, 1, cache.Purge())
	assert.Equal(t, 0, cache.Len())
}
