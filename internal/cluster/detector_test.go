package cluster

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagsense/tagsense/internal/bus"
	"github.com/tagsense/tagsense/internal/config"
	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/store"
	"github.com/tagsense/tagsense/internal/telemetry"
)

// ids returns n distinct uuids in canonical sorted order so tests can
// reason about node indices.
func sortedIDs(n int) []uuid.UUID {
	out := make([]uuid.UUID, n)
	for i := range out {
		out[i] = uuid.New()
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if out[j].String() < out[i].String() {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

func TestLouvainSeparatesTwoCliques(t *testing.T) {
	ids := sortedIDs(8)
	g := NewGraph()

	// Two 4-cliques with strong internal edges and one weak bridge.
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			g.SetEdge(ids[i], ids[j], 0.9)
			g.SetEdge(ids[i+4], ids[j+4], 0.9)
		}
	}
	g.SetEdge(ids[3], ids[4], 0.1)

	sg := g.Snapshot(ids)
	comm := louvain(sg, 10)

	first := map[int]bool{}
	second := map[int]bool{}
	for i := 0; i < 4; i++ {
		first[comm[sg.index[ids[i]]]] = true
		second[comm[sg.index[ids[i+4]]]] = true
	}
	assert.Len(t, first, 1, "first clique should share one community")
	assert.Len(t, second, 1, "second clique should share one community")
	for c := range first {
		assert.False(t, second[c], "cliques must not merge across the weak bridge")
	}
}

func TestDBSCANClustersAndNoise(t *testing.T) {
	ids := sortedIDs(5)
	g := NewGraph()

	// Dense triangle (|r| 0.9 → d 0.1) plus an outlier pair far away.
	g.SetEdge(ids[0], ids[1], 0.9)
	g.SetEdge(ids[1], ids[2], 0.9)
	g.SetEdge(ids[0], ids[2], 0.9)
	g.SetEdge(ids[3], ids[4], 0.3)

	sg := g.Snapshot(ids)
	comm := dbscan(sg, 0.2, 3)

	triangle := []int{
		comm[sg.index[ids[0]]],
		comm[sg.index[ids[1]]],
		comm[sg.index[ids[2]]],
	}
	assert.Equal(t, triangle[0], triangle[1])
	assert.Equal(t, triangle[0], triangle[2])
	assert.GreaterOrEqual(t, triangle[0], 0)

	assert.Equal(t, -1, comm[sg.index[ids[3]]], "weak pair is noise")
	assert.Equal(t, -1, comm[sg.index[ids[4]]], "weak pair is noise")
}

type detectorFixture struct {
	bus      *bus.Bus
	meta     *store.Store
	detector *Detector
}

func newDetectorFixture(t *testing.T, cfg config.ClusterConfig) *detectorFixture {
	t.Helper()
	dir := t.TempDir()

	b, err := bus.Open(bus.Options{Dir: filepath.Join(dir, "bus"), Partitions: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	meta, err := store.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	return &detectorFixture{bus: b, meta: meta, detector: NewDetector(meta, cfg)}
}

func defaultClusterConfig() config.ClusterConfig {
	return config.ClusterConfig{
		Algorithm:      config.AlgorithmLouvain,
		MinClusterSize: 3,
		MaxClusterSize: 20,
		MinCohesion:    0.5,
		MaxIterations:  10,
		ScanInterval:   time.Minute,
		ChangeTol:      0.05,
		ClusterTTL:     time.Hour,
	}
}

func (f *detectorFixture) drainClusters(t *testing.T, group string) []models.ClusterEvent {
	t.Helper()
	c, err := f.bus.Subscribe(group, bus.TopicClustersCreated)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	var out []models.ClusterEvent
	for {
		recs, err := c.Poll(ctx, 16)
		if err != nil {
			return out
		}
		for _, rec := range recs {
			var ev models.ClusterEvent
			require.NoError(t, json.Unmarshal(rec.Value, &ev))
			out = append(out, ev)
		}
	}
}

func TestScanEmitsAcceptedCluster(t *testing.T) {
	f := newDetectorFixture(t, defaultClusterConfig())
	ids := sortedIDs(3)

	// A correlated triangle persisted the way the correlation engine
	// writes it.
	persistPair(t, f.meta, ids[0], ids[1], 0.9)
	persistPair(t, f.meta, ids[1], ids[2], 0.85)
	persistPair(t, f.meta, ids[0], ids[2], 0.8)
	f.detector.graph.MarkDirty(ids...)

	before := testutil.ToFloat64(telemetry.ClustersEmittedTotal.WithLabelValues("continuous"))
	require.NoError(t, f.detector.Scan(t.Context(), f.bus, "continuous"))
	after := testutil.ToFloat64(telemetry.ClustersEmittedTotal.WithLabelValues("continuous"))
	assert.InDelta(t, before+1, after, 1e-9)

	events := f.drainClusters(t, "g1")
	require.Len(t, events, 1)
	ev := events[0]
	assert.ElementsMatch(t, ids, ev.PointIDs)
	assert.InDelta(t, 0.85, ev.Cohesion, 1e-9)
	assert.InDelta(t, 0.8, ev.MinR, 1e-9)
	assert.InDelta(t, 0.9, ev.MaxR, 1e-9)
	assert.Equal(t, "continuous", ev.Source)

	stored, err := f.meta.GetCluster(ev.ClusterID)
	require.NoError(t, err)
	assert.Equal(t, "louvain", stored.Algorithm)
}

func TestScanRejectsBelowMinSizeBoundary(t *testing.T) {
	cfg := defaultClusterConfig()
	cfg.MinClusterSize = 3
	f := newDetectorFixture(t, cfg)
	ids := sortedIDs(2)

	// Two nodes, one strong edge: size 2 < 3 must not emit.
	persistPair(t, f.meta, ids[0], ids[1], 0.95)
	f.detector.graph.MarkDirty(ids...)

	require.NoError(t, f.detector.Scan(t.Context(), f.bus, "continuous"))
	assert.Empty(t, f.drainClusters(t, "g2"))
}

func TestScanRejectsLowCohesion(t *testing.T) {
	cfg := defaultClusterConfig()
	cfg.MinCohesion = 0.8
	f := newDetectorFixture(t, cfg)
	ids := sortedIDs(3)

	persistPair(t, f.meta, ids[0], ids[1], 0.72)
	persistPair(t, f.meta, ids[1], ids[2], 0.71)
	persistPair(t, f.meta, ids[0], ids[2], 0.70)
	f.detector.graph.MarkDirty(ids...)

	require.NoError(t, f.detector.Scan(t.Context(), f.bus, "continuous"))
	assert.Empty(t, f.drainClusters(t, "g3"))
}

func TestUnchangedClusterIsNotReEmitted(t *testing.T) {
	f := newDetectorFixture(t, defaultClusterConfig())
	ids := sortedIDs(3)

	persistPair(t, f.meta, ids[0], ids[1], 0.9)
	persistPair(t, f.meta, ids[1], ids[2], 0.9)
	persistPair(t, f.meta, ids[0], ids[2], 0.9)
	f.detector.graph.MarkDirty(ids...)
	require.NoError(t, f.detector.Scan(t.Context(), f.bus, "continuous"))

	// Same member set, same cohesion: the re-scan stays quiet.
	f.detector.graph.MarkDirty(ids...)
	require.NoError(t, f.detector.Scan(t.Context(), f.bus, "continuous"))
	assert.Len(t, f.drainClusters(t, "g4"), 1)

	// Cohesion drifts past the tolerance: re-emitted, same stored id.
	persistPair(t, f.meta, ids[0], ids[1], 0.6)
	persistPair(t, f.meta, ids[1], ids[2], 0.6)
	persistPair(t, f.meta, ids[0], ids[2], 0.6)
	f.detector.graph.MarkDirty(ids...)
	require.NoError(t, f.detector.Scan(t.Context(), f.bus, "continuous"))

	events := f.drainClusters(t, "g5")
	require.Len(t, events, 2)
	assert.InDelta(t, 0.6, events[1].Cohesion, 1e-9)
}

func TestScanAllCoversColdNodes(t *testing.T) {
	f := newDetectorFixture(t, defaultClusterConfig())
	ids := sortedIDs(3)

	persistPair(t, f.meta, ids[0], ids[1], 0.9)
	persistPair(t, f.meta, ids[1], ids[2], 0.9)
	persistPair(t, f.meta, ids[0], ids[2], 0.9)

	// No dirty marks at all: the scheduled fallback still finds the
	// triangle because it loads edges first and dirties everything.
	require.NoError(t, f.detector.syncEdges())
	require.NoError(t, f.detector.ScanAll(t.Context(), f.bus))

	events := f.drainClusters(t, "g6")
	require.Len(t, events, 1)
	assert.Equal(t, "scheduled", events[0].Source)
}

func persistPair(t *testing.T, meta *store.Store, a, b uuid.UUID, r float64) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, meta.UpsertCorrelation(models.PairCorrelation{
		PointA:      a,
		PointB:      b,
		R:           r,
		SampleCount: 30,
		WindowStart: now.Add(-time.Minute),
		WindowEnd:   now,
		UpdatedAt:   now,
	}))
}

