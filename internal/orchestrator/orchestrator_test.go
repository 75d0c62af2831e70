package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagsense/tagsense/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("TAGSENSE_DATA_DIR", t.TempDir())
	t.Setenv("TAGSENSE_POLL_INTERVAL_MS", "100")
	t.Setenv("TAGSENSE_SIM_UNITS", "1")
	t.Setenv("TAGSENSE_CLUSTER_SCAN_INTERVAL_MS", "200")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestSeedPatternsInstallsOnce(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(cfg)
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.seedPatterns())
	first, err := o.meta.ListActivePatterns()
	require.NoError(t, err)
	require.NotEmpty(t, first)
	for _, p := range first {
		assert.True(t, p.System)
		assert.InDelta(t, cfg.Feedback.InitialConfidence, p.Confidence, 1e-9)
		assert.NotEmpty(t, p.Roles)
	}

	// Second boot leaves the operator-trained library alone.
	require.NoError(t, o.seedPatterns())
	second, err := o.meta.ListActivePatterns()
	require.NoError(t, err)
	assert.Len(t, second, len(first))
}

func TestRegisterDataSourceIsStableAcrossBoots(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(cfg)
	require.NoError(t, err)
	defer o.Close()

	adapter := simAdapterForTest(cfg)
	first, err := o.registerDataSource(adapter)
	require.NoError(t, err)
	second, err := o.registerDataSource(adapter)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "points must keep their owner across restarts")
}

func TestRunStartsPipelineAndShutsDownCleanly(t *testing.T) {
	if testing.Short() {
		t.Skip("full pipeline boot")
	}
	cfg := testConfig(t)
	o, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	// Give discovery and at least one poll cycle time to happen.
	time.Sleep(500 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("pipeline did not shut down")
	}

	// Discovery registered the simulated points before polling began.
	meta := reopenMeta(t, cfg)
	sources, err := meta.ListDataSources()
	require.NoError(t, err)
	require.Len(t, sources, 1)
	points, err := meta.ListPointsByDataSource(sources[0].ID)
	require.NoError(t, err)
	assert.NotEmpty(t, points)
}
