package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TAGSENSE_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, SourceSim, cfg.Source.Kind)
	assert.Equal(t, 5*time.Second, cfg.Adapter.PollInterval)
	assert.Equal(t, []string{"*"}, cfg.Adapter.PointFilters)
	assert.Equal(t, DropOldest, cfg.Adapter.DropPolicy)
	assert.Equal(t, AlgorithmLouvain, cfg.Cluster.Algorithm)
	assert.InDelta(t, 0.7, cfg.Correlation.SignificantR, 1e-9)
	assert.InDelta(t, 0.75, cfg.Feedback.InitialConfidence, 1e-9)
	assert.Equal(t, 4, cfg.Bus.Partitions)
	assert.InDelta(t, 15.0, cfg.Source.SimPeriodMin, 1e-9)
}

func TestLoadEnvOverridesAndFilterSplitting(t *testing.T) {
	t.Setenv("TAGSENSE_DATA_DIR", t.TempDir())
	t.Setenv("TAGSENSE_POLL_INTERVAL_MS", "250")
	t.Setenv("TAGSENSE_POINT_FILTERS", " AHU-*/Temp , *Status ,")
	t.Setenv("TAGSENSE_CLUSTER_ALGORITHM", "dbscan")
	t.Setenv("TAGSENSE_SOURCE", "replay")
	t.Setenv("TAGSENSE_REPLAY_SPEED", "10")
	t.Setenv("TAGSENSE_SIM_PERIOD_MIN", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Adapter.PollInterval)
	assert.Equal(t, []string{"AHU-*/Temp", "*Status"}, cfg.Adapter.PointFilters)
	assert.Equal(t, AlgorithmDBSCAN, cfg.Cluster.Algorithm)
	assert.Equal(t, SourceReplay, cfg.Source.Kind)
	assert.InDelta(t, 10.0, cfg.Source.ReplaySpeed, 1e-9)
	assert.InDelta(t, 2.5, cfg.Source.SimPeriodMin, 1e-9)
}

func TestInvalidIntegerFallsBackToDefault(t *testing.T) {
	t.Setenv("TAGSENSE_DATA_DIR", t.TempDir())
	t.Setenv("TAGSENSE_BATCH_SIZE", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Adapter.BatchSize)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"drop policy", func(c *Config) { c.Adapter.DropPolicy = "spill" }, "drop policy"},
		{"algorithm", func(c *Config) { c.Cluster.Algorithm = "kmeans" }, "algorithm"},
		{"source kind", func(c *Config) { c.Source.Kind = "opcua" }, "source kind"},
		{"cluster bounds", func(c *Config) { c.Cluster.MaxClusterSize = 2; c.Cluster.MinClusterSize = 5 }, "max_cluster_size"},
		{"significant r", func(c *Config) { c.Correlation.SignificantR = 1.5 }, "significant_r"},
		{"confidence floor", func(c *Config) { c.Feedback.ConfidenceFloor = -0.1 }, "confidence_floor"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("TAGSENSE_DATA_DIR", t.TempDir())
			cfg, err := Load()
			require.NoError(t, err)
			tc.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateClampsSoftRanges(t *testing.T) {
	t.Setenv("TAGSENSE_DATA_DIR", t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Cluster.MinClusterSize = 0
	cfg.Bus.Partitions = 0
	cfg.Adapter.ChannelCapacity = -5
	cfg.Source.ReplaySpeed = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Cluster.MinClusterSize)
	assert.Equal(t, 1, cfg.Bus.Partitions)
	assert.Equal(t, 1, cfg.Adapter.ChannelCapacity)
	assert.InDelta(t, 1.0, cfg.Source.ReplaySpeed, 1e-9)
}
