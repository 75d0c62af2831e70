package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tagsense/tagsense/internal/adapters"
	"github.com/tagsense/tagsense/internal/config"
	"github.com/tagsense/tagsense/internal/store"
)

func simAdapterForTest(cfg *config.Config) adapters.Adapter {
	return adapters.NewSimAdapter(adapters.SimConfig{
		Units:     cfg.Source.SimUnits,
		Seed:      cfg.Source.SimSeed,
		Noise:     cfg.Source.SimNoise,
		PeriodMin: cfg.Source.SimPeriodMin,
	})
}

func reopenMeta(t *testing.T, cfg *config.Config) *store.Store {
	t.Helper()
	meta, err := store.Open(metaPath(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	return meta
}
