package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tagsense/tagsense/internal/adapters"
	"github.com/tagsense/tagsense/internal/config"
	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/telemetry"
)

// source tracks the running adapter goroutines so shutdown can wait for
// them before draining the consumers.
type source struct {
	wg sync.WaitGroup
}

func (s *source) wait() { s.wg.Wait() }

// startSource registers the configured data source, runs discovery when
// the adapter supports it, and starts the adapter loop under ctx.
func (o *Orchestrator) startSource(ctx context.Context) (*source, error) {
	var adapter adapters.Adapter
	switch o.cfg.Source.Kind {
	case config.SourceSim:
		adapter = adapters.NewSimAdapter(adapters.SimConfig{
			Units:     o.cfg.Source.SimUnits,
			Seed:      o.cfg.Source.SimSeed,
			Noise:     o.cfg.Source.SimNoise,
			PeriodMin: o.cfg.Source.SimPeriodMin,
		})
	case config.SourceReplay:
		replay, err := adapters.NewReplayAdapter(adapters.ReplayConfig{
			Dir:   o.cfg.Source.ReplayDir,
			Zone:  o.cfg.Source.ReplayZone,
			Tick:  o.cfg.Source.ReplayTick,
			Speed: o.cfg.Source.ReplaySpeed,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build replay adapter: %w", err)
		}
		adapter = replay
	default:
		return nil, fmt.Errorf("unsupported source kind %q", o.cfg.Source.Kind)
	}

	ds, err := o.registerDataSource(adapter)
	if err != nil {
		return nil, err
	}
	emitter := adapters.NewEmitter(o.bus, ds.ID, adapter.Name())

	if _, ok := adapter.(adapters.Discoverer); ok {
		discovery := adapters.NewDiscovery(o.meta, o.resolver, o.cfg.Adapter)
		created, err := discovery.Run(ctx, adapter, ds.ID)
		if err != nil {
			return nil, fmt.Errorf("point discovery failed: %w", err)
		}
		if created > 0 {
			log.Info().Int("points", created).Str("source", adapter.Name()).Msg("Discovered new points")
		}
	}

	src := &source{}
	switch a := adapter.(type) {
	case *adapters.ReplayAdapter:
		src.wg.Add(1)
		go func() {
			defer src.wg.Done()
			runAdapter(adapter.Name(), func() error { return a.Run(ctx, emitter) })
		}()
	default:
		reader, ok := adapter.(adapters.CurrentReader)
		if !ok {
			return nil, fmt.Errorf("source %q supports neither replay nor polling", adapter.Name())
		}
		runner := adapters.NewPollRunner(adapter, reader, emitter, o.pointAddresses(ds.ID), o.cfg.Adapter)
		src.wg.Add(1)
		go func() {
			defer src.wg.Done()
			runAdapter(adapter.Name(), func() error { return runner.Run(ctx) })
		}()
	}
	return src, nil
}

func runAdapter(name string, run func() error) {
	telemetry.ComponentHealth.WithLabelValues("adapter:" + name).Set(1)
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		telemetry.ComponentHealth.WithLabelValues("adapter:" + name).Set(0)
		log.Error().Err(err).Str("adapter", name).Msg("Adapter stopped")
		return
	}
	telemetry.ComponentHealth.WithLabelValues("adapter:" + name).Set(0)
}

// registerDataSource reuses the data source registered under the
// configured name on a previous boot, so points keep their owner.
func (o *Orchestrator) registerDataSource(adapter adapters.Adapter) (models.DataSource, error) {
	existing, err := o.meta.ListDataSources()
	if err != nil {
		return models.DataSource{}, err
	}
	for _, ds := range existing {
		if ds.Name == o.cfg.Source.Name && ds.Kind == adapter.Kind() {
			ds.Status = "connected"
			if err := o.meta.UpsertDataSource(&ds); err != nil {
				return models.DataSource{}, err
			}
			return ds, nil
		}
	}

	ds := models.DataSource{
		Name:   o.cfg.Source.Name,
		Kind:   adapter.Kind(),
		Status: "connected",
	}
	if err := o.meta.UpsertDataSource(&ds); err != nil {
		return models.DataSource{}, err
	}
	log.Info().Str("name", ds.Name).Str("kind", string(ds.Kind)).Msg("Registered data source")
	return ds, nil
}

// pointAddresses feeds the poll runner the live addresses of the data
// source, re-read every cycle so discovery results take effect.
func (o *Orchestrator) pointAddresses(dataSourceID uuid.UUID) adapters.AddressSet {
	return func() []string {
		points, err := o.meta.ListPointsByDataSource(dataSourceID)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list points for polling")
			return nil
		}
		addrs := make([]string, 0, len(points))
		for _, p := range points {
			addrs = append(addrs, p.Address)
		}
		return addrs
	}
}
