// Package orchestrator owns the process lifecycle: it opens the stores
// and the bus, wires every pipeline stage, supervises them, and tears
// everything down in order on shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tagsense/tagsense/internal/behavior"
	"github.com/tagsense/tagsense/internal/bus"
	"github.com/tagsense/tagsense/internal/cluster"
	"github.com/tagsense/tagsense/internal/config"
	"github.com/tagsense/tagsense/internal/correlation"
	"github.com/tagsense/tagsense/internal/curval"
	"github.com/tagsense/tagsense/internal/feedback"
	"github.com/tagsense/tagsense/internal/ingest"
	"github.com/tagsense/tagsense/internal/pattern"
	"github.com/tagsense/tagsense/internal/pointres"
	"github.com/tagsense/tagsense/internal/store"
	"github.com/tagsense/tagsense/internal/telemetry"
	"github.com/tagsense/tagsense/internal/tsdb"
	"github.com/tagsense/tagsense/internal/uibridge"
)

// drainWindow is how long consumers get to finish in-flight work after
// the adapters stop before the pipeline context is cancelled.
const drainWindow = 3 * time.Second

// Orchestrator holds every long-lived service of the process.
type Orchestrator struct {
	cfg *config.Config

	bus     *bus.Bus
	meta    *store.Store
	samples *tsdb.Store
	current *curval.Cache

	resolver      *pointres.Resolver
	behaviorCache *behavior.Cache
	aggregator    *behavior.Aggregator
	detector      *cluster.Detector
	bridge        *uibridge.Bridge
}

// New opens the stores and the bus and wires every component. Close (or
// a completed Run) releases what New opened.
func New(cfg *config.Config) (*Orchestrator, error) {
	meta, err := store.Open(metaPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	tsdbCfg := tsdb.DefaultConfig(cfg.DataDir)
	tsdbCfg.WriteBufferSize = cfg.Ingest.WriteBatchSize
	tsdbCfg.FlushInterval = cfg.Ingest.FlushInterval
	samples, err := tsdb.NewStore(tsdbCfg)
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("failed to open sample store: %w", err)
	}

	eventBus, err := bus.Open(bus.Options{
		Dir:            cfg.Bus.Dir,
		Partitions:     cfg.Bus.Partitions,
		SegmentMaxSize: cfg.Bus.SegmentMaxSize,
		SyncEvery:      cfg.Bus.SyncEvery,
	})
	if err != nil {
		samples.Close()
		meta.Close()
		return nil, fmt.Errorf("failed to open bus: %w", err)
	}

	behaviorCache := behavior.NewCache(cfg.Behavior.CacheTTL)
	o := &Orchestrator{
		cfg:           cfg,
		bus:           eventBus,
		meta:          meta,
		samples:       samples,
		current:       curval.New(),
		resolver:      pointres.New(meta, cfg.Ingest.ResolveCacheSize),
		behaviorCache: behaviorCache,
		aggregator:    behavior.NewAggregator(cfg.Behavior, behaviorCache),
		detector:      cluster.NewDetector(meta, cfg.Cluster),
		bridge:        uibridge.NewBridge(eventBus),
	}
	return o, nil
}

func metaPath(cfg *config.Config) string {
	return cfg.DataDir + "/tagsense.db"
}

// Hub returns the operator WebSocket hub for HTTP route registration.
func (o *Orchestrator) Hub() *uibridge.Hub { return o.bridge.Hub() }

// Run starts every component and blocks until ctx is cancelled and the
// pipeline has drained. Adapters stop first so consumers can finish the
// in-flight tail before their own contexts are cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.seedPatterns(); err != nil {
		return fmt.Errorf("failed to seed pattern library: %w", err)
	}

	adapterCtx, stopAdapters := context.WithCancel(context.Background())
	pipelineCtx, stopPipeline := context.WithCancel(context.Background())
	defer stopPipeline()
	defer stopAdapters()

	var g errgroup.Group

	src, err := o.startSource(adapterCtx)
	if err != nil {
		return err
	}

	ingestConsumer := ingest.NewConsumer(o.bus, o.resolver, o.samples, o.current, o.cfg.Ingest)
	o.supervise(&g, pipelineCtx, "ingest", func(c context.Context) error {
		return ingestConsumer.Run(c)
	})

	worker := behavior.NewWorker(o.bus, o.resolver, o.aggregator)
	o.supervise(&g, pipelineCtx, "behavior", func(c context.Context) error {
		return worker.Run(c)
	})

	engine := correlation.NewEngine(o.meta, o.samples, o.behaviorCache, o.cfg.Correlation)
	o.supervise(&g, pipelineCtx, "correlation", func(c context.Context) error {
		return engine.Run(c, o.bus)
	})

	o.supervise(&g, pipelineCtx, "cluster", func(c context.Context) error {
		return o.detector.Run(c, o.bus)
	})

	matcher := pattern.NewMatcher(o.meta, o.behaviorCache, o.cfg.Match)
	o.supervise(&g, pipelineCtx, "pattern", func(c context.Context) error {
		return matcher.Run(c, o.bus)
	})

	learner := feedback.NewLearner(o.meta, o.cfg.Feedback)
	o.supervise(&g, pipelineCtx, "feedback", func(c context.Context) error {
		return learner.Run(c, o.bus)
	})

	o.supervise(&g, pipelineCtx, "uibridge", func(c context.Context) error {
		return o.bridge.Run(c, o.bus)
	})

	scheduler, err := o.startJobs()
	if err != nil {
		return err
	}

	log.Info().Str("source", string(o.cfg.Source.Kind)).Msg("Pipeline running")
	<-ctx.Done()
	log.Info().Msg("Shutting down: stopping adapters")

	stopAdapters()
	if src != nil {
		src.wait()
	}

	// Let consumers drain the tail the adapters already published.
	time.Sleep(drainWindow)
	stopPipeline()

	if err := scheduler.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Scheduler shutdown failed")
	}
	err = g.Wait()

	o.checkpoint()
	if closeErr := o.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Msg("Shutdown complete")
	return err
}

// supervise runs a component, restarting it with a delay on failure.
// A failing component degrades its health gauge but never kills peers.
func (o *Orchestrator) supervise(g *errgroup.Group, ctx context.Context, name string, run func(context.Context) error) {
	g.Go(func() error {
		for {
			telemetry.ComponentHealth.WithLabelValues(name).Set(1)
			err := run(ctx)
			if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			telemetry.ComponentHealth.WithLabelValues(name).Set(0)
			log.Error().Err(err).Str("component", name).Msg("Component failed, restarting")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
		}
	})
}

// checkpoint flushes everything volatile before the stores close.
func (o *Orchestrator) checkpoint() {
	if n := o.aggregator.Checkpoint(); n > 0 {
		log.Info().Int("points", n).Msg("Persisted partial behavior windows")
	}
	if err := o.samples.Flush(); err != nil {
		log.Error().Err(err).Msg("Final sample flush failed")
	}
}

// Close releases the stores and the bus.
func (o *Orchestrator) Close() error {
	var first error
	if err := o.samples.Close(); err != nil && first == nil {
		first = err
	}
	if err := o.bus.Close(); err != nil && first == nil {
		first = err
	}
	if err := o.meta.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
