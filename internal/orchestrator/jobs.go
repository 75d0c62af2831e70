package orchestrator

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
)

// suggestionMaxAge expires pending suggestions the operators never
// acted on; stale entries would otherwise pile up forever.
const suggestionMaxAge = 7 * 24 * time.Hour

// startJobs schedules the housekeeping work that is time-driven rather
// than event-driven.
func (o *Orchestrator) startJobs() (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	jobs := []struct {
		name     string
		interval time.Duration
		run      func()
	}{
		{
			// Event-driven scans starve when correlations stop updating;
			// a full scan keeps slow-moving clusters converging.
			name:     "cluster-scan-fallback",
			interval: o.cfg.ScanFallback,
			run: func() {
				if time.Since(o.detector.LastScan()) < o.cfg.ScanFallback {
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if err := o.detector.ScanAll(ctx, o.bus); err != nil {
					log.Error().Err(err).Msg("Scheduled cluster scan failed")
				}
			},
		},
		{
			name:     "behavior-cache-purge",
			interval: time.Hour,
			run: func() {
				if n := o.behaviorCache.Purge(); n > 0 {
					log.Debug().Int("dropped", n).Msg("Purged expired behaviors")
				}
			},
		},
		{
			name:     "cluster-expiry",
			interval: time.Hour,
			run: func() {
				if n, err := o.meta.PurgeExpiredClusters(); err != nil {
					log.Error().Err(err).Msg("Cluster purge failed")
				} else if n > 0 {
					log.Debug().Int64("purged", n).Msg("Purged expired clusters")
				}
			},
		},
		{
			name:     "correlation-expiry",
			interval: time.Hour,
			run: func() {
				if n, err := o.meta.PurgeStaleCorrelations(o.cfg.Cluster.ClusterTTL); err != nil {
					log.Error().Err(err).Msg("Correlation purge failed")
				} else if n > 0 {
					log.Debug().Int64("purged", n).Msg("Purged stale correlations")
				}
			},
		},
		{
			name:     "suggestion-expiry",
			interval: time.Hour,
			run: func() {
				if n, err := o.meta.ExpireSuggestions(suggestionMaxAge); err != nil {
					log.Error().Err(err).Msg("Suggestion expiry failed")
				} else if n > 0 {
					log.Info().Int64("expired", n).Msg("Expired unanswered suggestions")
				}
			},
		},
		{
			// Daily confidence snapshot preserves the learning trajectory
			// for later inspection.
			name:     "confidence-snapshot",
			interval: 24 * time.Hour,
			run: func() {
				if err := o.meta.SnapshotConfidences(); err != nil {
					log.Error().Err(err).Msg("Confidence snapshot failed")
				}
			},
		},
	}

	for _, j := range jobs {
		if _, err := scheduler.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(j.run),
			gocron.WithName(j.name),
		); err != nil {
			_ = scheduler.Shutdown()
			return nil, err
		}
	}

	scheduler.Start()
	log.Info().Int("jobs", len(jobs)).Msg("Housekeeping scheduler started")
	return scheduler, nil
}
