package behavior

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/tagsense/tagsense/internal/bus"
	pkgerrors "github.com/tagsense/tagsense/internal/errors"
	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/pointres"
)

const consumerGroup = "behavior-aggregator"

// Worker drives the aggregator from the raw sample topic. Behavior
// snapshots are idempotent; a replayed batch converges to the same
// published summary, so offsets commit after publish.
type Worker struct {
	bus        *bus.Bus
	resolver   *pointres.Resolver
	aggregator *Aggregator
	pollMax    int
}

// NewWorker wires the aggregator to the bus.
func NewWorker(b *bus.Bus, resolver *pointres.Resolver, aggregator *Aggregator) *Worker {
	return &Worker{
		bus:        b,
		resolver:   resolver,
		aggregator: aggregator,
		pollMax:    64,
	}
}

// Run consumes datapoints.raw until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	consumer, err := w.bus.Subscribe(consumerGroup, bus.TopicRawSamples)
	if err != nil {
		return err
	}
	log.Info().Msg("Behavior aggregator started")

	for {
		records, err := consumer.Poll(ctx, w.pollMax)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		for _, rec := range records {
			w.process(rec)
			if err := consumer.Commit(rec); err != nil {
				log.Error().Err(err).Msg("Failed to commit behavior offset")
			}
		}
	}
}

func (w *Worker) process(rec bus.Record) {
	var batch models.RawSampleBatch
	if err := json.Unmarshal(rec.Value, &batch); err != nil {
		// Poison for this consumer too, but the ingest consumer owns
		// DLQ routing for raw batches; just skip here.
		log.Warn().Err(err).Int64("offset", rec.Offset).Msg("Undecodable raw batch skipped by aggregator")
		return
	}

	for _, raw := range batch.Points {
		point, err := w.resolver.Resolve(raw.Address)
		if err != nil {
			if !errors.Is(err, pkgerrors.ErrNotFound) {
				log.Warn().Err(err).Str("address", raw.Address).Msg("Point resolution failed in aggregator")
			}
			// Unknown points are the ingest consumer's problem; the
			// aggregator only summarizes registered points.
			continue
		}
		snapshot := w.aggregator.Observe(point, models.Sample{
			SequenceID: point.SequenceID,
			Timestamp:  raw.Timestamp.UTC(),
			Value:      raw.Value,
			Quality:    raw.Quality,
		})
		if snapshot == nil {
			continue
		}
		if _, err := w.bus.PublishJSON(bus.TopicBehavior, snapshot.PointID.String(), snapshot); err != nil {
			log.Error().Err(err).Str("point", point.Name).Msg("Failed to publish behavior snapshot")
		}
	}
}
