// Package ingest consumes raw sample batches from the bus, resolves point
// identity, and persists samples to the time-series store and the
// current-value cache. Offsets commit only after the stores have the data,
// and both stores are idempotent, so replays converge to the same state.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tagsense/tagsense/internal/bus"
	"github.com/tagsense/tagsense/internal/config"
	"github.com/tagsense/tagsense/internal/curval"
	pkgerrors "github.com/tagsense/tagsense/internal/errors"
	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/pointres"
	"github.com/tagsense/tagsense/internal/telemetry"
	"github.com/tagsense/tagsense/internal/tsdb"
)

const consumerGroup = "ingest"

// DLQMessage is the envelope written to datapoints.dlq. Payload carries the
// original message bytes untouched.
type DLQMessage struct {
	Reason       string          `json:"reason"`
	SourceTopic  string          `json:"sourceTopic"`
	DataSourceID uuid.UUID       `json:"dataSourceId,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	FailedAt     time.Time       `json:"failedAt"`
}

// pendingSample is an unresolved sample parked in the retry buffer.
type pendingSample struct {
	raw          models.RawSample
	dataSourceID uuid.UUID
	firstSeen    time.Time
}

// Consumer is the ingestion worker for one instance.
type Consumer struct {
	bus      *bus.Bus
	resolver *pointres.Resolver
	store    *tsdb.Store
	current  *curval.Cache
	cfg      config.IngestConfig

	pending []pendingSample
	nowFn   func() time.Time
}

// NewConsumer wires the ingestion stage.
func NewConsumer(b *bus.Bus, resolver *pointres.Resolver, store *tsdb.Store, current *curval.Cache, cfg config.IngestConfig) *Consumer {
	return &Consumer{
		bus:      b,
		resolver: resolver,
		store:    store,
		current:  current,
		cfg:      cfg,
		nowFn:    time.Now,
	}
}

// Run consumes datapoints.raw until ctx is cancelled. Polls carry a deadline
// of half the retry TTL so parked samples are retried and expired to the DLQ
// even when the topic is idle.
func (c *Consumer) Run(ctx context.Context) error {
	consumer, err := c.bus.Subscribe(consumerGroup, bus.TopicRawSamples)
	if err != nil {
		return err
	}
	log.Info().Msg("Ingestion consumer started")

	retryInterval := c.cfg.RetryTTL / 2
	if retryInterval <= 0 {
		retryInterval = time.Second
	}

	for {
		pollCtx, cancel := context.WithTimeout(ctx, retryInterval)
		records, err := consumer.Poll(pollCtx, 32)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				c.drainPending()
				if ferr := c.store.Flush(); ferr != nil {
					log.Error().Err(ferr).Msg("Final time-series flush failed")
				}
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// Idle topic: the poll deadline doubles as the retry tick.
				c.drainPending()
				continue
			}
			return err
		}

		for _, rec := range records {
			if err := c.Process(rec); err != nil {
				// Persistent store failure: unwind to the committed
				// offset and let the redelivery retry the batch.
				log.Error().Err(err).Int64("offset", rec.Offset).
					Msg("Batch processing failed, rewinding")
				consumer.Rewind(rec)
				break
			}
			if err := consumer.Commit(rec); err != nil {
				log.Error().Err(err).Msg("Failed to commit ingest offset")
			}
		}
		c.drainPending()
	}
}

// Process applies one bus record. Undecodable records go to the DLQ and
// return nil so the caller commits past them.
func (c *Consumer) Process(rec bus.Record) error {
	var batch models.RawSampleBatch
	if err := json.Unmarshal(rec.Value, &batch); err != nil {
		c.toDLQ("undecodable", DLQMessage{
			Reason:      "undecodable batch: " + err.Error(),
			SourceTopic: rec.Topic,
			Payload:     rec.Value,
			FailedAt:    c.nowFn().UTC(),
		})
		return nil
	}

	// Empty batch is a no-op, committed without state change.
	if len(batch.Points) == 0 {
		return nil
	}

	resolved := make([]models.Sample, 0, len(batch.Points))
	for _, raw := range batch.Points {
		point, err := c.resolver.Resolve(raw.Address)
		if err != nil {
			if errors.Is(err, pkgerrors.ErrNotFound) {
				telemetry.UnknownPointsTotal.Inc()
				c.pending = append(c.pending, pendingSample{
					raw:          raw,
					dataSourceID: batch.DataSourceID,
					firstSeen:    c.nowFn(),
				})
				continue
			}
			return pkgerrors.Transient("ingest", "resolve", err).WithSubject(raw.Address)
		}
		resolved = append(resolved, models.Sample{
			SequenceID: point.SequenceID,
			Timestamp:  raw.Timestamp.UTC(),
			Value:      raw.Value,
			Quality:    raw.Quality,
		})
	}

	return c.apply(resolved)
}

// apply writes resolved samples to both stores and flushes the time-series
// buffer so the subsequent offset commit covers durable state.
func (c *Consumer) apply(samples []models.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	c.store.WriteBatch(samples)
	if err := c.store.Flush(); err != nil {
		return pkgerrors.Transient("ingest", "flush", err)
	}
	for _, s := range samples {
		c.current.Update(s)
	}
	return nil
}

// drainPending retries parked unknown-point samples. Samples older than the
// retry TTL are routed to the DLQ with their original payload.
func (c *Consumer) drainPending() {
	if len(c.pending) == 0 {
		return
	}
	now := c.nowFn()
	keep := c.pending[:0]
	resolved := make([]models.Sample, 0, len(c.pending))

	for _, p := range c.pending {
		point, err := c.resolver.Resolve(p.raw.Address)
		if err == nil {
			resolved = append(resolved, models.Sample{
				SequenceID: point.SequenceID,
				Timestamp:  p.raw.Timestamp.UTC(),
				Value:      p.raw.Value,
				Quality:    p.raw.Quality,
			})
			continue
		}
		if now.Sub(p.firstSeen) >= c.cfg.RetryTTL {
			payload, merr := json.Marshal(p.raw)
			if merr != nil {
				payload = nil
			}
			c.toDLQ("unknown_point", DLQMessage{
				Reason:       "unknown point: " + p.raw.Address,
				SourceTopic:  bus.TopicRawSamples,
				DataSourceID: p.dataSourceID,
				Payload:      payload,
				FailedAt:     now.UTC(),
			})
			continue
		}
		keep = append(keep, p)
	}
	c.pending = keep

	if len(resolved) > 0 {
		if err := c.apply(resolved); err != nil {
			log.Error().Err(err).Int("samples", len(resolved)).
				Msg("Failed to persist retried samples")
		} else {
			log.Debug().Int("samples", len(resolved)).Msg("Retry buffer resolved samples")
		}
	}
}

// PendingCount returns the number of parked unknown-point samples.
func (c *Consumer) PendingCount() int { return len(c.pending) }

// toDLQ publishes msg to datapoints.dlq. category is the bounded metric
// label; msg.Reason carries the descriptive text.
func (c *Consumer) toDLQ(category string, msg DLQMessage) {
	if _, err := c.bus.PublishJSON(bus.TopicDLQ, msg.SourceTopic, msg); err != nil {
		log.Error().Err(err).Str("reason", msg.Reason).Msg("Failed to publish DLQ message")
		return
	}
	telemetry.DLQMessagesTotal.WithLabelValues(category).Inc()
	log.Warn().Str("reason", msg.Reason).Str("topic", msg.SourceTopic).Msg("Message routed to DLQ")
}
