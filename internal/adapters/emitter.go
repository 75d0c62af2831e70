package adapters

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/tagsense/tagsense/internal/bus"
	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/telemetry"
)

// Emitter publishes raw sample batches onto the bus for one data source.
// Batch ids are ULIDs so batches sort by creation time in logs.
type Emitter struct {
	bus          *bus.Bus
	dataSourceID uuid.UUID
	source       string
	entropy      *ulid.MonotonicEntropy
	nowFn        func() time.Time
}

// NewEmitter creates an emitter bound to a data source. source is the
// adapter name used in telemetry labels.
func NewEmitter(b *bus.Bus, dataSourceID uuid.UUID, source string) *Emitter {
	return &Emitter{
		bus:          b,
		dataSourceID: dataSourceID,
		source:       source,
		entropy:      ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		nowFn:        time.Now,
	}
}

// Emit publishes samples keyed by address so each point's samples stay
// ordered on one partition while load spreads across partitions. Samples
// whose addresses share a partition go out as one batch.
func (e *Emitter) Emit(samples []models.RawSample) error {
	if len(samples) == 0 {
		return nil
	}
	now := e.nowFn().UTC()
	for _, group := range e.groupByPartition(samples) {
		batch := models.RawSampleBatch{
			BatchID:      ulid.MustNew(ulid.Timestamp(now), e.entropy).String(),
			DataSourceID: e.dataSourceID,
			ProducedAt:   now,
			Points:       group,
		}
		// Every address in the group hashes to the same partition, so
		// the first one keys the whole batch.
		if _, err := e.bus.PublishJSON(bus.TopicRawSamples, group[0].Address, batch); err != nil {
			return err
		}
	}
	telemetry.SamplesEmittedTotal.WithLabelValues(e.source).Add(float64(len(samples)))
	return nil
}

// groupByPartition splits samples by the partition their address keys to.
func (e *Emitter) groupByPartition(samples []models.RawSample) [][]models.RawSample {
	n := e.bus.Partitions(bus.TopicRawSamples)
	if n <= 1 {
		return [][]models.RawSample{samples}
	}
	grouped := make([][]models.RawSample, n)
	for _, s := range samples {
		p := bus.PartitionForKey(s.Address, n)
		grouped[p] = append(grouped[p], s)
	}
	out := make([][]models.RawSample, 0, len(grouped))
	for _, g := range grouped {
		if len(g) > 0 {
			out = append(out, g)
		}
	}
	return out
}
