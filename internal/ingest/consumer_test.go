package ingest

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
	"github.com/tagsense/tagsense/internal/curval"
	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/pointres"
	"github.com/tagsense/tagsense/internal/store"
	"github.com/tagsense/tagsense/internal/telemetry"
	"github.com/tagsense/tagsense/internal/tsdb"
)

type ingestFixture struct {
	bus      *bus.Bus
	meta     *store.Store
	tsdb     *tsdb.Store
	current  *curval.Cache
	consumer *Consumer
	now      *time.Time
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	dir := t.TempDir()

	b, err := bus.Open(bus.Options{Dir: filepath.Join(dir, "bus"), Partitions: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	meta, err := store.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	cfg := tsdb.DefaultConfig(dir)
	cfg.FlushInterval = time.Hour // flushed explicitly by the consumer
	ts, err := tsdb.NewStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })

	current := curval.New()
	resolver := pointres.New(meta, 128)
	consumer := NewConsumer(b, resolver, ts, current, config.IngestConfig{
		ResolveCacheSize: 128,
		RetryTTL:         30 * time.Second,
		WriteBatchSize:   500,
		FlushInterval:    time.Hour,
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	consumer.nowFn = func() time.Time { return now }

	return &ingestFixture{bus: b, meta: meta, tsdb: ts, current: current, consumer: consumer, now: &now}
}

func (f *ingestFixture) registerPoint(t *testing.T, address string) models.Point {
	t.Helper()
	p := models.Point{
		ID:        uuid.New(),
		Name:      address,
		Address:   address,
		ValueType: models.ValueTypeFloat64,
	}
	require.NoError(t, f.meta.CreatePoint(&p))
	return p
}

func (f *ingestFixture) publishBatch(t *testing.T, batch models.RawSampleBatch) bus.Record {
	t.Helper()
	rec, err := f.bus.PublishJSON(bus.TopicRawSamples, batch.DataSourceID.String(), batch)
	require.NoError(t, err)
	return rec
}

func TestReplayedBatchIsIdempotent(t *testing.T) {
	f := newIngestFixture(t)
	p := f.registerPoint(t, "ns=2;s=AHU1.SAT")
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	samples := make([]models.RawSample, 10)
	for i := range samples {
		samples[i] = models.RawSample{
			Address:   p.Address,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Value:     20 + float64(i),
			Quality:   models.QualityGood,
		}
	}
	batch := models.RawSampleBatch{
		BatchID:      "b-1",
		DataSourceID: uuid.New(),
		ProducedAt:   base,
		Points:       samples,
	}
	rec := f.publishBatch(t, batch)

	require.NoError(t, f.consumer.Process(rec))
	count, err := f.tsdb.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)

	cur, ok := f.current.Get(p.SequenceID)
	require.True(t, ok)
	assert.InDelta(t, 29.0, cur.Value, 1e-12)

	// Simulated redelivery of the same batch: terminal state unchanged.
	require.NoError(t, f.consumer.Process(rec))
	count, err = f.tsdb.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)

	cur, ok = f.current.Get(p.SequenceID)
	require.True(t, ok)
	assert.InDelta(t, 29.0, cur.Value, 1e-12)
}

func TestUnknownPointParkedThenResolved(t *testing.T) {
	f := newIngestFixture(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	batch := models.RawSampleBatch{
		BatchID:      "b-2",
		DataSourceID: uuid.New(),
		ProducedAt:   base,
		Points: []models.RawSample{{
			Address:   "ns=2;s=NewPoint",
			Timestamp: base,
			Value:     7,
			Quality:   models.QualityGood,
		}},
	}
	rec := f.publishBatch(t, batch)

	require.NoError(t, f.consumer.Process(rec))
	assert.Equal(t, 1, f.consumer.PendingCount())
	count, err := f.tsdb.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	// The point gets registered before the TTL expires; the next drain
	// persists the parked sample.
	p := f.registerPoint(t, "ns=2;s=NewPoint")
	*f.now = f.now.Add(5 * time.Second)
	f.consumer.drainPending()

	assert.Equal(t, 0, f.consumer.PendingCount())
	count, err = f.tsdb.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	cur, ok := f.current.Get(p.SequenceID)
	require.True(t, ok)
	assert.InDelta(t, 7.0, cur.Value, 1e-12)
}

func TestUnknownPointExpiresToDLQWithOriginalPayload(t *testing.T) {
	f := newIngestFixture(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	dsID := uuid.New()

	raw := models.RawSample{
		Address:   "ns=2;s=Orphan",
		Timestamp: base,
		Value:     42.5,
		Quality:   models.QualityUncertain,
	}
	rec := f.publishBatch(t, models.RawSampleBatch{
		BatchID:      "b-3",
		DataSourceID: dsID,
		ProducedAt:   base,
		Points:       []models.RawSample{raw},
	})

	require.NoError(t, f.consumer.Process(rec))
	require.Equal(t, 1, f.consumer.PendingCount())

	before := testutil.ToFloat64(telemetry.DLQMessagesTotal.WithLabelValues("unknown_point"))
	*f.now = f.now.Add(31 * time.Second)
	f.consumer.drainPending()
	assert.Equal(t, 0, f.consumer.PendingCount())
	after := testutil.ToFloat64(telemetry.DLQMessagesTotal.WithLabelValues("unknown_point"))
	assert.InDelta(t, before+1, after, 1e-9)

	dlq, err := f.bus.Subscribe("test-dlq-reader", bus.TopicDLQ)
	require.NoError(t, err)
	records, err := dlq.Poll(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	var msg DLQMessage
	require.NoError(t, json.Unmarshal(records[0].Value, &msg))
	assert.Contains(t, msg.Reason, "ns=2;s=Orphan")
	assert.Equal(t, dsID, msg.DataSourceID)

	var preserved models.RawSample
	require.NoError(t, json.Unmarshal(msg.Payload, &preserved))
	assert.Equal(t, raw.Address, preserved.Address)
	assert.InDelta(t, raw.Value, preserved.Value, 1e-12)
	assert.Equal(t, raw.Quality, preserved.Quality)
	assert.True(t, raw.Timestamp.Equal(preserved.Timestamp))
}

func TestIdleTopicStillExpiresParkedSamplesToDLQ(t *testing.T) {
	f := newIngestFixture(t)
	f.consumer.nowFn = time.Now
	f.consumer.cfg.RetryTTL = 200 * time.Millisecond

	f.publishBatch(t, models.RawSampleBatch{
		BatchID:      "b-idle",
		DataSourceID: uuid.New(),
		ProducedAt:   time.Now().UTC(),
		Points: []models.RawSample{{
			Address:   "ns=2;s=Ghost",
			Timestamp: time.Now().UTC(),
			Value:     1,
			Quality:   models.QualityGood,
		}},
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.consumer.Run(ctx) }()

	// No further traffic: the TTL alone must push the sample to the DLQ.
	dlq, err := f.bus.Subscribe("test-dlq-watch", bus.TopicDLQ)
	require.NoError(t, err)
	watchCtx, watchCancel := context.WithTimeout(ctx, 3*time.Second)
	defer watchCancel()
	records, err := dlq.Poll(watchCtx, 10)
	require.NoError(t, err, "parked sample must reach the DLQ without new traffic")
	require.NotEmpty(t, records)

	var msg DLQMessage
	require.NoError(t, json.Unmarshal(records[0].Value, &msg))
	assert.Contains(t, msg.Reason, "ns=2;s=Ghost")

	cancel()
	require.NoError(t, <-done)
}

func TestUndecodableBatchGoesToDLQ(t *testing.T) {
	f := newIngestFixture(t)

	rec, err := f.bus.Publish(bus.TopicRawSamples, "k", json.RawMessage(`{not json`))
	require.NoError(t, err)

	before := testutil.ToFloat64(telemetry.DLQMessagesTotal.WithLabelValues("undecodable"))
	require.NoError(t, f.consumer.Process(rec))
	after := testutil.ToFloat64(telemetry.DLQMessagesTotal.WithLabelValues("undecodable"))
	assert.InDelta(t, before+1, after, 1e-9)

	dlq, err := f.bus.Subscribe("test-dlq-reader", bus.TopicDLQ)
	require.NoError(t, err)
	records, err := dlq.Poll(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	var msg DLQMessage
	require.NoError(t, json.Unmarshal(records[0].Value, &msg))
	assert.Contains(t, msg.Reason, "undecodable")
	assert.Equal(t, string(json.RawMessage(`{not json`)), string(msg.Payload))
}

func TestEmptyBatchIsANoOp(t *testing.T) {
	f := newIngestFixture(t)
	rec := f.publishBatch(t, models.RawSampleBatch{
		BatchID:      "b-4",
		DataSourceID: uuid.New(),
		ProducedAt:   time.Now().UTC(),
	})

	require.NoError(t, f.consumer.Process(rec))
	count, err := f.tsdb.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
	assert.Equal(t, 0, f.current.Len())
	assert.Equal(t, 0, f.consumer.PendingCount())
}

func TestStaleCurrentValueRejectedButStoredHistorically(t *testing.T) {
	f := newIngestFixture(t)
	p := f.registerPoint(t, "ns=2;s=AHU1.RAT")
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	dsID := uuid.New()

	rec := f.publishBatch(t, models.RawSampleBatch{
		BatchID:      "b-5",
		DataSourceID: dsID,
		ProducedAt:   base,
		Points: []models.RawSample{{
			Address: p.Address, Timestamp: base.Add(time.Minute), Value: 10, Quality: models.QualityGood,
		}},
	})
	require.NoError(t, f.consumer.Process(rec))

	// A late batch with an older timestamp still lands in history but
	// must not regress the current value.
	late := f.publishBatch(t, models.RawSampleBatch{
		BatchID:      "b-6",
		DataSourceID: dsID,
		ProducedAt:   base,
		Points: []models.RawSample{{
			Address: p.Address, Timestamp: base, Value: 99, Quality: models.QualityGood,
		}},
	})
	require.NoError(t, f.consumer.Process(late))

	count, err := f.tsdb.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	cur, ok := f.current.Get(p.SequenceID)
	require.True(t, ok)
	assert.InDelta(t, 10.0, cur.Value, 1e-12)
}

func TestPollBlocksRespectingContext(t *testing.T) {
	f := newIngestFixture(t)
	c, err := f.bus.Subscribe("blocked", bus.TopicRawSamples)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Poll(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
