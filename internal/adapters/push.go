package adapters

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tagsense/tagsense/internal/config"
	pkgerrors "github.com/tagsense/tagsense/internal/errors"
	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/telemetry"
)

// PushRunner drives one push adapter. Updates land in a bounded channel;
// when the channel is full the configured drop policy applies: "oldest"
// discards the oldest queued update and counts it, "block" applies
// backpressure to the source.
type PushRunner struct {
	adapter   Adapter
	sub       Subscriber
	emitter   *Emitter
	addresses AddressSet
	cfg       config.AdapterConfig

	queue chan models.RawSample
}

// NewPushRunner wires a push loop for a subscribing adapter.
func NewPushRunner(adapter Adapter, sub Subscriber, emitter *Emitter, addresses AddressSet, cfg config.AdapterConfig) *PushRunner {
	capacity := cfg.ChannelCapacity
	if capacity < 1 {
		capacity = 1
	}
	return &PushRunner{
		adapter:   adapter,
		sub:       sub,
		emitter:   emitter,
		addresses: addresses,
		cfg:       cfg,
		queue:     make(chan models.RawSample, capacity),
	}
}

// offer places one update into the queue under the drop policy.
func (r *PushRunner) offer(ctx context.Context, s models.RawSample) {
	if r.cfg.DropPolicy == config.DropBlock {
		select {
		case r.queue <- s:
		case <-ctx.Done():
		}
		return
	}

	for {
		select {
		case r.queue <- s:
			return
		default:
		}
		select {
		case <-r.queue: // oldest out
			telemetry.PushDroppedTotal.WithLabelValues(r.adapter.Name()).Inc()
		default:
		}
	}
}

// Run subscribes and drains the queue into batches until ctx is cancelled.
func (r *PushRunner) Run(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	subErr := make(chan error, 1)
	go func() {
		subErr <- r.sub.Subscribe(subCtx, r.addresses(), func(s models.RawSample) {
			r.offer(subCtx, s)
		})
	}()
	log.Info().Str("adapter", r.adapter.Name()).Msg("Push adapter subscribed")

	flushEvery := r.cfg.PollInterval
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	batch := make([]models.RawSample, 0, r.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.emitter.Emit(batch)
		batch = batch[:0]
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = flush()
			return nil
		case err := <-subErr:
			_ = flush()
			if err == nil || pkgerrors.IsCancelled(err) {
				return nil
			}
			return pkgerrors.Transient("adapter", "subscribe", err).WithSubject(r.adapter.Name())
		case s := <-r.queue:
			batch = append(batch, s)
			if r.cfg.BatchSize > 0 && len(batch) >= r.cfg.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// QueueDepth reports how many updates are waiting. For health reporting.
func (r *PushRunner) QueueDepth() int { return len(r.queue) }
