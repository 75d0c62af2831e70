package adapters

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tagsense/tagsense/internal/config"
	pkgerrors "github.com/tagsense/tagsense/internal/errors"
	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/telemetry"
)

// AddressSet supplies the addresses a runner should poll. Discovery grows
// the set while the runner is live, so it is a callback, not a slice.
type AddressSet func() []string

// PollRunner drives one pull adapter: read current values on an interval,
// emit one batch per poll. Polls never overlap; a poll that runs past its
// interval logs a warning and the next one fires immediately.
type PollRunner struct {
	adapter   Adapter
	reader    CurrentReader
	emitter   *Emitter
	addresses AddressSet
	cfg       config.AdapterConfig
	rng       *rand.Rand
}

// NewPollRunner wires a poll loop for an adapter that reads current values.
func NewPollRunner(adapter Adapter, reader CurrentReader, emitter *Emitter, addresses AddressSet, cfg config.AdapterConfig) *PollRunner {
	return &PollRunner{
		adapter:   adapter,
		reader:    reader,
		emitter:   emitter,
		addresses: addresses,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run polls until ctx is cancelled. Transient errors back off with jitter;
// authentication failures stop this adapter only.
func (r *PollRunner) Run(ctx context.Context) error {
	backoff := newRetryBackoff(r.cfg.BackoffInitial, r.cfg.BackoffMax, 0.2, r.rng.Float64)

	for {
		start := time.Now()
		err := r.pollOnce(ctx)
		switch {
		case err == nil:
			backoff.reset()
		case pkgerrors.IsCancelled(err):
			return nil
		case pkgerrors.IsAuthError(err):
			log.Error().Err(err).Str("adapter", r.adapter.Name()).
				Msg("Authentication failed, stopping adapter")
			return pkgerrors.Fatal("adapter", "poll", err).WithSubject(r.adapter.Name())
		default:
			delay := backoff.next()
			log.Warn().Err(err).Str("adapter", r.adapter.Name()).
				Dur("retryIn", delay).Int("attempt", backoff.attempt()).
				Msg("Poll failed, backing off")
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}

		elapsed := time.Since(start)
		if elapsed >= r.cfg.PollInterval {
			telemetry.PollOverrunsTotal.WithLabelValues(r.adapter.Name()).Inc()
			log.Warn().Str("adapter", r.adapter.Name()).
				Dur("elapsed", elapsed).Dur("interval", r.cfg.PollInterval).
				Msg("Poll overran its interval, firing next poll immediately")
			continue
		}
		if !sleepCtx(ctx, r.cfg.PollInterval-elapsed) {
			return nil
		}
	}
}

func (r *PollRunner) pollOnce(ctx context.Context) error {
	addresses := r.addresses()
	if len(addresses) == 0 {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	values, err := r.reader.ReadCurrent(callCtx, addresses)
	if err != nil {
		if ctx.Err() != nil {
			return pkgerrors.New(pkgerrors.KindCancelled, "adapter", "poll", ctx.Err())
		}
		// Per-call timeouts and remote failures are transient; the kind
		// checks in Run still see an unauthorized cause through the wrap.
		return pkgerrors.Transient("adapter", "poll", err).WithSubject(r.adapter.Name())
	}
	if len(values) == 0 {
		return nil
	}

	// Deterministic batch order regardless of map iteration.
	ordered := make([]string, 0, len(values))
	for addr := range values {
		ordered = append(ordered, addr)
	}
	sort.Strings(ordered)

	batchSize := r.cfg.BatchSize
	if batchSize < 1 {
		batchSize = len(ordered)
	}
	for from := 0; from < len(ordered); from += batchSize {
		to := from + batchSize
		if to > len(ordered) {
			to = len(ordered)
		}
		samples := make([]models.RawSample, 0, to-from)
		for _, addr := range ordered[from:to] {
			samples = append(samples, values[addr])
		}
		if err := r.emitter.Emit(samples); err != nil {
			return err
		}
	}
	return nil
}

// sleepCtx sleeps for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
