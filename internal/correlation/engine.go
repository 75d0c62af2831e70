package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tagsense/tagsense/internal/behavior"
	"github.com/tagsense/tagsense/internal/bus"
	"github.com/tagsense/tagsense/internal/config"
	pkgerrors "github.com/tagsense/tagsense/internal/errors"
	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/store"
	"github.com/tagsense/tagsense/internal/telemetry"
	"github.com/tagsense/tagsense/internal/tsdb"
)

const consumerGroup = "correlation"

// Engine recomputes pair correlations for a point whenever its behavior
// changes. Partial results are fine: a pair that fails is skipped and will
// be retried by the partner's next behavior event.
type Engine struct {
	meta    *store.Store
	samples *tsdb.Store
	cache   *behavior.Cache
	cfg     config.CorrelationConfig
	nowFn   func() time.Time
}

// NewEngine wires the correlation stage.
func NewEngine(meta *store.Store, samples *tsdb.Store, cache *behavior.Cache, cfg config.CorrelationConfig) *Engine {
	return &Engine{
		meta:    meta,
		samples: samples,
		cache:   cache,
		cfg:     cfg,
		nowFn:   time.Now,
	}
}

// Run consumes points.behavior until ctx is cancelled, publishing a
// correlations.updated event for every pass that links points.
func (e *Engine) Run(ctx context.Context, b *bus.Bus) error {
	consumer, err := b.Subscribe(consumerGroup, bus.TopicBehavior)
	if err != nil {
		return err
	}
	log.Info().Msg("Correlation engine started")

	for {
		records, err := consumer.Poll(ctx, 16)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		for _, rec := range records {
			var ev models.PointBehavior
			if err := json.Unmarshal(rec.Value, &ev); err != nil {
				log.Warn().Err(err).Int64("offset", rec.Offset).Msg("Undecodable behavior event skipped")
			} else if linked := e.Process(ctx, ev); len(linked.PointIDs) > 0 {
				if _, err := b.PublishJSON(bus.TopicCorrelationsUpdate, ev.PointID.String(), linked); err != nil {
					log.Error().Err(err).Msg("Failed to publish correlation event")
				}
			}
			if err := consumer.Commit(rec); err != nil {
				log.Error().Err(err).Msg("Failed to commit correlation offset")
			}
		}
	}
}

// Process recomputes the correlations between the behaved point and its
// candidate partners, upserting the significant pairs. The returned event
// lists every point linked by this pass.
func (e *Engine) Process(ctx context.Context, ev models.PointBehavior) models.CorrelationEvent {
	out := models.CorrelationEvent{
		BatchID:    uuid.NewString(),
		ProducedAt: e.nowFn().UTC(),
	}

	point, err := e.meta.GetPoint(ev.PointID)
	if err != nil {
		if !errors.Is(err, pkgerrors.ErrNotFound) {
			log.Warn().Err(err).Str("point", ev.PointID.String()).Msg("Correlation point lookup failed")
		}
		return out
	}
	if point.DataSourceID == nil || !point.ValueType.IsNumeric() {
		return out
	}

	partners, err := e.meta.ListPointsByDataSource(*point.DataSourceID)
	if err != nil {
		log.Warn().Err(err).Msg("Correlation partner listing failed")
		return out
	}

	own, err := e.samples.QueryLast(point.SequenceID, e.cfg.WindowSize)
	if err != nil || len(own) < e.cfg.MinOverlap {
		if err != nil {
			log.Warn().Err(err).Str("point", point.Name).Msg("Correlation sample read failed")
		}
		return out
	}

	var sumR float64
	pairs := 0
	linked := map[uuid.UUID]struct{}{}
	for _, partner := range partners {
		if ctx.Err() != nil {
			break
		}
		if partner.ID == point.ID || !partner.ValueType.IsNumeric() {
			continue
		}
		partnerBehavior, ok := e.cache.Get(partner.ID)
		if !ok {
			continue
		}
		// Windows must overlap at all before the expensive reads.
		if partnerBehavior.WindowEnd.Before(ev.WindowStart) || ev.WindowEnd.Before(partnerBehavior.WindowStart) {
			continue
		}

		pc, ok := e.correlatePair(point, own, partner)
		if !ok {
			continue
		}
		if math.Abs(pc.R) < e.cfg.SignificantR {
			continue
		}
		if err := e.meta.UpsertCorrelation(pc); err != nil {
			telemetry.CorrelationFailuresTotal.Inc()
			log.Warn().Err(err).Str("a", point.Name).Str("b", partner.Name).
				Msg("Correlation upsert failed, pair skipped")
			continue
		}
		telemetry.CorrelationsComputedTotal.Inc()
		sumR += math.Abs(pc.R)
		pairs++
		linked[point.ID] = struct{}{}
		linked[partner.ID] = struct{}{}
	}

	for id := range linked {
		out.PointIDs = append(out.PointIDs, id)
	}
	if pairs > 0 {
		out.AverageCorrelation = sumR / float64(pairs)
		log.Debug().Int("linked", len(out.PointIDs)).Str("point", point.Name).
			Msg("Correlation pass linked points")
	}
	return out
}

// correlatePair aligns the two sample windows and computes r, with an
// optional lag search. The result is canonically ordered.
func (e *Engine) correlatePair(a models.Point, sa []models.Sample, b models.Point) (models.PairCorrelation, bool) {
	sb, err := e.samples.QueryLast(b.SequenceID, e.cfg.WindowSize)
	if err != nil {
		telemetry.CorrelationFailuresTotal.Inc()
		log.Warn().Err(err).Str("point", b.Name).Msg("Sample read failed, pair skipped")
		return models.PairCorrelation{}, false
	}

	x, y, stepMS := alignSeries(sa, sb, e.cfg.MaxFFill)
	if len(x) < e.cfg.MinOverlap {
		return models.PairCorrelation{}, false
	}

	r, ok := pearson(x, y)
	if !ok {
		return models.PairCorrelation{}, false
	}

	var lagMS *int64
	aLeads := false
	if e.cfg.MaxLagSteps > 0 && stepMS > 0 {
		if lr, lag, lok := lagSearch(x, y, e.cfg.MaxLagSteps, e.cfg.MinOverlap); lok && math.Abs(lr) > math.Abs(r) {
			r = lr
			ms := int64(math.Abs(float64(lag))) * stepMS
			lagMS = &ms
			aLeads = lag > 0
		}
	}

	pc := models.PairCorrelation{
		PointA:      a.ID,
		PointB:      b.ID,
		R:           r,
		SampleCount: len(x),
		WindowStart: laterOf(sa[0].Timestamp, sb[0].Timestamp),
		WindowEnd:   earlierOf(sa[len(sa)-1].Timestamp, sb[len(sb)-1].Timestamp),
		LagMS:       lagMS,
		ALeads:      aLeads,
		UpdatedAt:   e.nowFn().UTC(),
	}

	// Canonical order may swap the pair; the leading flag follows it.
	if ca, _ := models.CanonicalPair(a.ID, b.ID); ca != a.ID && lagMS != nil {
		pc.ALeads = !aLeads
	}
	return pc, true
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlierOf(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
