// Package feedback closes the flywheel loop: operator decisions on
// suggestions adjust pattern confidences and, on approval, materialize
// point bindings.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tagsense/tagsense/internal/bus"
	"github.com/tagsense/tagsense/internal/config"
	pkgerrors "github.com/tagsense/tagsense/internal/errors"
	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/store"
	"github.com/tagsense/tagsense/internal/telemetry"
)

const consumerGroup = "feedback-learner"

// Learner consumes patterns.feedback and applies each decision to the
// metadata store in one transaction.
type Learner struct {
	meta  *store.Store
	cfg   config.FeedbackConfig
	nowFn func() time.Time
}

// NewLearner wires the feedback stage.
func NewLearner(meta *store.Store, cfg config.FeedbackConfig) *Learner {
	return &Learner{
		meta:  meta,
		cfg:   cfg,
		nowFn: time.Now,
	}
}

// Run consumes patterns.feedback until ctx is cancelled. Decisions are
// applied before the offset commit, so a crash replays the decision and
// the store's pending-status check rejects the duplicate.
func (l *Learner) Run(ctx context.Context, b *bus.Bus) error {
	consumer, err := b.Subscribe(consumerGroup, bus.TopicPatternsFeedback)
	if err != nil {
		return err
	}
	log.Info().Msg("Feedback learner started")

	for {
		records, err := consumer.Poll(ctx, 16)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		for _, rec := range records {
			var fb models.FeedbackEvent
			if err := json.Unmarshal(rec.Value, &fb); err != nil {
				log.Warn().Err(err).Msg("Undecodable feedback event skipped")
			} else if update, err := l.Apply(fb); err != nil {
				log.Warn().Err(err).
					Str("suggestion", fb.SuggestionID.String()).
					Str("action", string(fb.Action)).
					Msg("Feedback not applied")
			} else if update != nil {
				// Commit-then-publish: a crash here loses at most one
				// notification, never the stored decision.
				if _, err := b.PublishJSON(bus.TopicPatternsUpdated, update.PatternID.String(), update); err != nil {
					log.Error().Err(err).Msg("Failed to publish pattern update")
				}
			}
			if err := consumer.Commit(rec); err != nil {
				log.Error().Err(err).Msg("Failed to commit feedback offset")
			}
		}
	}
}

// Apply runs one operator decision against the store. It returns the
// pattern update to broadcast, or nil when the decision changes no
// confidence (deferred decisions and replayed duplicates).
func (l *Learner) Apply(fb models.FeedbackEvent) (*models.PatternUpdatedEvent, error) {
	switch fb.Action {
	case models.FeedbackApproved, models.FeedbackRejected:
	case models.FeedbackDeferred:
		if err := l.meta.MarkDeferred(fb, fb.ConfidenceAtAction); err != nil {
			return nil, err
		}
		telemetry.FeedbackProcessedTotal.WithLabelValues(string(fb.Action)).Inc()
		log.Debug().Str("suggestion", fb.SuggestionID.String()).Msg("Suggestion deferred")
		return nil, nil
	default:
		return nil, pkgerrors.New(pkgerrors.KindContract, "feedback", "apply",
			errors.New("unknown feedback action")).WithSubject(string(fb.Action))
	}

	delta := l.cfg.DeltaUp
	kind := models.PatternUpdateIncreased
	if fb.Action == models.FeedbackRejected {
		delta = -l.cfg.DeltaDown
		kind = models.PatternUpdateDecreased
	}

	outcome, err := l.meta.ApplyFeedback(fb, delta, l.cfg.ConfidenceFloor)
	if errors.Is(err, pkgerrors.ErrNotPending) {
		// Replayed or raced decision. The first application won.
		log.Debug().Str("suggestion", fb.SuggestionID.String()).Msg("Feedback already resolved")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	telemetry.FeedbackProcessedTotal.WithLabelValues(string(fb.Action)).Inc()

	log.Info().
		Str("suggestion", fb.SuggestionID.String()).
		Str("action", string(fb.Action)).
		Float64("oldConfidence", outcome.OldConfidence).
		Float64("newConfidence", outcome.NewConfidence).
		Msg("Feedback applied")

	return &models.PatternUpdatedEvent{
		PatternID:     outcome.Pattern,
		Kind:          kind,
		OldConfidence: outcome.OldConfidence,
		NewConfidence: outcome.NewConfidence,
		ExampleCount:  outcome.ExampleCount,
		ProducedAt:    l.nowFn().UTC(),
	}, nil
}
