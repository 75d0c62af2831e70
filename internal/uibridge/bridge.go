package uibridge

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/tagsense/tagsense/internal/bus"
	"github.com/tagsense/tagsense/internal/models"
)

const consumerGroup = "ui-bridge"

// Bridge pumps bus events into the hub and operator feedback back onto
// the bus.
type Bridge struct {
	hub *Hub
}

// NewBridge builds the hub with a sink that publishes operator feedback
// to patterns.feedback.
func NewBridge(b *bus.Bus) *Bridge {
	hub := NewHub(func(fb models.FeedbackEvent) error {
		_, err := b.PublishJSON(bus.TopicPatternsFeedback, fb.SuggestionID.String(), fb)
		return err
	})
	return &Bridge{hub: hub}
}

// Hub exposes the underlying hub for HTTP route registration.
func (br *Bridge) Hub() *Hub { return br.hub }

// Run consumes suggestions.created and patterns.updated, fanning both
// out to connected operators, until ctx is cancelled. Broadcasts are
// best-effort; offsets commit regardless of connected sessions.
func (br *Bridge) Run(ctx context.Context, b *bus.Bus) error {
	stop := make(chan struct{})
	go br.hub.Run(stop)
	defer close(stop)

	suggestions, err := b.Subscribe(consumerGroup, bus.TopicSuggestionsCreated)
	if err != nil {
		return err
	}
	updates, err := b.Subscribe(consumerGroup, bus.TopicPatternsUpdated)
	if err != nil {
		return err
	}

	errs := make(chan error, 2)
	go func() { errs <- br.pumpSuggestions(ctx, suggestions) }()
	go func() { errs <- br.pumpUpdates(ctx, updates) }()

	log.Info().Msg("Operator bridge started")
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			return err
		}
	}
	return nil
}

func (br *Bridge) pumpSuggestions(ctx context.Context, c *bus.Consumer) error {
	for {
		records, err := c.Poll(ctx, 16)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		for _, rec := range records {
			var ev models.SuggestionEvent
			if err := json.Unmarshal(rec.Value, &ev); err != nil {
				log.Warn().Err(err).Msg("Undecodable suggestion event skipped")
			} else {
				br.hub.BroadcastSuggestion(ev)
			}
			if err := c.Commit(rec); err != nil {
				log.Error().Err(err).Msg("Failed to commit bridge offset")
			}
		}
	}
}

func (br *Bridge) pumpUpdates(ctx context.Context, c *bus.Consumer) error {
	for {
		records, err := c.Poll(ctx, 16)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		for _, rec := range records {
			var ev models.PatternUpdatedEvent
			if err := json.Unmarshal(rec.Value, &ev); err != nil {
				log.Warn().Err(err).Msg("Undecodable pattern update skipped")
			} else {
				br.hub.BroadcastPatternUpdate(ev)
			}
			if err := c.Commit(rec); err != nil {
				log.Error().Err(err).Msg("Failed to commit bridge offset")
			}
		}
	}
}
