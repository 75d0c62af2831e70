package pattern

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tagsense/tagsense/internal/behavior"
	"github.com/tagsense/tagsense/internal/bus"
	"github.com/tagsense/tagsense/internal/config"
	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/store"
	"github.com/tagsense/tagsense/internal/telemetry"
)

const consumerGroup = "pattern-matcher"

// Matcher scores every cluster event against the active pattern library
// and persists the best suggestions.
type Matcher struct {
	meta  *store.Store
	cache *behavior.Cache
	cfg   config.MatchConfig
	nowFn func() time.Time
}

// NewMatcher wires the matching stage.
func NewMatcher(meta *store.Store, cache *behavior.Cache, cfg config.MatchConfig) *Matcher {
	return &Matcher{
		meta:  meta,
		cache: cache,
		cfg:   cfg,
		nowFn: time.Now,
	}
}

// Run consumes clusters.created until ctx is cancelled.
func (m *Matcher) Run(ctx context.Context, b *bus.Bus) error {
	consumer, err := b.Subscribe(consumerGroup, bus.TopicClustersCreated)
	if err != nil {
		return err
	}
	log.Info().Msg("Pattern matcher started")

	for {
		records, err := consumer.Poll(ctx, 8)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		for _, rec := range records {
			var ev models.ClusterEvent
			if err := json.Unmarshal(rec.Value, &ev); err != nil {
				log.Warn().Err(err).Msg("Undecodable cluster event skipped")
			} else {
				suggestions, err := m.Match(ev)
				if err != nil {
					log.Error().Err(err).Str("cluster", ev.ClusterID).Msg("Cluster matching failed")
				}
				for _, sg := range suggestions {
					m.publish(b, sg)
				}
			}
			if err := consumer.Commit(rec); err != nil {
				log.Error().Err(err).Msg("Failed to commit matcher offset")
			}
		}
	}
}

// Match scores one cluster against every active pattern and persists the
// top suggestions clearing the overall threshold.
func (m *Matcher) Match(ev models.ClusterEvent) ([]models.Suggestion, error) {
	points, err := m.meta.GetPoints(ev.PointIDs)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	patterns, err := m.meta.ListActivePatterns()
	if err != nil {
		return nil, err
	}

	// Stable member order for reproducible assignment.
	members := make([]models.Point, 0, len(points))
	for _, id := range ev.PointIDs {
		if p, ok := points[id]; ok {
			members = append(members, p)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID.String() < members[j].ID.String() })

	behaviors := make([]*models.PointBehavior, len(members))
	for i, p := range members {
		if b, ok := m.cache.Get(p.ID); ok {
			behaviors[i] = &b
		}
	}

	var candidates []models.Suggestion
	for _, pat := range patterns {
		if sg, ok := m.scorePattern(ev, members, behaviors, pat); ok {
			candidates = append(candidates, sg)
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Overall > candidates[j].Overall })
	if m.cfg.MaxPerCluster > 0 && len(candidates) > m.cfg.MaxPerCluster {
		candidates = candidates[:m.cfg.MaxPerCluster]
	}

	for i := range candidates {
		if err := m.meta.InsertSuggestion(&candidates[i]); err != nil {
			return candidates[:i], err
		}
		telemetry.SuggestionsEmittedTotal.Inc()
	}
	return candidates, nil
}

// scorePattern computes the match between one cluster and one pattern.
func (m *Matcher) scorePattern(ev models.ClusterEvent, members []models.Point, behaviors []*models.PointBehavior, pat models.Pattern) (models.Suggestion, bool) {
	if len(pat.Roles) == 0 {
		return models.Suggestion{}, false
	}

	scores := make([][]roleScore, len(members))
	for p := range members {
		scores[p] = make([]roleScore, len(pat.Roles))
		for r := range pat.Roles {
			scores[p][r] = scoreRole(members[p], behaviors[p], pat.Roles[r])
		}
	}

	assigned := assignRoles(scores, m.cfg.MinRoleScore)
	if len(assigned) == 0 {
		return models.Suggestion{}, false
	}

	// Required roles must all be filled.
	filled := make(map[int]bool, len(assigned))
	for _, a := range assigned {
		filled[a.roleIdx] = true
	}
	for r, role := range pat.Roles {
		if role.Required && !filled[r] {
			return models.Suggestion{}, false
		}
	}

	var naming, rang, rate float64
	nRange, nRate := 0, 0
	for _, a := range assigned {
		naming += a.score.naming
		if a.score.hasRange {
			rang += a.score.rang
			nRange++
		}
		if a.score.hasRate {
			rate += a.score.rate
			nRate++
		}
	}
	naming /= float64(len(assigned))
	if nRange > 0 {
		rang /= float64(nRange)
	}
	if nRate > 0 {
		rate /= float64(nRate)
	}
	correlation := ev.Cohesion

	roleMatchRatio := float64(len(assigned)) / float64(len(pat.Roles))
	weighted := m.cfg.WNaming*naming + m.cfg.WCorrelation*correlation +
		m.cfg.WRange*rang + m.cfg.WRate*rate
	overall := weighted * (0.5 + 0.5*roleMatchRatio) * pat.Confidence
	if overall < m.cfg.MinOverall {
		return models.Suggestion{}, false
	}

	sg := models.Suggestion{
		ID:               uuid.New(),
		ClusterID:        ev.ClusterID,
		PatternID:        pat.ID,
		PatternName:      pat.Name,
		Overall:          overall,
		NamingScore:      naming,
		CorrelationScore: correlation,
		RangeScore:       rang,
		RateScore:        rate,
		RoleAssignments:  make(map[uuid.UUID]string, len(assigned)),
		Status:           models.SuggestionPending,
		CreatedAt:        m.nowFn().UTC(),
	}
	for _, a := range assigned {
		point := members[a.pointIdx]
		role := pat.Roles[a.roleIdx]
		sg.MatchedPoints = append(sg.MatchedPoints, point.ID)
		sg.RoleAssignments[point.ID] = role.Name
		sg.Evidence = append(sg.Evidence, fmt.Sprintf(
			"%s -> %s (score %.2f)", point.Name, role.Name, a.score.total()))
	}
	sg.Evidence = append(sg.Evidence, fmt.Sprintf(
		"cluster cohesion %.2f over %d points", ev.Cohesion, len(members)))
	return sg, true
}

func (m *Matcher) publish(b *bus.Bus, sg models.Suggestion) {
	ev := models.SuggestionEvent{
		SuggestionID: sg.ID,
		ClusterID:    sg.ClusterID,
		PatternID:    sg.PatternID,
		PatternName:  sg.PatternName,
		Overall:      sg.Overall,
		Naming:       sg.NamingScore,
		Correlation:  sg.CorrelationScore,
		Range:        sg.RangeScore,
		Rate:         sg.RateScore,
		Evidence:     sg.Evidence,
		PointCount:   len(sg.MatchedPoints),
		ProducedAt:   m.nowFn().UTC(),
	}
	if _, err := b.PublishJSON(bus.TopicSuggestionsCreated, sg.ClusterID, ev); err != nil {
		log.Error().Err(err).Str("suggestion", sg.ID.String()).Msg("Failed to publish suggestion event")
	}
}
