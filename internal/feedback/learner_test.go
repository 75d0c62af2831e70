package feedback

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagsense/tagsense/internal/config"
	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/store"
)

type learnerFixture struct {
	meta    *store.Store
	learner *Learner
	pattern *models.Pattern
}

func newLearnerFixture(t *testing.T, confidence float64) *learnerFixture {
	t.Helper()
	meta, err := store.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	pat := &models.Pattern{
		Name:       "Air Handling Unit",
		Confidence: confidence,
		Active:     true,
		Roles: []models.PatternRole{
			{Name: "Supply Air Temperature", Regexes: []string{`sat`}, Required: true},
		},
	}
	require.NoError(t, meta.CreatePattern(pat))

	learner := NewLearner(meta, config.FeedbackConfig{
		DeltaUp:           0.05,
		DeltaDown:         0.10,
		ConfidenceFloor:   0.05,
		InitialConfidence: 0.5,
	})
	return &learnerFixture{meta: meta, learner: learner, pattern: pat}
}

func (f *learnerFixture) pendingSuggestion(t *testing.T, points ...uuid.UUID) *models.Suggestion {
	t.Helper()
	sg := &models.Suggestion{
		ClusterID:       uuid.NewString(),
		PatternID:       f.pattern.ID,
		PatternName:     f.pattern.Name,
		Overall:         0.62,
		MatchedPoints:   points,
		RoleAssignments: map[uuid.UUID]string{},
		Evidence:        []string{"cluster cohesion 0.88 over 3 points"},
	}
	for _, p := range points {
		sg.RoleAssignments[p] = "Supply Air Temperature"
	}
	require.NoError(t, f.meta.InsertSuggestion(sg))
	return sg
}

func (f *learnerFixture) confidence(t *testing.T) float64 {
	t.Helper()
	patterns, err := f.meta.ListActivePatterns()
	require.NoError(t, err)
	for _, p := range patterns {
		if p.ID == f.pattern.ID {
			return p.Confidence
		}
	}
	t.Fatalf("pattern %s not found", f.pattern.ID)
	return 0
}

func TestApproveRaisesConfidenceAndBinds(t *testing.T) {
	f := newLearnerFixture(t, 0.75)
	point := uuid.New()
	sg := f.pendingSuggestion(t, point)

	update, err := f.learner.Apply(models.FeedbackEvent{
		SuggestionID: sg.ID,
		Action:       models.FeedbackApproved,
		UserID:       "operator-1",
	})
	require.NoError(t, err)
	require.NotNil(t, update)
	assert.Equal(t, models.PatternUpdateIncreased, update.Kind)
	assert.InDelta(t, 0.75, update.OldConfidence, 1e-9)
	assert.InDelta(t, 0.80, update.NewConfidence, 1e-9)
	assert.EqualValues(t, 1, update.ExampleCount)
	assert.InDelta(t, 0.80, f.confidence(t), 1e-9)

	stored, err := f.meta.GetSuggestion(sg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SuggestionApplied, stored.Status)

	bindings, err := f.meta.ListBindings(f.pattern.ID)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, point, bindings[0].PointID)
	assert.Equal(t, "Supply Air Temperature", bindings[0].RoleName)
}

func TestRejectLowersConfidenceWithoutBindings(t *testing.T) {
	f := newLearnerFixture(t, 0.80)
	sg := f.pendingSuggestion(t, uuid.New())

	update, err := f.learner.Apply(models.FeedbackEvent{
		SuggestionID: sg.ID,
		Action:       models.FeedbackRejected,
		Reason:       "wrong equipment class",
	})
	require.NoError(t, err)
	require.NotNil(t, update)
	assert.Equal(t, models.PatternUpdateDecreased, update.Kind)
	assert.InDelta(t, 0.70, update.NewConfidence, 1e-9)
	assert.InDelta(t, 0.70, f.confidence(t), 1e-9)

	stored, err := f.meta.GetSuggestion(sg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SuggestionRejected, stored.Status)
	assert.Equal(t, "wrong equipment class", stored.RejectionReason)

	bindings, err := f.meta.ListBindings(f.pattern.ID)
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestConfidenceClampsToUnitIntervalAndFloor(t *testing.T) {
	f := newLearnerFixture(t, 0.98)
	sg := f.pendingSuggestion(t, uuid.New())
	update, err := f.learner.Apply(models.FeedbackEvent{
		SuggestionID: sg.ID,
		Action:       models.FeedbackApproved,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, update.NewConfidence, 1e-9)

	low := newLearnerFixture(t, 0.08)
	sg = low.pendingSuggestion(t, uuid.New())
	update, err = low.learner.Apply(models.FeedbackEvent{
		SuggestionID: sg.ID,
		Action:       models.FeedbackRejected,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.05, update.NewConfidence, 1e-9, "floor stops the slide")
}

func TestReplayedDecisionIsIgnored(t *testing.T) {
	f := newLearnerFixture(t, 0.75)
	sg := f.pendingSuggestion(t, uuid.New())
	fb := models.FeedbackEvent{SuggestionID: sg.ID, Action: models.FeedbackApproved}

	first, err := f.learner.Apply(fb)
	require.NoError(t, err)
	require.NotNil(t, first)

	// At-least-once delivery replays the same decision. The second pass
	// finds the suggestion resolved and changes nothing.
	second, err := f.learner.Apply(fb)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.InDelta(t, 0.80, f.confidence(t), 1e-9)
}

func TestDeferredLeavesSuggestionPending(t *testing.T) {
	f := newLearnerFixture(t, 0.75)
	sg := f.pendingSuggestion(t, uuid.New())

	update, err := f.learner.Apply(models.FeedbackEvent{
		SuggestionID:       sg.ID,
		Action:             models.FeedbackDeferred,
		ConfidenceAtAction: 0.75,
	})
	require.NoError(t, err)
	assert.Nil(t, update)
	assert.InDelta(t, 0.75, f.confidence(t), 1e-9)

	stored, err := f.meta.GetSuggestion(sg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SuggestionPending, stored.Status)

	// A later real decision still lands.
	final, err := f.learner.Apply(models.FeedbackEvent{
		SuggestionID: sg.ID,
		Action:       models.FeedbackApproved,
	})
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.InDelta(t, 0.80, final.NewConfidence, 1e-9)
}

func TestUnknownActionIsRejected(t *testing.T) {
	f := newLearnerFixture(t, 0.75)
	sg := f.pendingSuggestion(t, uuid.New())

	_, err := f.learner.Apply(models.FeedbackEvent{
		SuggestionID: sg.ID,
		Action:       models.FeedbackAction("Escalated"),
	})
	require.Error(t, err)
}
