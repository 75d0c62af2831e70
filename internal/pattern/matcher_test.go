package pattern

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagsense/tagsense/internal/behavior"
	"github.com/tagsense/tagsense/internal/config"
	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/store"
)

func floatPtr(v float64) *float64 { return &v }
func int64Ptr(v int64) *int64     { return &v }

func TestNamingScoreCases(t *testing.T) {
	role := models.PatternRole{Regexes: []string{`supply.*temp`, `sat`}}

	full := namingScore(models.Point{Name: "AHU-1 SAT"}, role)
	assert.InDelta(t, 1.0, full, 1e-12, "regex hit scores 1.0")

	partial := namingScore(models.Point{Name: "supply fan speed"}, role)
	// Tokens: supply, temp, sat. Only "supply" appears: 1/3 x 0.6.
	assert.InDelta(t, 0.2, partial, 1e-12)

	noRegex := namingScore(models.Point{Name: "anything"}, models.PatternRole{})
	assert.InDelta(t, 0.5, noRegex, 1e-12)

	miss := namingScore(models.Point{Name: "chilled water pump"}, role)
	assert.InDelta(t, 0.0, miss, 1e-12)
}

func TestNamingScoreSearchesAddressAndDescription(t *testing.T) {
	role := models.PatternRole{Regexes: []string{`discharge`}}
	p := models.Point{
		Name:        "T-101",
		Address:     "ns=2;s=Plant.AHU1.DischargeTemp",
		Description: "duct sensor",
	}
	assert.InDelta(t, 1.0, namingScore(p, role), 1e-12)
}

func TestRangeScoreEnvelopeAndUnitBonus(t *testing.T) {
	role := models.PatternRole{
		TypicalMin:  floatPtr(40),
		TypicalMax:  floatPtr(70),
		TypicalUnit: "degF",
	}

	// Observed span equals the typical span: perfect base score, plus
	// the unit bonus, clamped to 1.
	b := &models.PointBehavior{SampleCount: 50, Min: 45, Max: 75}
	s := scoreRole(models.Point{Unit: "degF"}, b, role)
	require.True(t, s.hasRange)
	assert.InDelta(t, 1.0, s.rang, 1e-12)

	// Same span but escaping the widened envelope (max > 70*2) halves
	// the base score before the bonus.
	esc := &models.PointBehavior{SampleCount: 50, Min: 120, Max: 150}
	s = scoreRole(models.Point{Unit: "degC"}, esc, role)
	assert.InDelta(t, 0.5, s.rang, 1e-12)

	// No behavior: the range factor is simply absent.
	s = scoreRole(models.Point{}, nil, role)
	assert.False(t, s.hasRange)
}

func TestRateScoreDeviations(t *testing.T) {
	assert.InDelta(t, 1.0, rateScore(1000, 1000), 1e-12)
	assert.InDelta(t, 0.8, rateScore(2000, 1000), 1e-12) // |1-2|/5 = 0.2
	assert.InDelta(t, 0.0, rateScore(6000, 1000), 1e-12) // capped at 1
	assert.InDelta(t, 0.9, rateScore(500, 1000), 1e-12)  // |1-0.5|/5 = 0.1
}

func TestScoreRoleIncludesRateOnlyWithBehavior(t *testing.T) {
	role := models.PatternRole{Regexes: []string{`sat`}, TypicalRateMS: int64Ptr(60_000)}
	p := models.Point{Name: "AHU-1 SAT"}

	s := scoreRole(p, &models.PointBehavior{SampleCount: 10, MedianIntervalMS: 60_000}, role)
	require.True(t, s.hasRate)
	assert.InDelta(t, 1.0, s.rate, 1e-12)
	// naming=1 and rate=1, no range factor.
	assert.InDelta(t, 1.0, s.total(), 1e-12)

	s = scoreRole(p, nil, role)
	assert.False(t, s.hasRate)
}

func TestAssignRolesIsGreedyArgmax(t *testing.T) {
	// Two points, two roles. Point 0 scores higher on role 1 than on
	// role 0; the greedy pass must take (0,1) first, forcing (1,0).
	scores := [][]roleScore{
		{{naming: 0.6}, {naming: 0.9}},
		{{naming: 0.5}, {naming: 0.8}},
	}
	got := assignRoles(scores, 0.3)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].pointIdx)
	assert.Equal(t, 1, got[0].roleIdx)
	assert.Equal(t, 1, got[1].pointIdx)
	assert.Equal(t, 0, got[1].roleIdx)
}

func TestAssignRolesHonorsThreshold(t *testing.T) {
	scores := [][]roleScore{
		{{naming: 0.9}, {naming: 0.1}},
		{{naming: 0.2}, {naming: 0.25}},
	}
	got := assignRoles(scores, 0.3)
	require.Len(t, got, 1, "only one pairing clears min_role_score")
	assert.Equal(t, 0, got[0].pointIdx)
	assert.Equal(t, 0, got[0].roleIdx)
}

type matchFixture struct {
	meta    *store.Store
	cache   *behavior.Cache
	matcher *Matcher
}

func newMatchFixture(t *testing.T) *matchFixture {
	t.Helper()
	meta, err := store.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	cache := behavior.NewCache(time.Hour)
	matcher := NewMatcher(meta, cache, config.MatchConfig{
		WNaming:       0.35,
		WCorrelation:  0.35,
		WRange:        0.15,
		WRate:         0.15,
		MinRoleScore:  0.3,
		MinOverall:    0.4,
		MaxPerCluster: 3,
	})
	return &matchFixture{meta: meta, cache: cache, matcher: matcher}
}

func (f *matchFixture) addPoint(t *testing.T, name, unit string) models.Point {
	t.Helper()
	p := models.Point{
		ID:        uuid.New(),
		Name:      name,
		Address:   "sim/" + name,
		Unit:      unit,
		ValueType: models.ValueTypeFloat64,
	}
	require.NoError(t, f.meta.CreatePoint(&p))
	return p
}

func ahuPattern(confidence float64) *models.Pattern {
	return &models.Pattern{
		Name:       "Air Handling Unit",
		Confidence: confidence,
		Active:     true,
		System:     true,
		Roles: []models.PatternRole{
			{Name: "Supply Air Temperature", Regexes: []string{`sat`, `supply.*temp`}, SortOrder: 0, Required: true},
			{Name: "Return Air Temperature", Regexes: []string{`rat`, `return.*temp`}, SortOrder: 1, Required: true},
			{Name: "Supply Fan Status", Regexes: []string{`fan.*status`}, SortOrder: 2},
		},
	}
}

func TestMatchEmitsSuggestionWithRoleAssignments(t *testing.T) {
	f := newMatchFixture(t)
	pat := ahuPattern(0.75)
	require.NoError(t, f.meta.CreatePattern(pat))

	sat := f.addPoint(t, "AHU-1 SAT", "degF")
	rat := f.addPoint(t, "AHU-1 RAT", "degF")
	fan := f.addPoint(t, "AHU-1 Fan Status", "")

	ev := models.ClusterEvent{
		ClusterID: "cl-1",
		Source:    "continuous",
		PointIDs:  []uuid.UUID{sat.ID, rat.ID, fan.ID},
		Cohesion:  0.88,
	}
	suggestions, err := f.matcher.Match(ev)
	require.NoError(t, err)
	require.Len(t, suggestions, 1)

	sg := suggestions[0]
	assert.Equal(t, pat.ID, sg.PatternID)
	assert.Equal(t, models.SuggestionPending, sg.Status)
	assert.Equal(t, "Supply Air Temperature", sg.RoleAssignments[sat.ID])
	assert.Equal(t, "Return Air Temperature", sg.RoleAssignments[rat.ID])
	assert.Equal(t, "Supply Fan Status", sg.RoleAssignments[fan.ID])
	assert.GreaterOrEqual(t, sg.Overall, 0.4)
	assert.InDelta(t, 1.0, sg.NamingScore, 1e-12, "all three names hit their regexes")
	assert.NotEmpty(t, sg.Evidence)

	// Persisted and readable back as pending.
	stored, err := f.meta.GetSuggestion(sg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SuggestionPending, stored.Status)
}

func TestMatchSkipsPatternMissingRequiredRole(t *testing.T) {
	f := newMatchFixture(t)
	require.NoError(t, f.meta.CreatePattern(ahuPattern(0.9)))

	// No return-air point: the required RAT role cannot be filled.
	sat := f.addPoint(t, "AHU-2 SAT", "degF")
	fan := f.addPoint(t, "AHU-2 Fan Status", "")

	suggestions, err := f.matcher.Match(models.ClusterEvent{
		ClusterID: "cl-2",
		PointIDs:  []uuid.UUID{sat.ID, fan.ID},
		Cohesion:  0.9,
	})
	require.NoError(t, err)
	assert.Empty(t, suggestions)
}

func TestMatchConfidenceScalesOverall(t *testing.T) {
	f := newMatchFixture(t)
	pat := ahuPattern(0.75)
	require.NoError(t, f.meta.CreatePattern(pat))

	sat := f.addPoint(t, "AHU-3 SAT", "degF")
	rat := f.addPoint(t, "AHU-3 RAT", "degF")
	fan := f.addPoint(t, "AHU-3 Fan Status", "")
	ev := models.ClusterEvent{
		ClusterID: "cl-3",
		PointIDs:  []uuid.UUID{sat.ID, rat.ID, fan.ID},
		Cohesion:  0.88,
	}

	first, err := f.matcher.Match(ev)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// All three roles assigned, naming 1.0, no range/rate factors:
	// overall = (0.35*1 + 0.35*0.88) * (0.5 + 0.5*1) * 0.75.
	expected := (0.35*1 + 0.35*0.88) * 1.0 * 0.75
	assert.InDelta(t, expected, first[0].Overall, 1e-9)
}

func TestMatchHonorsMinOverall(t *testing.T) {
	f := newMatchFixture(t)
	// Low confidence drags overall below the 0.4 floor.
	require.NoError(t, f.meta.CreatePattern(ahuPattern(0.2)))

	sat := f.addPoint(t, "AHU-4 SAT", "degF")
	rat := f.addPoint(t, "AHU-4 RAT", "degF")
	fan := f.addPoint(t, "AHU-4 Fan Status", "")

	suggestions, err := f.matcher.Match(models.ClusterEvent{
		ClusterID: "cl-4",
		PointIDs:  []uuid.UUID{sat.ID, rat.ID, fan.ID},
		Cohesion:  0.88,
	})
	require.NoError(t, err)
	assert.Empty(t, suggestions)
}

func TestMatchUsesBehaviorRangeFactor(t *testing.T) {
	f := newMatchFixture(t)
	pat := ahuPattern(0.9)
	// Give the SAT role a typical envelope so the range factor engages.
	pat.Roles[0].TypicalMin = floatPtr(45)
	pat.Roles[0].TypicalMax = floatPtr(75)
	pat.Roles[0].TypicalUnit = "degF"
	require.NoError(t, f.meta.CreatePattern(pat))

	sat := f.addPoint(t, "AHU-5 SAT", "degF")
	rat := f.addPoint(t, "AHU-5 RAT", "degF")
	fan := f.addPoint(t, "AHU-5 Fan Status", "")
	f.cache.Put(models.PointBehavior{
		PointID:     sat.ID,
		SampleCount: 120,
		Min:         50,
		Max:         80,
	})

	suggestions, err := f.matcher.Match(models.ClusterEvent{
		ClusterID: "cl-5",
		PointIDs:  []uuid.UUID{sat.ID, rat.ID, fan.ID},
		Cohesion:  0.85,
	})
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	// Span 30 matches the typical span and units agree: clamped to 1.
	assert.InDelta(t, 1.0, suggestions[0].RangeScore, 1e-12)
}
