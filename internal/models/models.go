// Package models holds the core entities shared across the pipeline.
// Entities reference each other by id only; records are resolved on demand
// through the stores, never linked at construction time.
package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValueType enumerates the native types a point can carry.
type ValueType string

const (
	ValueTypeFloat64 ValueType = "float64"
	ValueTypeInt32   ValueType = "int32"
	ValueTypeInt64   ValueType = "int64"
	ValueTypeBool    ValueType = "bool"
	ValueTypeString  ValueType = "string"
)

// IsNumeric reports whether values of this type convert to float64.
func (v ValueType) IsNumeric() bool {
	switch v {
	case ValueTypeFloat64, ValueTypeInt32, ValueTypeInt64, ValueTypeBool:
		return true
	}
	return false
}

// Quality is the sample quality flag, preserved end-to-end.
type Quality string

const (
	QualityGood        Quality = "Good"
	QualityBad         Quality = "Bad"
	QualityUncertain   Quality = "Uncertain"
	QualitySubstituted Quality = "Substituted"
)

// Point is an addressable measurement. SequenceID is assigned exactly once,
// never reused, and is the key inside the time-series store.
type Point struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	SequenceID   int64      `db:"sequence_id" json:"sequenceId"`
	Name         string     `db:"name" json:"name"`
	Address      string     `db:"address" json:"address"`
	Description  string     `db:"description" json:"description,omitempty"`
	Unit         string     `db:"unit" json:"unit,omitempty"`
	ValueType    ValueType  `db:"value_type" json:"valueType"`
	DataSourceID *uuid.UUID `db:"data_source_id" json:"dataSourceId,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	DeletedAt    *time.Time `db:"deleted_at" json:"deletedAt,omitempty"`
}

// DataSourceKind distinguishes adapter variants.
type DataSourceKind string

const (
	DataSourceKindPull   DataSourceKind = "pull"
	DataSourceKindPush   DataSourceKind = "push"
	DataSourceKindReplay DataSourceKind = "replay"
	DataSourceKindSim    DataSourceKind = "sim"
)

// DataSource is a logical connection target for one adapter instance.
type DataSource struct {
	ID        uuid.UUID      `db:"id" json:"id"`
	Name      string         `db:"name" json:"name"`
	Kind      DataSourceKind `db:"kind" json:"kind"`
	Config    string         `db:"config" json:"config,omitempty"` // opaque JSON blob
	Status    string         `db:"status" json:"status"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
}

// Sample is one resolved measurement keyed by sequence id.
// Timestamp is always UTC.
type Sample struct {
	SequenceID int64     `json:"sequenceId"`
	Timestamp  time.Time `json:"timestamp"`
	Value      float64   `json:"value"`
	Quality    Quality   `json:"quality"`
}

// RawSample is one unresolved measurement as produced by an adapter.
type RawSample struct {
	Address   string    `json:"address"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestampUtc"`
	Value     float64   `json:"value"`
	Quality   Quality   `json:"quality"`
	Units     string    `json:"units,omitempty"`
}

// RawSampleBatch is the unit adapters put on the bus. Ordered, non-empty.
type RawSampleBatch struct {
	BatchID      string      `json:"batchId"`
	DataSourceID uuid.UUID   `json:"dataSourceId"`
	ProducedAt   time.Time   `json:"producedAt"`
	Points       []RawSample `json:"points"`
}

// DiscoveredPoint is an adapter discovery result.
type DiscoveredPoint struct {
	Address     string            `json:"address"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Units       string            `json:"units,omitempty"`
	ValueType   ValueType         `json:"valueType"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// PointBehavior is the sliding-window summary of a point. Derived; only the
// latest per point lives in the behavior cache.
type PointBehavior struct {
	PointID          uuid.UUID `json:"pointId"`
	SequenceID       int64     `json:"pointSequenceId"`
	SampleCount      int64     `json:"sampleCount"`
	WindowStart      time.Time `json:"windowStart"`
	WindowEnd        time.Time `json:"windowEnd"`
	Mean             float64   `json:"mean"`
	StdDev           float64   `json:"stddev"`
	Min              float64   `json:"min"`
	Max              float64   `json:"max"`
	MedianIntervalMS float64   `json:"medianIntervalMs"`
	P95IntervalMS    float64   `json:"p95IntervalMs"`
	ZeroCount        int64     `json:"zeroCount"`
	GoodRatio        float64   `json:"goodRatio"`
	ChangeFrequency  float64   `json:"changeFrequency"`
	ProducedAt       time.Time `json:"producedAt"`
}

// UpdateRateHz derives the publish-wire rate from the median interval.
func (b PointBehavior) UpdateRateHz() float64 {
	if b.MedianIntervalMS <= 0 {
		return 0
	}
	return 1000.0 / b.MedianIntervalMS
}

// PairCorrelation holds the current correlation for a canonical point pair.
type PairCorrelation struct {
	PointA      uuid.UUID `db:"point_id_1" json:"pointA"`
	PointB      uuid.UUID `db:"point_id_2" json:"pointB"`
	R           float64   `db:"r" json:"r"`
	SampleCount int       `db:"sample_count" json:"sampleCount"`
	WindowStart time.Time `db:"window_start" json:"windowStart"`
	WindowEnd   time.Time `db:"window_end" json:"windowEnd"`
	LagMS       *int64    `db:"lag_ms" json:"lagMs,omitempty"`
	ALeads      bool      `db:"a_leads" json:"aLeads"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// CanonicalPair orders two point ids byte-wise on their string form,
// smaller first. UUIDs have no domain ordering, so the serialized form is
// the canonical comparator.
func CanonicalPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if strings.Compare(a.String(), b.String()) <= 0 {
		return a, b
	}
	return b, a
}

// Cluster is a detected set of strongly correlated points.
type Cluster struct {
	ID          string      `db:"id" json:"id"`
	Source      string      `db:"source" json:"source"` // "continuous" or "scheduled"
	PointIDs    []uuid.UUID `json:"pointIds"`
	AvgCohesion float64     `db:"avg_cohesion" json:"avgCohesion"`
	MinR        float64     `db:"min_r" json:"minR"`
	MaxR        float64     `db:"max_r" json:"maxR"`
	Algorithm   string      `db:"algorithm" json:"algorithm"`
	DetectedAt  time.Time   `db:"detected_at" json:"detectedAt"`
	ExpiresAt   time.Time   `db:"expires_at" json:"expiresAt"`
}

// MemberKey returns the deterministic dedupe key: sorted member ids joined.
func (c Cluster) MemberKey() string {
	ids := make([]string, len(c.PointIDs))
	for i, id := range c.PointIDs {
		ids[i] = id.String()
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// PatternRole is one named role inside a pattern.
type PatternRole struct {
	ID            uuid.UUID `db:"id" json:"id"`
	PatternID     uuid.UUID `db:"pattern_id" json:"patternId"`
	Name          string    `db:"name" json:"name"`
	Regexes       []string  `json:"regexes,omitempty"`
	TypicalUnit   string    `db:"typical_unit" json:"typicalUnit,omitempty"`
	TypicalMin    *float64  `db:"typical_min" json:"typicalMin,omitempty"`
	TypicalMax    *float64  `db:"typical_max" json:"typicalMax,omitempty"`
	TypicalRateMS *int64    `db:"typical_rate_ms" json:"typicalRateMs,omitempty"`
	Required      bool      `db:"required" json:"required"`
	SortOrder     int       `db:"sort_order" json:"sortOrder"`
}

// Pattern is a named equipment archetype with an operator-trained confidence.
type Pattern struct {
	ID         uuid.UUID     `db:"id" json:"id"`
	Name       string        `db:"name" json:"name"`
	Confidence float64       `db:"confidence" json:"confidence"`
	Active     bool          `db:"active" json:"active"`
	System     bool          `db:"system" json:"system"` // system-seeded vs learned
	Roles      []PatternRole `json:"roles"`
	CreatedAt  time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time     `db:"updated_at" json:"updatedAt"`
}

// SuggestionStatus is the lifecycle state of a suggestion. Transitions only
// move from pending to a terminal state.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionApplied  SuggestionStatus = "applied"
	SuggestionRejected SuggestionStatus = "rejected"
	SuggestionDeferred SuggestionStatus = "deferred"
	SuggestionExpired  SuggestionStatus = "expired"
)

// IsTerminal reports whether the status admits no further transition.
func (s SuggestionStatus) IsTerminal() bool { return s != SuggestionPending }

// Suggestion proposes binding a cluster to a pattern. RoleAssignments maps
// point id to role name, injective in both directions.
type Suggestion struct {
	ID               uuid.UUID            `db:"id" json:"id"`
	ClusterID        string               `db:"cluster_id" json:"clusterId"`
	PatternID        uuid.UUID            `db:"pattern_id" json:"patternId"`
	PatternName      string               `db:"pattern_name" json:"patternName"`
	Overall          float64              `db:"overall" json:"overall"`
	NamingScore      float64              `db:"naming_score" json:"naming"`
	CorrelationScore float64              `db:"correlation_score" json:"correlation"`
	RangeScore       float64              `db:"range_score" json:"range"`
	RateScore        float64              `db:"rate_score" json:"rate"`
	MatchedPoints    []uuid.UUID          `json:"matchedPoints"`
	RoleAssignments  map[uuid.UUID]string `json:"roleAssignments"`
	Evidence         []string             `json:"evidence"`
	Status           SuggestionStatus     `db:"status" json:"status"`
	RejectionReason  string               `db:"rejection_reason" json:"rejectionReason,omitempty"`
	CreatedAt        time.Time            `db:"created_at" json:"createdAt"`
	ResolvedAt       *time.Time           `db:"resolved_at" json:"resolvedAt,omitempty"`
}

// PatternBinding is a confirmed (point, pattern, role) link, unique by
// (point, pattern).
type PatternBinding struct {
	PointID   uuid.UUID `db:"point_id" json:"pointId"`
	PatternID uuid.UUID `db:"pattern_id" json:"patternId"`
	RoleName  string    `db:"role_name" json:"roleName"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// FeedbackAction is an operator decision on a suggestion.
type FeedbackAction string

const (
	FeedbackApproved FeedbackAction = "Approved"
	FeedbackRejected FeedbackAction = "Rejected"
	FeedbackDeferred FeedbackAction = "Deferred"
)

// FeedbackRecord is one appended operator decision. Never mutated.
type FeedbackRecord struct {
	ID                 int64          `db:"id" json:"id"`
	SuggestionID       uuid.UUID      `db:"suggestion_id" json:"suggestionId"`
	PatternID          uuid.UUID      `db:"pattern_id" json:"patternId"`
	Action             FeedbackAction `db:"action" json:"action"`
	UserID             string         `db:"user_id" json:"userId,omitempty"`
	Reason             string         `db:"reason" json:"reason,omitempty"`
	ConfidenceAtAction float64        `db:"confidence_at_action" json:"confidenceAtAction"`
	At                 time.Time      `db:"at" json:"at"`
}
