package models

import (
	"time"

	"github.com/google/uuid"
)

// CorrelationEvent announces points newly linked by one correlation pass.
// Published on correlations.updated.
type CorrelationEvent struct {
	BatchID            string      `json:"batchId"`
	PointIDs           []uuid.UUID `json:"points"`
	AverageCorrelation float64     `json:"averageCorrelation"`
	ProducedAt         time.Time   `json:"producedAt"`
}

// ClusterEvent is published on clusters.created.
type ClusterEvent struct {
	ClusterID  string      `json:"clusterId"`
	Source     string      `json:"source"` // "continuous" or "scheduled"
	PointIDs   []uuid.UUID `json:"pointIds"`
	Cohesion   float64     `json:"cohesion"`
	MinR       float64     `json:"minR"`
	MaxR       float64     `json:"maxR"`
	ProducedAt time.Time   `json:"producedAt"`
}

// SuggestionEvent is published on suggestions.created.
type SuggestionEvent struct {
	SuggestionID uuid.UUID `json:"suggestionId"`
	ClusterID    string    `json:"clusterId"`
	PatternID    uuid.UUID `json:"patternId"`
	PatternName  string    `json:"patternName"`
	Overall      float64   `json:"overall"`
	Naming       float64   `json:"naming"`
	Correlation  float64   `json:"correlation"`
	Range        float64   `json:"range"`
	Rate         float64   `json:"rate"`
	Evidence     []string  `json:"evidence"`
	PointCount   int       `json:"pointCount"`
	ProducedAt   time.Time `json:"producedAt"`
}

// FeedbackEvent is the operator decision as delivered on patterns.feedback.
type FeedbackEvent struct {
	SuggestionID       uuid.UUID      `json:"suggestionId"`
	Action             FeedbackAction `json:"action"`
	UserID             string         `json:"userId,omitempty"`
	Reason             string         `json:"reason,omitempty"`
	ConfidenceAtAction float64        `json:"confidenceAtAction"`
}

// PatternUpdateKind tags the direction of a confidence change.
type PatternUpdateKind string

const (
	PatternUpdateIncreased PatternUpdateKind = "IncreasedConfidence"
	PatternUpdateDecreased PatternUpdateKind = "DecreasedConfidence"
)

// PatternUpdatedEvent is published on patterns.updated after the metadata
// commit. Subscribers are best-effort consumers; a crash between commit
// and publish loses at most this one notification.
type PatternUpdatedEvent struct {
	PatternID     uuid.UUID         `json:"patternId"`
	Kind          PatternUpdateKind `json:"kind"`
	OldConfidence float64           `json:"oldConfidence"`
	NewConfidence float64           `json:"newConfidence"`
	ExampleCount  int64             `json:"exampleCount"`
	ProducedAt    time.Time         `json:"producedAt"`
}
