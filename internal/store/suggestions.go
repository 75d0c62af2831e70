package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/tagsense/tagsense/internal/errors"
	"github.com/tagsense/tagsense/internal/models"
)

type suggestionRow struct {
	ID               string        `db:"id"`
	ClusterID        string        `db:"cluster_id"`
	PatternID        string        `db:"pattern_id"`
	PatternName      string        `db:"pattern_name"`
	Overall          float64       `db:"overall"`
	NamingScore      float64       `db:"naming_score"`
	CorrelationScore float64       `db:"correlation_score"`
	RangeScore       float64       `db:"range_score"`
	RateScore        float64       `db:"rate_score"`
	MatchedPoints    string        `db:"matched_points"`
	RoleAssignments  string        `db:"role_assignments"`
	Evidence         string        `db:"evidence"`
	Status           string        `db:"status"`
	RejectionReason  string        `db:"rejection_reason"`
	CreatedAt        int64         `db:"created_at"`
	ResolvedAt       sql.NullInt64 `db:"resolved_at"`
}

func (r suggestionRow) toModel() (models.Suggestion, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return models.Suggestion{}, err
	}
	patternID, err := uuid.Parse(r.PatternID)
	if err != nil {
		return models.Suggestion{}, err
	}
	sg := models.Suggestion{
		ID:               id,
		ClusterID:        r.ClusterID,
		PatternID:        patternID,
		PatternName:      r.PatternName,
		Overall:          r.Overall,
		NamingScore:      r.NamingScore,
		CorrelationScore: r.CorrelationScore,
		RangeScore:       r.RangeScore,
		RateScore:        r.RateScore,
		Status:           models.SuggestionStatus(r.Status),
		RejectionReason:  r.RejectionReason,
		CreatedAt:        time.UnixMilli(r.CreatedAt).UTC(),
	}
	if r.ResolvedAt.Valid {
		t := time.UnixMilli(r.ResolvedAt.Int64).UTC()
		sg.ResolvedAt = &t
	}
	var pointStrs []string
	if err := json.Unmarshal([]byte(r.MatchedPoints), &pointStrs); err != nil {
		return models.Suggestion{}, fmt.Errorf("invalid matched_points: %w", err)
	}
	for _, ps := range pointStrs {
		pid, err := uuid.Parse(ps)
		if err != nil {
			return models.Suggestion{}, err
		}
		sg.MatchedPoints = append(sg.MatchedPoints, pid)
	}
	assignments := map[string]string{}
	if err := json.Unmarshal([]byte(r.RoleAssignments), &assignments); err != nil {
		return models.Suggestion{}, fmt.Errorf("invalid role_assignments: %w", err)
	}
	sg.RoleAssignments = make(map[uuid.UUID]string, len(assignments))
	for ps, role := range assignments {
		pid, err := uuid.Parse(ps)
		if err != nil {
			return models.Suggestion{}, err
		}
		sg.RoleAssignments[pid] = role
	}
	if err := json.Unmarshal([]byte(r.Evidence), &sg.Evidence); err != nil {
		return models.Suggestion{}, fmt.Errorf("invalid evidence: %w", err)
	}
	return sg, nil
}

// InsertSuggestion persists a new pending suggestion.
func (s *Store) InsertSuggestion(sg *models.Suggestion) error {
	if sg.ID == uuid.Nil {
		sg.ID = uuid.New()
	}
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now().UTC()
	}
	if sg.Status == "" {
		sg.Status = models.SuggestionPending
	}

	points := make([]string, len(sg.MatchedPoints))
	for i, p := range sg.MatchedPoints {
		points[i] = p.String()
	}
	matched, err := json.Marshal(points)
	if err != nil {
		return err
	}
	assignments := make(map[string]string, len(sg.RoleAssignments))
	for pid, role := range sg.RoleAssignments {
		assignments[pid.String()] = role
	}
	roles, err := json.Marshal(assignments)
	if err != nil {
		return err
	}
	evidence, err := json.Marshal(sg.Evidence)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO pattern_suggestions (id, cluster_id, pattern_id, pattern_name,
			overall, naming_score, correlation_score, range_score, rate_score,
			matched_points, role_assignments, evidence, status, rejection_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sg.ID.String(), sg.ClusterID, sg.PatternID.String(), sg.PatternName,
		sg.Overall, sg.NamingScore, sg.CorrelationScore, sg.RangeScore, sg.RateScore,
		string(matched), string(roles), string(evidence), string(sg.Status),
		sg.RejectionReason, sg.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert suggestion: %w", err)
	}
	return nil
}

// GetSuggestion loads one suggestion.
func (s *Store) GetSuggestion(id uuid.UUID) (models.Suggestion, error) {
	var row suggestionRow
	err := s.db.Get(&row, `SELECT * FROM pattern_suggestions WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return models.Suggestion{}, pkgerrors.ErrNotFound
	}
	if err != nil {
		return models.Suggestion{}, err
	}
	return row.toModel()
}

// ExpireSuggestions moves pending suggestions older than maxAge to expired.
func (s *Store) ExpireSuggestions(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UTC().UnixMilli()
	res, err := s.db.Exec(`
		UPDATE pattern_suggestions
		SET status = ?, resolved_at = ?
		WHERE status = ? AND created_at < ?
	`, string(models.SuggestionExpired), time.Now().UTC().UnixMilli(),
		string(models.SuggestionPending), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FeedbackOutcome reports the atomic feedback application.
type FeedbackOutcome struct {
	OldConfidence float64
	NewConfidence float64
	ExampleCount  int64
	Pattern       uuid.UUID
}

// ApplyFeedback runs the feedback transition in a single transaction:
// status check, confidence delta with clamping, feedback log append,
// suggestion status update, and binding upserts on approval. The caller
// publishes the patterns.updated event only after this commits.
func (s *Store) ApplyFeedback(fb models.FeedbackEvent, delta, floor float64) (FeedbackOutcome, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return FeedbackOutcome{}, err
	}
	defer tx.Rollback()

	var row suggestionRow
	err = tx.Get(&row, `SELECT * FROM pattern_suggestions WHERE id = ?`, fb.SuggestionID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return FeedbackOutcome{}, pkgerrors.ErrNotFound
	}
	if err != nil {
		return FeedbackOutcome{}, err
	}
	sg, err := row.toModel()
	if err != nil {
		return FeedbackOutcome{}, err
	}
	if sg.Status != models.SuggestionPending {
		return FeedbackOutcome{}, fmt.Errorf("%w: suggestion %s is %s",
			pkgerrors.ErrNotPending, sg.ID, sg.Status)
	}

	var old float64
	if err := tx.Get(&old, `SELECT confidence FROM patterns WHERE id = ?`, sg.PatternID.String()); err != nil {
		return FeedbackOutcome{}, fmt.Errorf("failed to load pattern confidence: %w", err)
	}
	updated := old + delta
	if updated > 1.0 {
		updated = 1.0
	}
	if updated < floor {
		updated = floor
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(`
		UPDATE patterns SET confidence = ?, updated_at = ? WHERE id = ?
	`, updated, now.UnixMilli(), sg.PatternID.String()); err != nil {
		return FeedbackOutcome{}, fmt.Errorf("failed to update confidence: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO pattern_feedback_log (suggestion_id, pattern_id, action, user_id, reason, confidence_at_action, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sg.ID.String(), sg.PatternID.String(), string(fb.Action), fb.UserID, fb.Reason,
		old, now.UnixMilli()); err != nil {
		return FeedbackOutcome{}, fmt.Errorf("failed to append feedback record: %w", err)
	}

	status := models.SuggestionRejected
	if fb.Action == models.FeedbackApproved {
		status = models.SuggestionApplied
	}
	if _, err := tx.Exec(`
		UPDATE pattern_suggestions SET status = ?, rejection_reason = ?, resolved_at = ? WHERE id = ?
	`, string(status), fb.Reason, now.UnixMilli(), sg.ID.String()); err != nil {
		return FeedbackOutcome{}, fmt.Errorf("failed to update suggestion status: %w", err)
	}

	if fb.Action == models.FeedbackApproved {
		for pointID, roleName := range sg.RoleAssignments {
			if _, err := tx.Exec(`
				INSERT INTO point_pattern_bindings (point_id, pattern_id, role_name, created_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (point_id, pattern_id) DO UPDATE SET role_name = excluded.role_name
			`, pointID.String(), sg.PatternID.String(), roleName, now.UnixMilli()); err != nil {
				return FeedbackOutcome{}, fmt.Errorf("failed to upsert binding: %w", err)
			}
		}
	}

	var examples int64
	if err := tx.Get(&examples, `
		SELECT COUNT(*) FROM pattern_feedback_log WHERE pattern_id = ?
	`, sg.PatternID.String()); err != nil {
		return FeedbackOutcome{}, err
	}

	if err := tx.Commit(); err != nil {
		return FeedbackOutcome{}, err
	}
	return FeedbackOutcome{
		OldConfidence: old,
		NewConfidence: updated,
		ExampleCount:  examples,
		Pattern:       sg.PatternID,
	}, nil
}

// MarkDeferred logs a deferred decision without changing the suggestion.
func (s *Store) MarkDeferred(fb models.FeedbackEvent, confidence float64) error {
	_, err := s.db.Exec(`
		INSERT INTO pattern_feedback_log (suggestion_id, pattern_id, action, user_id, reason, confidence_at_action, at)
		SELECT id, pattern_id, ?, ?, ?, ?, ?
		FROM pattern_suggestions WHERE id = ?
	`, string(models.FeedbackDeferred), fb.UserID, fb.Reason, confidence,
		time.Now().UTC().UnixMilli(), fb.SuggestionID.String())
	return err
}
