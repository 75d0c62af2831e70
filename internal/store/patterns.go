package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	pkgerrors "github.com/tagsense/tagsense/internal/errors"
	"github.com/tagsense/tagsense/internal/models"
)

type patternRow struct {
	ID         string  `db:"id"`
	Name       string  `db:"name"`
	Confidence float64 `db:"confidence"`
	Active     bool    `db:"active"`
	System     bool    `db:"system"`
	CreatedAt  int64   `db:"created_at"`
	UpdatedAt  int64   `db:"updated_at"`
}

type roleRow struct {
	ID            string          `db:"id"`
	PatternID     string          `db:"pattern_id"`
	Name          string          `db:"name"`
	Regexes       string          `db:"regexes"`
	TypicalUnit   string          `db:"typical_unit"`
	TypicalMin    sql.NullFloat64 `db:"typical_min"`
	TypicalMax    sql.NullFloat64 `db:"typical_max"`
	TypicalRateMS sql.NullInt64   `db:"typical_rate_ms"`
	Required      bool            `db:"required"`
	SortOrder     int             `db:"sort_order"`
}

func (r roleRow) toModel() (models.PatternRole, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return models.PatternRole{}, err
	}
	patternID, err := uuid.Parse(r.PatternID)
	if err != nil {
		return models.PatternRole{}, err
	}
	role := models.PatternRole{
		ID:          id,
		PatternID:   patternID,
		Name:        r.Name,
		TypicalUnit: r.TypicalUnit,
		Required:    r.Required,
		SortOrder:   r.SortOrder,
	}
	if err := json.Unmarshal([]byte(r.Regexes), &role.Regexes); err != nil {
		return models.PatternRole{}, fmt.Errorf("invalid role regexes: %w", err)
	}
	if r.TypicalMin.Valid {
		v := r.TypicalMin.Float64
		role.TypicalMin = &v
	}
	if r.TypicalMax.Valid {
		v := r.TypicalMax.Float64
		role.TypicalMax = &v
	}
	if r.TypicalRateMS.Valid {
		v := r.TypicalRateMS.Int64
		role.TypicalRateMS = &v
	}
	return role, nil
}

// CreatePattern inserts a pattern and its roles.
func (s *Store) CreatePattern(p *models.Pattern) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err = tx.Exec(`
		INSERT INTO patterns (id, name, confidence, active, system, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID.String(), p.Name, p.Confidence, p.Active, p.System,
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert pattern: %w", err)
	}

	for i := range p.Roles {
		role := &p.Roles[i]
		if role.ID == uuid.Nil {
			role.ID = uuid.New()
		}
		role.PatternID = p.ID
		if err := insertRole(tx, role); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertRole(tx *sqlx.Tx, role *models.PatternRole) error {
	regexes, err := json.Marshal(role.Regexes)
	if err != nil {
		return err
	}
	var tmin, tmax, trate any
	if role.TypicalMin != nil {
		tmin = *role.TypicalMin
	}
	if role.TypicalMax != nil {
		tmax = *role.TypicalMax
	}
	if role.TypicalRateMS != nil {
		trate = *role.TypicalRateMS
	}
	_, err = tx.Exec(`
		INSERT INTO pattern_roles (id, pattern_id, name, regexes, typical_unit,
			typical_min, typical_max, typical_rate_ms, required, sort_order)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, role.ID.String(), role.PatternID.String(), role.Name, string(regexes),
		role.TypicalUnit, tmin, tmax, trate, role.Required, role.SortOrder)
	if err != nil {
		return fmt.Errorf("failed to insert role %q: %w", role.Name, err)
	}
	return nil
}

// GetPattern loads one pattern with roles.
func (s *Store) GetPattern(id uuid.UUID) (models.Pattern, error) {
	var row patternRow
	err := s.db.Get(&row, `SELECT * FROM patterns WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return models.Pattern{}, pkgerrors.ErrNotFound
	}
	if err != nil {
		return models.Pattern{}, err
	}
	return s.assemblePattern(row)
}

// ListActivePatterns loads every active pattern with its roles, ordered by
// role sort order.
func (s *Store) ListActivePatterns() ([]models.Pattern, error) {
	var rows []patternRow
	if err := s.db.Select(&rows, `SELECT * FROM patterns WHERE active = 1 ORDER BY name`); err != nil {
		return nil, err
	}
	patterns := make([]models.Pattern, 0, len(rows))
	for _, row := range rows {
		p, err := s.assemblePattern(row)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

func (s *Store) assemblePattern(row patternRow) (models.Pattern, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return models.Pattern{}, err
	}
	p := models.Pattern{
		ID:         id,
		Name:       row.Name,
		Confidence: row.Confidence,
		Active:     row.Active,
		System:     row.System,
		CreatedAt:  time.UnixMilli(row.CreatedAt).UTC(),
		UpdatedAt:  time.UnixMilli(row.UpdatedAt).UTC(),
	}

	var roleRows []roleRow
	if err := s.db.Select(&roleRows, `
		SELECT * FROM pattern_roles WHERE pattern_id = ? ORDER BY sort_order, name
	`, row.ID); err != nil {
		return models.Pattern{}, err
	}
	for _, rr := range roleRows {
		role, err := rr.toModel()
		if err != nil {
			return models.Pattern{}, err
		}
		p.Roles = append(p.Roles, role)
	}
	return p, nil
}

// SnapshotConfidences appends the current confidence of every pattern to
// the snapshot table.
func (s *Store) SnapshotConfidences() error {
	_, err := s.db.Exec(`
		INSERT INTO pattern_confidence_snapshots (pattern_id, confidence, at)
		SELECT id, confidence, ? FROM patterns
	`, time.Now().UTC().UnixMilli())
	return err
}

// ListBindings returns all bindings for a pattern.
func (s *Store) ListBindings(patternID uuid.UUID) ([]models.PatternBinding, error) {
	type bindingRow struct {
		PointID   string `db:"point_id"`
		PatternID string `db:"pattern_id"`
		RoleName  string `db:"role_name"`
		CreatedAt int64  `db:"created_at"`
	}
	var rows []bindingRow
	if err := s.db.Select(&rows, `
		SELECT * FROM point_pattern_bindings WHERE pattern_id = ? ORDER BY role_name
	`, patternID.String()); err != nil {
		return nil, err
	}
	out := make([]models.PatternBinding, 0, len(rows))
	for _, r := range rows {
		pointID, err := uuid.Parse(r.PointID)
		if err != nil {
			continue
		}
		out = append(out, models.PatternBinding{
			PointID:   pointID,
			PatternID: patternID,
			RoleName:  r.RoleName,
			CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		})
	}
	return out, nil
}
