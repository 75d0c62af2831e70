package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/tagsense/tagsense/internal/errors"
	"github.com/tagsense/tagsense/internal/models"
)

type pointRow struct {
	ID           string         `db:"id"`
	SequenceID   int64          `db:"sequence_id"`
	Name         string         `db:"name"`
	Address      string         `db:"address"`
	Description  string         `db:"description"`
	Unit         string         `db:"unit"`
	ValueType    string         `db:"value_type"`
	DataSourceID sql.NullString `db:"data_source_id"`
	CreatedAt    int64          `db:"created_at"`
	DeletedAt    sql.NullInt64  `db:"deleted_at"`
}

func (r pointRow) toModel() (models.Point, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return models.Point{}, fmt.Errorf("invalid point id %q: %w", r.ID, err)
	}
	p := models.Point{
		ID:          id,
		SequenceID:  r.SequenceID,
		Name:        r.Name,
		Address:     r.Address,
		Description: r.Description,
		Unit:        r.Unit,
		ValueType:   models.ValueType(r.ValueType),
		CreatedAt:   time.UnixMilli(r.CreatedAt).UTC(),
	}
	if r.DataSourceID.Valid {
		if dsID, err := uuid.Parse(r.DataSourceID.String); err == nil {
			p.DataSourceID = &dsID
		}
	}
	if r.DeletedAt.Valid {
		t := time.UnixMilli(r.DeletedAt.Int64).UTC()
		p.DeletedAt = &t
	}
	return p, nil
}

// CreatePoint registers a point and assigns the next sequence id. The
// sequence id is allocated exactly once; ids of deleted points are never
// reused.
func (s *Store) CreatePoint(p *models.Point) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.Get(&seq, `SELECT next FROM point_sequence WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to read point sequence: %w", err)
	}
	if _, err := tx.Exec(`UPDATE point_sequence SET next = next + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to advance point sequence: %w", err)
	}

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.SequenceID = seq
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.ValueType == "" {
		p.ValueType = models.ValueTypeFloat64
	}

	var dsID any
	if p.DataSourceID != nil {
		dsID = p.DataSourceID.String()
	}
	_, err = tx.Exec(`
		INSERT INTO points (id, sequence_id, name, address, description, unit, value_type, data_source_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID.String(), p.SequenceID, p.Name, p.Address, p.Description, p.Unit,
		string(p.ValueType), dsID, p.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert point: %w", err)
	}

	return tx.Commit()
}

// GetPointByAddress resolves a live point by its source-system address.
func (s *Store) GetPointByAddress(address string) (models.Point, error) {
	var row pointRow
	err := s.db.Get(&row, `
		SELECT * FROM points WHERE address = ? AND deleted_at IS NULL
	`, address)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Point{}, pkgerrors.ErrNotFound
	}
	if err != nil {
		return models.Point{}, err
	}
	return row.toModel()
}

// GetPoint resolves a point by id, deleted or not.
func (s *Store) GetPoint(id uuid.UUID) (models.Point, error) {
	var row pointRow
	err := s.db.Get(&row, `SELECT * FROM points WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return models.Point{}, pkgerrors.ErrNotFound
	}
	if err != nil {
		return models.Point{}, err
	}
	return row.toModel()
}

// GetPoints resolves many points by id. Missing ids are absent from the map.
func (s *Store) GetPoints(ids []uuid.UUID) (map[uuid.UUID]models.Point, error) {
	out := make(map[uuid.UUID]models.Point, len(ids))
	for _, id := range ids {
		p, err := s.GetPoint(id)
		if errors.Is(err, pkgerrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = p
	}
	return out, nil
}

// ListPoints returns all live points.
func (s *Store) ListPoints() ([]models.Point, error) {
	var rows []pointRow
	if err := s.db.Select(&rows, `
		SELECT * FROM points WHERE deleted_at IS NULL ORDER BY sequence_id
	`); err != nil {
		return nil, err
	}
	points := make([]models.Point, 0, len(rows))
	for _, r := range rows {
		p, err := r.toModel()
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

// ListPointsByDataSource returns the live points of one data source.
func (s *Store) ListPointsByDataSource(dataSourceID uuid.UUID) ([]models.Point, error) {
	var rows []pointRow
	if err := s.db.Select(&rows, `
		SELECT * FROM points WHERE data_source_id = ? AND deleted_at IS NULL ORDER BY sequence_id
	`, dataSourceID.String()); err != nil {
		return nil, err
	}
	points := make([]models.Point, 0, len(rows))
	for _, r := range rows {
		p, err := r.toModel()
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

// SoftDeletePoint marks a point deleted without removing it; historical
// samples keyed by its sequence id stay readable.
func (s *Store) SoftDeletePoint(id uuid.UUID) error {
	_, err := s.db.Exec(`
		UPDATE points SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL
	`, time.Now().UTC().UnixMilli(), id.String())
	return err
}

// UpsertDataSource inserts or updates a data source by id.
func (s *Store) UpsertDataSource(ds *models.DataSource) error {
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO data_sources (id, name, kind, config, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, kind = excluded.kind,
			config = excluded.config, status = excluded.status
	`, ds.ID.String(), ds.Name, string(ds.Kind), ds.Config, ds.Status, ds.CreatedAt.UnixMilli())
	return err
}

// ListDataSources returns all registered data sources.
func (s *Store) ListDataSources() ([]models.DataSource, error) {
	type dsRow struct {
		ID        string `db:"id"`
		Name      string `db:"name"`
		Kind      string `db:"kind"`
		Config    string `db:"config"`
		Status    string `db:"status"`
		CreatedAt int64  `db:"created_at"`
	}
	var rows []dsRow
	if err := s.db.Select(&rows, `SELECT * FROM data_sources ORDER BY name`); err != nil {
		return nil, err
	}
	out := make([]models.DataSource, 0, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			continue
		}
		out = append(out, models.DataSource{
			ID:        id,
			Name:      r.Name,
			Kind:      models.DataSourceKind(r.Kind),
			Config:    r.Config,
			Status:    r.Status,
			CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		})
	}
	return out, nil
}
