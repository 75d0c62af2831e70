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

type clusterRow struct {
	ID          string  `db:"id"`
	MemberKey   string  `db:"member_key"`
	Source      string  `db:"source"`
	PointIDs    string  `db:"point_ids"`
	AvgCohesion float64 `db:"avg_cohesion"`
	MinR        float64 `db:"min_r"`
	MaxR        float64 `db:"max_r"`
	Algorithm   string  `db:"algorithm"`
	DetectedAt  int64   `db:"detected_at"`
	ExpiresAt   int64   `db:"expires_at"`
}

func (r clusterRow) toModel() (models.Cluster, error) {
	c := models.Cluster{
		ID:          r.ID,
		Source:      r.Source,
		AvgCohesion: r.AvgCohesion,
		MinR:        r.MinR,
		MaxR:        r.MaxR,
		Algorithm:   r.Algorithm,
		DetectedAt:  time.UnixMilli(r.DetectedAt).UTC(),
		ExpiresAt:   time.UnixMilli(r.ExpiresAt).UTC(),
	}
	var ids []string
	if err := json.Unmarshal([]byte(r.PointIDs), &ids); err != nil {
		return models.Cluster{}, fmt.Errorf("invalid cluster members: %w", err)
	}
	for _, s := range ids {
		id, err := uuid.Parse(s)
		if err != nil {
			return models.Cluster{}, err
		}
		c.PointIDs = append(c.PointIDs, id)
	}
	return c, nil
}

// UpsertCluster stores a cluster keyed by its deterministic member key.
// Re-detection of the same member set updates cohesion and timestamps in
// place, keeping the original cluster id.
func (s *Store) UpsertCluster(c *models.Cluster) error {
	ids := make([]string, len(c.PointIDs))
	for i, id := range c.PointIDs {
		ids[i] = id.String()
	}
	members, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO behavioral_clusters (id, member_key, source, point_ids,
			avg_cohesion, min_r, max_r, algorithm, detected_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (member_key) DO UPDATE SET
			source = excluded.source,
			avg_cohesion = excluded.avg_cohesion,
			min_r = excluded.min_r,
			max_r = excluded.max_r,
			algorithm = excluded.algorithm,
			detected_at = excluded.detected_at,
			expires_at = excluded.expires_at
	`, c.ID, c.MemberKey(), c.Source, string(members), c.AvgCohesion, c.MinR, c.MaxR,
		c.Algorithm, c.DetectedAt.UnixMilli(), c.ExpiresAt.UnixMilli())
	return err
}

// GetCluster loads a cluster by id.
func (s *Store) GetCluster(id string) (models.Cluster, error) {
	var row clusterRow
	err := s.db.Get(&row, `SELECT * FROM behavioral_clusters WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Cluster{}, pkgerrors.ErrNotFound
	}
	if err != nil {
		return models.Cluster{}, err
	}
	return row.toModel()
}

// PurgeExpiredClusters removes clusters past their expiry.
func (s *Store) PurgeExpiredClusters() (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM behavioral_clusters WHERE expires_at < ?
	`, time.Now().UTC().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertCorrelation stores a pair correlation. Pair ordering must already
// be canonical (point_id_1 < point_id_2 byte-wise); the table enforces it.
func (s *Store) UpsertCorrelation(pc models.PairCorrelation) error {
	a, b := models.CanonicalPair(pc.PointA, pc.PointB)
	var lag any
	if pc.LagMS != nil {
		lag = *pc.LagMS
	}
	_, err := s.db.Exec(`
		INSERT INTO correlation_cache (point_id_1, point_id_2, r, sample_count,
			window_start, window_end, lag_ms, a_leads, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (point_id_1, point_id_2) DO UPDATE SET
			r = excluded.r,
			sample_count = excluded.sample_count,
			window_start = excluded.window_start,
			window_end = excluded.window_end,
			lag_ms = excluded.lag_ms,
			a_leads = excluded.a_leads,
			updated_at = excluded.updated_at
	`, a.String(), b.String(), pc.R, pc.SampleCount,
		pc.WindowStart.UnixMilli(), pc.WindowEnd.UnixMilli(), lag, pc.ALeads,
		time.Now().UTC().UnixMilli())
	return err
}

// ListCorrelations returns every cached pair correlation.
func (s *Store) ListCorrelations() ([]models.PairCorrelation, error) {
	type corrRow struct {
		PointID1    string        `db:"point_id_1"`
		PointID2    string        `db:"point_id_2"`
		R           float64       `db:"r"`
		SampleCount int           `db:"sample_count"`
		WindowStart int64         `db:"window_start"`
		WindowEnd   int64         `db:"window_end"`
		LagMS       sql.NullInt64 `db:"lag_ms"`
		ALeads      bool          `db:"a_leads"`
		UpdatedAt   int64         `db:"updated_at"`
	}
	var rows []corrRow
	if err := s.db.Select(&rows, `SELECT * FROM correlation_cache`); err != nil {
		return nil, err
	}
	out := make([]models.PairCorrelation, 0, len(rows))
	for _, r := range rows {
		a, err := uuid.Parse(r.PointID1)
		if err != nil {
			continue
		}
		b, err := uuid.Parse(r.PointID2)
		if err != nil {
			continue
		}
		pc := models.PairCorrelation{
			PointA:      a,
			PointB:      b,
			R:           r.R,
			SampleCount: r.SampleCount,
			WindowStart: time.UnixMilli(r.WindowStart).UTC(),
			WindowEnd:   time.UnixMilli(r.WindowEnd).UTC(),
			ALeads:      r.ALeads,
			UpdatedAt:   time.UnixMilli(r.UpdatedAt).UTC(),
		}
		if r.LagMS.Valid {
			v := r.LagMS.Int64
			pc.LagMS = &v
		}
		out = append(out, pc)
	}
	return out, nil
}

// PurgeStaleCorrelations removes pairs not refreshed within maxAge.
func (s *Store) PurgeStaleCorrelations(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UTC().UnixMilli()
	res, err := s.db.Exec(`DELETE FROM correlation_cache WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
