// Package store is the metadata store: points, data sources, patterns,
// suggestions, bindings, clusters, the correlation cache, and the
// append-only feedback log, all in one SQLite database.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps the metadata database.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the metadata database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Metadata store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS data_sources (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'unknown',
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS points (
			id TEXT PRIMARY KEY,
			sequence_id INTEGER NOT NULL UNIQUE,
			name TEXT NOT NULL,
			address TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			unit TEXT NOT NULL DEFAULT '',
			value_type TEXT NOT NULL DEFAULT 'float64',
			data_source_id TEXT REFERENCES data_sources(id),
			created_at INTEGER NOT NULL,
			deleted_at INTEGER
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_points_address
			ON points(address) WHERE deleted_at IS NULL;

		-- sequence_id allocation; sequence ids are never reused
		CREATE TABLE IF NOT EXISTS point_sequence (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			next INTEGER NOT NULL
		);
		INSERT OR IGNORE INTO point_sequence (id, next) VALUES (1, 1);

		CREATE TABLE IF NOT EXISTS patterns (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			confidence REAL NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			system INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pattern_roles (
			id TEXT PRIMARY KEY,
			pattern_id TEXT NOT NULL REFERENCES patterns(id),
			name TEXT NOT NULL,
			regexes TEXT NOT NULL DEFAULT '[]',
			typical_unit TEXT NOT NULL DEFAULT '',
			typical_min REAL,
			typical_max REAL,
			typical_rate_ms INTEGER,
			required INTEGER NOT NULL DEFAULT 0,
			sort_order INTEGER NOT NULL DEFAULT 0,
			UNIQUE (pattern_id, name)
		);

		CREATE TABLE IF NOT EXISTS behavioral_clusters (
			id TEXT PRIMARY KEY,
			member_key TEXT NOT NULL UNIQUE,
			source TEXT NOT NULL,
			point_ids TEXT NOT NULL,
			avg_cohesion REAL NOT NULL,
			min_r REAL NOT NULL,
			max_r REAL NOT NULL,
			algorithm TEXT NOT NULL,
			detected_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS correlation_cache (
			point_id_1 TEXT NOT NULL,
			point_id_2 TEXT NOT NULL,
			r REAL NOT NULL,
			sample_count INTEGER NOT NULL,
			window_start INTEGER NOT NULL,
			window_end INTEGER NOT NULL,
			lag_ms INTEGER,
			a_leads INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (point_id_1, point_id_2),
			CHECK (point_id_1 < point_id_2)
		);

		CREATE TABLE IF NOT EXISTS pattern_suggestions (
			id TEXT PRIMARY KEY,
			cluster_id TEXT NOT NULL,
			pattern_id TEXT NOT NULL REFERENCES patterns(id),
			pattern_name TEXT NOT NULL,
			overall REAL NOT NULL,
			naming_score REAL NOT NULL,
			correlation_score REAL NOT NULL,
			range_score REAL NOT NULL,
			rate_score REAL NOT NULL,
			matched_points TEXT NOT NULL DEFAULT '[]',
			role_assignments TEXT NOT NULL DEFAULT '{}',
			evidence TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			rejection_reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			resolved_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_suggestions_status
			ON pattern_suggestions(status, created_at);

		CREATE TABLE IF NOT EXISTS pattern_feedback_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			suggestion_id TEXT NOT NULL,
			pattern_id TEXT NOT NULL,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			confidence_at_action REAL NOT NULL,
			at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS point_pattern_bindings (
			point_id TEXT NOT NULL,
			pattern_id TEXT NOT NULL,
			role_name TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (point_id, pattern_id)
		);

		CREATE TABLE IF NOT EXISTS pattern_confidence_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pattern_id TEXT NOT NULL,
			confidence REAL NOT NULL,
			at INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
