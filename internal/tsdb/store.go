// Package tsdb provides persistent storage for point samples using SQLite
// for durability across restarts. Writes are buffered and batched; the
// (sequence_id, timestamp) primary key makes replayed batches idempotent.
package tsdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/telemetry"
)

// StoreConfig holds configuration for the sample store.
type StoreConfig struct {
	DBPath          string
	WriteBufferSize int           // samples buffered before a batch write
	FlushInterval   time.Duration // max time between flushes
	Retention       time.Duration // how long to keep samples
}

// DefaultConfig returns sensible defaults for sample storage.
func DefaultConfig(dataDir string) StoreConfig {
	return StoreConfig{
		DBPath:          filepath.Join(dataDir, "samples.db"),
		WriteBufferSize: 500,
		FlushInterval:   2 * time.Second,
		Retention:       30 * 24 * time.Hour,
	}
}

// Store provides persistent sample storage.
type Store struct {
	db     *sql.DB
	config StoreConfig

	bufferMu sync.Mutex
	buffer   []models.Sample

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewStore creates a sample store with the given configuration.
func NewStore(config StoreConfig) (*Store, error) {
	dir := filepath.Dir(config.DBPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tsdb directory: %w", err)
	}

	// WAL mode for better concurrent access; SQLite works best with a
	// single writer.
	db, err := sql.Open("sqlite", config.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sample database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{
		db:     db,
		config: config,
		buffer: make([]models.Sample, 0, config.WriteBufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tsdb schema: %w", err)
	}

	go store.backgroundWorker()

	log.Info().
		Str("path", config.DBPath).
		Int("bufferSize", config.WriteBufferSize).
		Msg("Sample store initialized")

	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS samples (
			sequence_id INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			value REAL NOT NULL,
			quality TEXT NOT NULL DEFAULT 'Good',
			PRIMARY KEY (sequence_id, timestamp)
		) WITHOUT ROWID;

		-- Retention pruning scans by time alone
		CREATE INDEX IF NOT EXISTS idx_samples_time ON samples(timestamp);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Write adds a sample to the write buffer. Timestamps must be UTC.
func (s *Store) Write(sample models.Sample) {
	s.bufferMu.Lock()
	s.buffer = append(s.buffer, sample)
	full := len(s.buffer) >= s.config.WriteBufferSize
	s.bufferMu.Unlock()

	if full {
		s.Flush()
	}
}

// WriteBatch appends many samples and flushes if the buffer filled.
func (s *Store) WriteBatch(samples []models.Sample) {
	s.bufferMu.Lock()
	s.buffer = append(s.buffer, samples...)
	full := len(s.buffer) >= s.config.WriteBufferSize
	s.bufferMu.Unlock()

	if full {
		s.Flush()
	}
}

// Flush synchronously writes any buffered samples to the database.
func (s *Store) Flush() error {
	s.bufferMu.Lock()
	if len(s.buffer) == 0 {
		s.bufferMu.Unlock()
		return nil
	}
	toWrite := make([]models.Sample, len(s.buffer))
	copy(toWrite, s.buffer)
	s.buffer = s.buffer[:0]
	s.bufferMu.Unlock()

	return s.writeBatch(toWrite)
}

// writeBatch writes samples inside one transaction. INSERT OR IGNORE
// dedupes overlapping writes at the same (sequence_id, timestamp).
func (s *Store) writeBatch(samples []models.Sample) error {
	tx, err := s.db.Begin()
	if err != nil {
		log.Error().Err(err).Msg("Failed to begin sample transaction")
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO samples (sequence_id, timestamp, value, quality)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		log.Error().Err(err).Msg("Failed to prepare sample insert")
		return err
	}
	defer stmt.Close()

	var written int64
	for _, sm := range samples {
		res, err := stmt.Exec(sm.SequenceID, sm.Timestamp.UTC().UnixMilli(), sm.Value, string(sm.Quality))
		if err != nil {
			log.Warn().Err(err).
				Int64("sequenceId", sm.SequenceID).
				Msg("Failed to insert sample")
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			written += n
		}
	}

	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Msg("Failed to commit sample batch")
		return err
	}

	telemetry.SamplesWrittenTotal.Add(float64(written))
	log.Debug().Int("batch", len(samples)).Int64("written", written).Msg("Wrote sample batch")
	return nil
}

// QueryRange returns samples for a point within [start, end], ordered by time.
func (s *Store) QueryRange(sequenceID int64, start, end time.Time) ([]models.Sample, error) {
	rows, err := s.db.Query(`
		SELECT sequence_id, timestamp, value, quality
		FROM samples
		WHERE sequence_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, sequenceID, start.UTC().UnixMilli(), end.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var samples []models.Sample
	for rows.Next() {
		sm, err := scanSample(rows)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to scan sample row")
			continue
		}
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}

// QueryLast returns the up to n most recent samples for a point, oldest first.
func (s *Store) QueryLast(sequenceID int64, n int) ([]models.Sample, error) {
	rows, err := s.db.Query(`
		SELECT sequence_id, timestamp, value, quality
		FROM samples
		WHERE sequence_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, sequenceID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query last samples: %w", err)
	}
	defer rows.Close()

	var samples []models.Sample
	for rows.Next() {
		sm, err := scanSample(rows)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to scan sample row")
			continue
		}
		samples = append(samples, sm)
	}
	// Reverse into ascending time order.
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, rows.Err()
}

// LastValue returns the most recent sample for a point.
func (s *Store) LastValue(sequenceID int64) (models.Sample, bool, error) {
	row := s.db.QueryRow(`
		SELECT sequence_id, timestamp, value, quality
		FROM samples
		WHERE sequence_id = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`, sequenceID)

	var ts int64
	var sm models.Sample
	var quality string
	if err := row.Scan(&sm.SequenceID, &ts, &sm.Value, &quality); err != nil {
		if err == sql.ErrNoRows {
			return models.Sample{}, false, nil
		}
		return models.Sample{}, false, err
	}
	sm.Timestamp = time.UnixMilli(ts).UTC()
	sm.Quality = models.Quality(quality)
	return sm, true, nil
}

// Count returns the total number of stored samples.
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM samples`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(r rowScanner) (models.Sample, error) {
	var ts int64
	var sm models.Sample
	var quality string
	if err := r.Scan(&sm.SequenceID, &ts, &sm.Value, &quality); err != nil {
		return models.Sample{}, err
	}
	sm.Timestamp = time.UnixMilli(ts).UTC()
	sm.Quality = models.Quality(quality)
	return sm, nil
}

// backgroundWorker runs periodic flushes and retention.
func (s *Store) backgroundWorker() {
	defer close(s.doneCh)

	flushTicker := time.NewTicker(s.config.FlushInterval)
	retentionTicker := time.NewTicker(1 * time.Hour)
	defer flushTicker.Stop()
	defer retentionTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.Flush()
			return
		case <-flushTicker.C:
			s.Flush()
		case <-retentionTicker.C:
			s.runRetention()
		}
	}
}

// runRetention deletes samples older than the retention period.
func (s *Store) runRetention() {
	start := time.Now()
	cutoff := time.Now().Add(-s.config.Retention).UTC().UnixMilli()
	result, err := s.db.Exec(`DELETE FROM samples WHERE timestamp < ?`, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to prune samples")
		return
	}
	if deleted, _ := result.RowsAffected(); deleted > 0 {
		log.Info().
			Int64("deleted", deleted).
			Dur("duration", time.Since(start)).
			Msg("Sample retention cleanup completed")
	}
}

// Close flushes and shuts down the store.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Sample store shutdown timed out")
	}

	return s.db.Close()
}
