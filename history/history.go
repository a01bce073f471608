// Package history persists reduced training metrics so finished runs can
// be inspected and compared after the process exits.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQL database holding per-epoch metric rows.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates (or reopens) the run log at path and ensures the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}

	store := &Store{db: db, path: path}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure history database: %w", err)
	}
	if err := store.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}

	return store, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("pragma failed (%s): %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS epoch_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		split TEXT NOT NULL,
		metric TEXT NOT NULL,
		value REAL,
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_epoch_metrics_run
		ON epoch_metrics(run_id, split, epoch);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// RecordEpoch writes one reduced snapshot. NaN values (undefined ratios)
// are stored as NULL so SQL aggregation skips them naturally.
func (s *Store) RecordEpoch(run string, epoch int, split string, values map[string]float64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO epoch_metrics (run_id, epoch, split, metric, value, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		var value interface{} = values[name]
		if math.IsNaN(values[name]) {
			value = nil
		}
		if _, err := stmt.Exec(run, epoch, split, name, value, now); err != nil {
			return fmt.Errorf("failed to insert metric %s: %w", name, err)
		}
	}

	return tx.Commit()
}

// MetricCurve returns one metric's values for a run and split in epoch
// order. Epochs where the metric was NULL come back as NaN.
func (s *Store) MetricCurve(run, split, metric string) ([]float64, error) {
	rows, err := s.db.Query(`
		SELECT value FROM epoch_metrics
		WHERE run_id = ? AND split = ? AND metric = ?
		ORDER BY epoch, id`, run, split, metric)
	if err != nil {
		return nil, fmt.Errorf("failed to query curve: %w", err)
	}
	defer rows.Close()

	var curve []float64
	for rows.Next() {
		var value sql.NullFloat64
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("failed to scan value: %w", err)
		}
		if value.Valid {
			curve = append(curve, value.Float64)
		} else {
			curve = append(curve, math.NaN())
		}
	}
	return curve, rows.Err()
}

// Runs lists the distinct run ids recorded so far, most recent first.
func (s *Store) Runs() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT run_id FROM epoch_metrics
		GROUP BY run_id ORDER BY MAX(id) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var run string
		if err := rows.Scan(&run); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// BestEpoch returns the epoch with the lowest value of a metric for a run
// and split, with its value.
func (s *Store) BestEpoch(run, split, metric string) (int, float64, error) {
	row := s.db.QueryRow(`
		SELECT epoch, value FROM epoch_metrics
		WHERE run_id = ? AND split = ? AND metric = ? AND value IS NOT NULL
		ORDER BY value ASC, epoch ASC LIMIT 1`, run, split, metric)

	var epoch int
	var value float64
	if err := row.Scan(&epoch, &value); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, fmt.Errorf("no recorded values for %s/%s/%s", run, split, metric)
		}
		return 0, 0, fmt.Errorf("failed to query best epoch: %w", err)
	}
	return epoch, value, nil
}
