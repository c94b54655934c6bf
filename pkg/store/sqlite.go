package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// Unlike LocalStore it is durable: run outputs survive the process, and
// Cleanup is a no-op. Use DeleteRun to reclaim space for a finished run.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS objects (
			location TEXT PRIMARY KEY,
			flow_name TEXT NOT NULL,
			run_id TEXT NOT NULL,
			data BLOB NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) OutputLocation(flowName, runID, stepName string) string {
	return path.Join(flowName, runID, stepName, "output")
}

func (s *SQLiteStore) ManifestLocation(flowName, runID, stepName string) string {
	return path.Join(flowName, runID, stepName, "map_manifest")
}

func (s *SQLiteStore) put(location, flowName, runID string, data []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO objects (location, flow_name, run_id, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(location) DO UPDATE SET data = excluded.data`,
		location, flowName, runID, data,
	)
	return err
}

func (s *SQLiteStore) Write(flowName, runID, stepName string, v any) (string, error) {
	data, err := EncodeValue(v)
	if err != nil {
		return "", fmt.Errorf("store: encode %s: %w", stepName, err)
	}
	loc := s.OutputLocation(flowName, runID, stepName)
	if err := s.put(loc, flowName, runID, data); err != nil {
		return "", fmt.Errorf("store: write %s: %w", loc, err)
	}
	return loc, nil
}

func (s *SQLiteStore) WriteManifest(flowName, runID, stepName string, items []any) (string, error) {
	data, err := EncodeValue(items)
	if err != nil {
		return "", fmt.Errorf("store: encode manifest for %s: %w", stepName, err)
	}
	loc := s.ManifestLocation(flowName, runID, stepName)
	if err := s.put(loc, flowName, runID, data); err != nil {
		return "", fmt.Errorf("store: write %s: %w", loc, err)
	}
	return loc, nil
}

func (s *SQLiteStore) Read(location string) (any, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM objects WHERE location = ?`, location).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", location, err)
	}
	return DecodeValue(data)
}

func (s *SQLiteStore) ReadManifest(location string) ([]any, error) {
	v, err := s.Read(location)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("store: manifest at %s is %T, not a list", location, v)
	}
	return items, nil
}

// Cleanup is a no-op: the SQLite store is durable and keeps run outputs.
func (s *SQLiteStore) Cleanup() error { return nil }

// DeleteRun removes every object written for the given run.
func (s *SQLiteStore) DeleteRun(flowName, runID string) error {
	_, err := s.db.Exec(`DELETE FROM objects WHERE flow_name = ? AND run_id = ?`, flowName, runID)
	return err
}
