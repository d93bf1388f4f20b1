// Package store persists conformance run history in SQLite so operators
// can track a device fleet's results over time. The engine works without
// it; history is recorded only when a database path is configured.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"nsmcheck/internal/checks"
	"nsmcheck/internal/report"
)

// Schema for the run-history store.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    module_id       TEXT NOT NULL,
    device_version  TEXT NOT NULL,
    digest          TEXT NOT NULL,
    max_pcrs        INTEGER NOT NULL,
    pass            INTEGER NOT NULL,
    violation       TEXT,
    started_at_ns   INTEGER NOT NULL,
    finished_at_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_module ON runs(module_id, started_at_ns);
CREATE INDEX IF NOT EXISTS idx_runs_pass ON runs(pass);
`

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("store: run not found")

// Run is one recorded conformance run.
type Run struct {
	ID            int64
	ModuleID      string
	DeviceVersion string
	Digest        string
	MaxPCRs       uint16
	Pass          bool
	Violation     *checks.Violation
	StartedAtNS   int64
	FinishedAtNS  int64
}

// Store is a SQLite-backed run history.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one finished run and returns its row id.
func (s *Store) Record(r *report.Report) (int64, error) {
	var violationJSON sql.NullString
	if r.Violation != nil {
		data, err := json.Marshal(r.Violation)
		if err != nil {
			return 0, fmt.Errorf("store: marshal violation: %w", err)
		}
		violationJSON = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.Exec(
		`INSERT INTO runs (module_id, device_version, digest, max_pcrs, pass, violation, started_at_ns, finished_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Device.ModuleID,
		r.Device.Version,
		r.Device.Digest,
		r.Device.MaxPCRs,
		r.Pass,
		violationJSON,
		r.StartedAt.UnixNano(),
		r.FinishedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert run: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to n runs, newest first.
func (s *Store) Recent(n int) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, module_id, device_version, digest, max_pcrs, pass, violation, started_at_ns, finished_at_ns
		 FROM runs ORDER BY started_at_ns DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Get returns one run by id.
func (s *Store) Get(id int64) (Run, error) {
	row := s.db.QueryRow(
		`SELECT id, module_id, device_version, digest, max_pcrs, pass, violation, started_at_ns, finished_at_ns
		 FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return run, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run           Run
		violationJSON sql.NullString
	)
	err := row.Scan(
		&run.ID, &run.ModuleID, &run.DeviceVersion, &run.Digest, &run.MaxPCRs,
		&run.Pass, &violationJSON, &run.StartedAtNS, &run.FinishedAtNS,
	)
	if err != nil {
		return Run{}, err
	}
	if violationJSON.Valid {
		var v checks.Violation
		if err := json.Unmarshal([]byte(violationJSON.String), &v); err != nil {
			return Run{}, fmt.Errorf("store: unmarshal violation: %w", err)
		}
		run.Violation = &v
	}
	return run, nil
}
