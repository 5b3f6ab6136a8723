// Package state persists build history in a SQLite database under the
// project's .texmill directory: one row per run, content checksums for
// the skip-unchanged fast path, and the diagnostics each run produced.
package state

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"texmill/internal/logging"
	"texmill/internal/tex"
)

// Run statuses recorded in the database.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Run is one recorded build of a document.
type Run struct {
	ID          string           `json:"id"`
	Doc         string           `json:"doc"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Passes      int              `json:"passes"`
	BibTeXRuns  int              `json:"bibtex_runs"`
	Status      string           `json:"status"`
	Error       string           `json:"error,omitempty"`
	Diagnostics []tex.Diagnostic `json:"diagnostics,omitempty"`
}

// Store is the build-state database.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// Open initializes the database at path, creating the parent directory
// and the schema when absent.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryState, "Open store")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StateDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StateDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StateDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.State("Opened state database at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		passes INTEGER NOT NULL DEFAULT 0,
		bibtex_runs INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_doc ON runs(doc, started_at);

	CREATE TABLE IF NOT EXISTS artifacts (
		doc TEXT NOT NULL,
		path TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		mtime INTEGER NOT NULL,
		PRIMARY KEY (doc, path)
	);

	CREATE TABLE IF NOT EXISTS diagnostics (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		severity TEXT NOT NULL,
		file TEXT NOT NULL DEFAULT '',
		line INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize state schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	logging.StateDebug("Closing state database")
	return s.db.Close()
}

// NewRunID returns a fresh identifier for a build run.
func NewRunID() string {
	return uuid.NewString()
}

// RecordRun inserts a run and its diagnostics in one transaction.
func (s *Store) RecordRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO runs (id, doc, started_at, finished_at, passes, bibtex_runs, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Doc, run.StartedAt, run.FinishedAt, run.Passes, run.BibTeXRuns, run.Status, run.Error)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	for i, d := range run.Diagnostics {
		_, err = tx.Exec(`INSERT INTO diagnostics (run_id, seq, severity, file, line, message)
			VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, i, string(d.Severity), d.File, d.Line, d.Message)
		if err != nil {
			return fmt.Errorf("failed to record diagnostic: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	logging.StateDebug("Recorded run %s for %s: %s", run.ID, run.Doc, run.Status)
	return nil
}

// SaveArtifacts records the current checksum and mtime of every file,
// replacing whatever was stored for the document before.
func (s *Store) SaveArtifacts(doc string, files []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM artifacts WHERE doc = ?`, doc); err != nil {
		return fmt.Errorf("failed to clear artifacts: %w", err)
	}
	for _, path := range files {
		sum, mtime, err := fileState(path)
		if err != nil {
			logging.StateDebug("Skipping artifact %s: %v", path, err)
			continue
		}
		_, err = tx.Exec(`INSERT INTO artifacts (doc, path, sha256, mtime) VALUES (?, ?, ?, ?)`,
			doc, path, sum, mtime)
		if err != nil {
			return fmt.Errorf("failed to record artifact: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit artifacts: %w", err)
	}
	return nil
}

// Unchanged reports whether the given files match the stored checksums
// exactly: same set, same content. Files whose mtime still matches are
// trusted without rehashing.
func (s *Store) Unchanged(doc string, files []string) bool {
	rows, err := s.db.Query(`SELECT path, sha256, mtime FROM artifacts WHERE doc = ?`, doc)
	if err != nil {
		logging.StateDebug("Artifact query failed: %v", err)
		return false
	}
	defer rows.Close()

	type stored struct {
		sum   string
		mtime int64
	}
	known := make(map[string]stored)
	for rows.Next() {
		var path string
		var st stored
		if err := rows.Scan(&path, &st.sum, &st.mtime); err != nil {
			return false
		}
		known[path] = st
	}
	if err := rows.Err(); err != nil {
		return false
	}
	if len(known) == 0 || len(known) != len(files) {
		return false
	}

	for _, path := range files {
		st, ok := known[path]
		if !ok {
			return false
		}
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if info.ModTime().UnixNano() == st.mtime {
			continue
		}
		sum, err := fileSHA256(path)
		if err != nil || sum != st.sum {
			return false
		}
	}
	return true
}

// LastRun returns the most recent run for the document, or nil when
// none is recorded.
func (s *Store) LastRun(doc string) (*Run, error) {
	row := s.db.QueryRow(`SELECT id, doc, started_at, finished_at, passes, bibtex_runs, status, error
		FROM runs WHERE doc = ? ORDER BY started_at DESC, id DESC LIMIT 1`, doc)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last run: %w", err)
	}
	return run, nil
}

// History returns up to limit runs for the document, newest first.
func (s *Store) History(doc string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT id, doc, started_at, finished_at, passes, bibtex_runs, status, error
		FROM runs WHERE doc = ? ORDER BY started_at DESC, id DESC LIMIT ?`, doc, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// RunDiagnostics returns the diagnostics recorded for a run, in order.
func (s *Store) RunDiagnostics(runID string) ([]tex.Diagnostic, error) {
	rows, err := s.db.Query(`SELECT severity, file, line, message FROM diagnostics
		WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load diagnostics: %w", err)
	}
	defer rows.Close()

	var out []tex.Diagnostic
	for rows.Next() {
		var d tex.Diagnostic
		var sev string
		if err := rows.Scan(&sev, &d.File, &d.Line, &d.Message); err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic: %w", err)
		}
		d.Severity = tex.Severity(sev)
		out = append(out, d)
	}
	return out, rows.Err()
}

// PruneHistory keeps the newest keep runs for the document and drops
// the rest along with their diagnostics.
func (s *Store) PruneHistory(doc string, keep int) error {
	if keep <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`DELETE FROM diagnostics WHERE run_id IN (
		SELECT id FROM runs WHERE doc = ? AND id NOT IN (
			SELECT id FROM runs WHERE doc = ? ORDER BY started_at DESC, id DESC LIMIT ?))`,
		doc, doc, keep)
	if err != nil {
		return fmt.Errorf("failed to prune diagnostics: %w", err)
	}
	_, err = tx.Exec(`DELETE FROM runs WHERE doc = ? AND id NOT IN (
		SELECT id FROM runs WHERE doc = ? ORDER BY started_at DESC, id DESC LIMIT ?)`,
		doc, doc, keep)
	if err != nil {
		return fmt.Errorf("failed to prune runs: %w", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.Doc, &run.StartedAt, &run.FinishedAt,
		&run.Passes, &run.BibTeXRuns, &run.Status, &run.Error)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func fileState(path string) (string, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	sum, err := fileSHA256(path)
	if err != nil {
		return "", 0, err
	}
	return sum, info.ModTime().UnixNano(), nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
