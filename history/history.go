// Package history keeps a SQLite log of finished encodes so the recently
// finished list survives agent restarts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one finished task.
type Entry struct {
	ID           string    `json:"id"`
	RelativePath string    `json:"relativePath"`
	OutputPath   string    `json:"outputPath,omitempty"`
	Outcome      string    `json:"outcome"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

type Store struct {
	db *sql.DB
}

// Open creates the database file if needed and runs migrations.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS finished (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		relative_path TEXT NOT NULL,
		output_path TEXT,
		outcome TEXT NOT NULL,
		error TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_finished_finished_at ON finished(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Add appends an entry.
func (s *Store) Add(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO finished (id, relative_path, output_path, outcome, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RelativePath, e.OutputPath, e.Outcome, e.Error, e.StartedAt.UTC(), e.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert finished task: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, relative_path, output_path, outcome, error, started_at, finished_at
		FROM finished ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query finished tasks: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var outputPath, errText sql.NullString
		if err := rows.Scan(&e.ID, &e.RelativePath, &outputPath, &e.Outcome, &errText, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan finished task: %w", err)
		}
		e.OutputPath = outputPath.String
		e.Error = errText.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
