package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS collection_jobs (
    collection_id    TEXT PRIMARY KEY,
    cursor_pos       INTEGER NOT NULL DEFAULT 0,
    status           TEXT NOT NULL DEFAULT 'pending',
    destination_link TEXT NOT NULL DEFAULT '',
    updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_collection_jobs_status ON collection_jobs(status);
`

// SQLiteStore implements Store using an embedded SQLite database.
// updated_at is stored as unix milliseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath and initializes
// the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers inside the process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, collectionID string) (*CollectionJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT collection_id, cursor_pos, status, destination_link, updated_at
		 FROM collection_jobs WHERE collection_id = ?`, collectionID,
	)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		storeErrors.WithLabelValues("sqlite", "get").Inc()
		return nil, err
	}
	return job, nil
}

// UpsertPending implements Store.
func (s *SQLiteStore) UpsertPending(ctx context.Context, collectionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collection_jobs (collection_id, cursor_pos, status, destination_link, updated_at)
		 VALUES (?, 0, 'pending', '', ?)
		 ON CONFLICT(collection_id) DO UPDATE SET
		     status = 'pending',
		     updated_at = excluded.updated_at
		 WHERE collection_jobs.status <> 'finished'`,
		collectionID, s.now().UnixMilli(),
	)
	return observe("sqlite", "upsert_pending", StatusPending, err)
}

// MarkInProgress implements Store.
func (s *SQLiteStore) MarkInProgress(ctx context.Context, collectionID string, cursor int64, link string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collection_jobs (collection_id, cursor_pos, status, destination_link, updated_at)
		 VALUES (?, ?, 'in-progress', ?, ?)
		 ON CONFLICT(collection_id) DO UPDATE SET
		     cursor_pos = MAX(collection_jobs.cursor_pos, excluded.cursor_pos),
		     status = CASE WHEN collection_jobs.status = 'finished' THEN 'finished' ELSE 'in-progress' END,
		     destination_link = excluded.destination_link,
		     updated_at = excluded.updated_at`,
		collectionID, cursor, link, s.now().UnixMilli(),
	)
	return observe("sqlite", "mark_in_progress", StatusInProgress, err)
}

// MarkFinished implements Store.
func (s *SQLiteStore) MarkFinished(ctx context.Context, collectionID string, link string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collection_jobs (collection_id, cursor_pos, status, destination_link, updated_at)
		 VALUES (?, 0, 'finished', ?, ?)
		 ON CONFLICT(collection_id) DO UPDATE SET
		     status = 'finished',
		     destination_link = excluded.destination_link,
		     updated_at = excluded.updated_at`,
		collectionID, link, s.now().UnixMilli(),
	)
	return observe("sqlite", "mark_finished", StatusFinished, err)
}

// ClaimPending implements Store.
func (s *SQLiteStore) ClaimPending(ctx context.Context, collectionID string, staleBefore time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO collection_jobs (collection_id, cursor_pos, status, destination_link, updated_at)
		 VALUES (?, 0, 'pending', '', ?)
		 ON CONFLICT(collection_id) DO UPDATE SET
		     status = 'pending',
		     updated_at = excluded.updated_at
		 WHERE collection_jobs.status <> 'finished' AND collection_jobs.updated_at < ?`,
		collectionID, s.now().UnixMilli(), staleBefore.UnixMilli(),
	)
	if err != nil {
		return false, observe("sqlite", "claim_pending", "", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	return true, observe("sqlite", "claim_pending", StatusPending, nil)
}

// ListUnfinished implements Store.
func (s *SQLiteStore) ListUnfinished(ctx context.Context) ([]CollectionJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collection_id, cursor_pos, status, destination_link, updated_at
		 FROM collection_jobs WHERE status <> 'finished' ORDER BY updated_at ASC`,
	)
	if err != nil {
		storeErrors.WithLabelValues("sqlite", "list").Inc()
		return nil, err
	}
	defer rows.Close()

	var jobs []CollectionJob
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row scanner) (*CollectionJob, error) {
	var job CollectionJob
	var status string
	var updated int64
	if err := row.Scan(&job.CollectionID, &job.Cursor, &status, &job.DestinationLink, &updated); err != nil {
		return nil, err
	}
	st, err := ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", job.CollectionID, err)
	}
	job.Status = st
	job.UpdatedAt = time.UnixMilli(updated)
	return &job, nil
}
