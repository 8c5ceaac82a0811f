package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS collection_jobs (
    collection_id    TEXT PRIMARY KEY,
    cursor_pos       BIGINT NOT NULL DEFAULT 0,
    status           TEXT NOT NULL DEFAULT 'pending',
    destination_link TEXT NOT NULL DEFAULT '',
    updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_collection_jobs_status ON collection_jobs(status);
`

// PostgresStore implements Store on PostgreSQL through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects to dsn and initializes the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, collectionID string) (*CollectionJob, error) {
	var job CollectionJob
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT collection_id, cursor_pos, status, destination_link, updated_at
		 FROM collection_jobs WHERE collection_id = $1`, collectionID,
	).Scan(&job.CollectionID, &job.Cursor, &status, &job.DestinationLink, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		storeErrors.WithLabelValues("postgres", "get").Inc()
		return nil, err
	}
	if job.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	return &job, nil
}

// UpsertPending implements Store.
func (s *PostgresStore) UpsertPending(ctx context.Context, collectionID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO collection_jobs (collection_id, cursor_pos, status, destination_link, updated_at)
		 VALUES ($1, 0, 'pending', '', $2)
		 ON CONFLICT (collection_id) DO UPDATE SET
		     status = 'pending',
		     updated_at = EXCLUDED.updated_at
		 WHERE collection_jobs.status <> 'finished'`,
		collectionID, s.now(),
	)
	return observe("postgres", "upsert_pending", StatusPending, err)
}

// MarkInProgress implements Store.
func (s *PostgresStore) MarkInProgress(ctx context.Context, collectionID string, cursor int64, link string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO collection_jobs (collection_id, cursor_pos, status, destination_link, updated_at)
		 VALUES ($1, $2, 'in-progress', $3, $4)
		 ON CONFLICT (collection_id) DO UPDATE SET
		     cursor_pos = GREATEST(collection_jobs.cursor_pos, EXCLUDED.cursor_pos),
		     status = CASE WHEN collection_jobs.status = 'finished' THEN 'finished' ELSE 'in-progress' END,
		     destination_link = EXCLUDED.destination_link,
		     updated_at = EXCLUDED.updated_at`,
		collectionID, cursor, link, s.now(),
	)
	return observe("postgres", "mark_in_progress", StatusInProgress, err)
}

// MarkFinished implements Store.
func (s *PostgresStore) MarkFinished(ctx context.Context, collectionID string, link string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO collection_jobs (collection_id, cursor_pos, status, destination_link, updated_at)
		 VALUES ($1, 0, 'finished', $2, $3)
		 ON CONFLICT (collection_id) DO UPDATE SET
		     status = 'finished',
		     destination_link = EXCLUDED.destination_link,
		     updated_at = EXCLUDED.updated_at`,
		collectionID, link, s.now(),
	)
	return observe("postgres", "mark_finished", StatusFinished, err)
}

// ClaimPending implements Store.
func (s *PostgresStore) ClaimPending(ctx context.Context, collectionID string, staleBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO collection_jobs (collection_id, cursor_pos, status, destination_link, updated_at)
		 VALUES ($1, 0, 'pending', '', $2)
		 ON CONFLICT (collection_id) DO UPDATE SET
		     status = 'pending',
		     updated_at = EXCLUDED.updated_at
		 WHERE collection_jobs.status <> 'finished' AND collection_jobs.updated_at < $3`,
		collectionID, s.now(), staleBefore,
	)
	if err != nil {
		return false, observe("postgres", "claim_pending", "", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	return true, observe("postgres", "claim_pending", StatusPending, nil)
}

// ListUnfinished implements Store.
func (s *PostgresStore) ListUnfinished(ctx context.Context) ([]CollectionJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT collection_id, cursor_pos, status, destination_link, updated_at
		 FROM collection_jobs WHERE status <> 'finished' ORDER BY updated_at ASC`,
	)
	if err != nil {
		storeErrors.WithLabelValues("postgres", "list").Inc()
		return nil, err
	}
	defer rows.Close()

	var jobs []CollectionJob
	for rows.Next() {
		var job CollectionJob
		var status string
		if err := rows.Scan(&job.CollectionID, &job.Cursor, &status, &job.DestinationLink, &job.UpdatedAt); err != nil {
			return nil, err
		}
		if job.Status, err = ParseStatus(status); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
