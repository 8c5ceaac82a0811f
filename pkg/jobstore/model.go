// Package jobstore persists one progress record per collection: how many items
// have been ingested, where they are stored, and which lifecycle state the job
// is in. Every backend implements the same monotonic upsert semantics so a
// resumed job never reprocesses or skips a committed batch.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a collection job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusFinished   Status = "finished"
)

var (
	// ErrJobNotFound indicates no record exists for the collection.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidStatus indicates a stored status string is unknown.
	ErrInvalidStatus = errors.New("invalid job status")
)

// ParseStatus validates a stored status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusInProgress, StatusFinished:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// CollectionJob is the durable progress record of one collection.
type CollectionJob struct {
	CollectionID string `json:"collectionId"`

	// Cursor counts the items already ingested. It never decreases.
	Cursor int64 `json:"cursor"`

	Status          Status    `json:"status"`
	DestinationLink string    `json:"destinationLink"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// IsActive reports whether the job still has work to do.
func (j CollectionJob) IsActive() bool {
	return j.Status == StatusPending || j.Status == StatusInProgress
}

// IsStale reports whether an active job has not been touched for longer than
// after, which means its worker is presumed dead.
func (j CollectionJob) IsStale(now time.Time, after time.Duration) bool {
	return j.IsActive() && now.Sub(j.UpdatedAt) > after
}

// Store is the job progress store.
type Store interface {
	// Get returns the record of a collection or ErrJobNotFound.
	Get(ctx context.Context, collectionID string) (*CollectionJob, error)

	// UpsertPending creates a {cursor 0, pending} record, or moves an
	// unfinished record back to pending. Finished records are left alone.
	UpsertPending(ctx context.Context, collectionID string) error

	// MarkInProgress records a checkpoint. The stored cursor becomes
	// max(stored, cursor). A finished record stays finished.
	MarkInProgress(ctx context.Context, collectionID string, cursor int64, link string) error

	// MarkFinished marks the collection as fully ingested.
	MarkFinished(ctx context.Context, collectionID string, link string) error

	// ClaimPending atomically takes ownership of a collection for a new run.
	// It succeeds when no record exists, or when the record is unfinished and
	// was last updated before staleBefore.
	ClaimPending(ctx context.Context, collectionID string, staleBefore time.Time) (bool, error)

	// ListUnfinished returns every pending or in-progress record.
	ListUnfinished(ctx context.Context) ([]CollectionJob, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
