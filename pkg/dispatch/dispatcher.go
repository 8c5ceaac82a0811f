// Package dispatch is the front door of the archiver: it decides whether a
// requested collection needs a new ingestion run, queues it, and runs queued
// collections on a bounded pool of workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Sternrassler/nft-collection-archiver/pkg/jobstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultStaleAfter is how long an unfinished job may go without a checkpoint
// before a new request re-queues it.
const DefaultStaleAfter = 2 * time.Hour

// StatusQueued is reported when a request started a new run.
const StatusQueued = "queued"

// ErrInvalidCollectionID is returned for ids that are not contract addresses.
var ErrInvalidCollectionID = errors.New("invalid collection id")

var collectionIDPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "archiver_dispatch_requests_total",
	Help: "Front door requests by reported status",
}, []string{"status"})

// Response is what the front door reports for a collection.
type Response struct {
	DestinationLink string `json:"destinationLink"`
	Status          string `json:"status"`
}

// NormalizeCollectionID validates and lower-cases a contract address.
func NormalizeCollectionID(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if !collectionIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCollectionID, raw)
	}
	return id, nil
}

// Dispatcher applies the dispatch rules over the job store and the queue.
type Dispatcher struct {
	store      jobstore.Store
	queue      Queue
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger
	exclusive  bool
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store jobstore.Store, queue Queue, staleAfter time.Duration) *Dispatcher {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Dispatcher{
		store:      store,
		queue:      queue,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     log.With().Str("component", "dispatcher").Logger(),
	}
}

// Request reports the state of a collection and queues a run when none is
// active. At most one run is started per collection unless the active one
// has gone stale.
func (d *Dispatcher) Request(ctx context.Context, rawID string) (Response, error) {
	id, err := NormalizeCollectionID(rawID)
	if err != nil {
		return Response{}, err
	}

	record, err := d.store.Get(ctx, id)
	if err != nil && !errors.Is(err, jobstore.ErrJobNotFound) {
		return Response{}, fmt.Errorf("load job %s: %w", id, err)
	}
	if record != nil {
		if record.Status == jobstore.StatusFinished || !record.IsStale(d.now(), d.staleAfter) {
			return d.report(record.DestinationLink, string(record.Status)), nil
		}
		d.logger.Info().
			Str("collection", id).
			Time("updated_at", record.UpdatedAt).
			Msg("Re-queueing stale job")
	}

	claimed, err := d.store.ClaimPending(ctx, id, d.now().Add(-d.staleAfter))
	if err != nil {
		return Response{}, fmt.Errorf("claim job %s: %w", id, err)
	}
	if !claimed {
		// Another request won the claim in between.
		current, err := d.store.Get(ctx, id)
		if err != nil {
			return Response{}, fmt.Errorf("load job %s: %w", id, err)
		}
		return d.report(current.DestinationLink, string(current.Status)), nil
	}

	if err := d.queue.Enqueue(ctx, id); err != nil {
		return Response{}, fmt.Errorf("enqueue %s: %w", id, err)
	}

	link := ""
	if record != nil {
		link = record.DestinationLink
	}
	d.logger.Info().Str("collection", id).Msg("Collection queued")
	return d.report(link, StatusQueued), nil
}

// SetExclusive marks the dispatcher as the only consumer of its store and
// queue. Recover then resumes fresh unfinished jobs too, which is only safe
// when no other process can be running them.
func (d *Dispatcher) SetExclusive(exclusive bool) {
	d.exclusive = exclusive
}

// Recover re-queues unfinished jobs at startup. A job is only taken over once
// it has gone stale and this dispatcher wins its claim, so a job another
// process is still checkpointing stays with that process. An exclusive
// dispatcher resumes every unfinished job.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	jobs, err := d.store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}
	recovered := 0
	for _, job := range jobs {
		if !d.exclusive {
			claimed, err := d.store.ClaimPending(ctx, job.CollectionID, d.now().Add(-d.staleAfter))
			if err != nil {
				return recovered, fmt.Errorf("claim job %s: %w", job.CollectionID, err)
			}
			if !claimed {
				d.logger.Debug().
					Str("collection", job.CollectionID).
					Time("updated_at", job.UpdatedAt).
					Msg("Skipping job owned by another worker")
				continue
			}
		}
		if err := d.queue.Enqueue(ctx, job.CollectionID); err != nil {
			return recovered, fmt.Errorf("enqueue %s: %w", job.CollectionID, err)
		}
		recovered++
		d.logger.Info().
			Str("collection", job.CollectionID).
			Int64("cursor", job.Cursor).
			Msg("Recovered unfinished job")
	}
	return recovered, nil
}

func (d *Dispatcher) report(link, status string) Response {
	requestsTotal.WithLabelValues(status).Inc()
	return Response{DestinationLink: link, Status: status}
}
