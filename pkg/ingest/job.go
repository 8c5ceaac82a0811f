// Package ingest runs the resumable ingestion of one collection: fetch a
// batch of item references, stage their assets, upload them, checkpoint, and
// repeat until the provider has no items left.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Sternrassler/nft-collection-archiver/pkg/asset"
	"github.com/Sternrassler/nft-collection-archiver/pkg/jobstore"
	"github.com/Sternrassler/nft-collection-archiver/pkg/provider"
	"github.com/Sternrassler/nft-collection-archiver/pkg/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultBatchSize is the number of items per checkpoint.
	DefaultBatchSize = 50

	// DefaultStageAttempts bounds how often a failed batch is re-staged.
	DefaultStageAttempts = 3

	// PlaceholderLabel names collections whose metadata is unavailable.
	PlaceholderLabel = "Unknown Collection"
)

// ErrPersistence marks job store failures. They end the run.
var ErrPersistence = errors.New("job store failure")

// BatchFetcher returns the next batch of item references.
type BatchFetcher interface {
	FetchBatch(ctx context.Context, collectionID string, startOffset int64, maxItems int) ([]asset.Ref, error)
}

// MetadataSource resolves a collection's metadata.
type MetadataSource interface {
	CollectionMetadata(ctx context.Context, collectionID string) (provider.Metadata, error)
}

// Stager downloads a batch into its directory.
type Stager interface {
	Stage(ctx context.Context, refs []asset.Ref) ([]asset.Staged, error)
	Clear() error
	Dir() string
}

// StagerFactory creates a Stager for a per-collection directory.
type StagerFactory func(dir string) (Stager, error)

// Uploader copies a staging directory to durable storage.
type Uploader interface {
	Upload(ctx context.Context, collectionID, label, dir string) storage.Report
}

// Deps are the components a Job drives.
type Deps struct {
	Fetcher  BatchFetcher
	Metadata MetadataSource
	Stagers  StagerFactory
	Uploader Uploader
	Store    jobstore.Store
}

// Config holds job configuration.
type Config struct {
	BatchSize     int
	StageAttempts int

	// StagingRoot holds one staging directory per collection.
	StagingRoot string

	// ConsoleURL is the object store console URL used in destination links.
	ConsoleURL string
}

// Job runs collection ingestions. One Job serves any number of collections;
// each Run owns its own staging directory.
type Job struct {
	deps   Deps
	config Config
	logger zerolog.Logger
}

// New creates a Job.
func New(deps Deps, cfg Config) (*Job, error) {
	if deps.Fetcher == nil || deps.Stagers == nil || deps.Uploader == nil || deps.Store == nil {
		return nil, fmt.Errorf("fetcher, stagers, uploader and store are required")
	}
	if cfg.StagingRoot == "" {
		return nil, fmt.Errorf("staging root is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.StageAttempts <= 0 {
		cfg.StageAttempts = DefaultStageAttempts
	}

	return &Job{
		deps:   deps,
		config: cfg,
		logger: log.With().Str("component", "ingest").Logger(),
	}, nil
}

// Run ingests collectionID from its last checkpoint until the provider returns
// an empty batch. A failed batch leaves the previous checkpoint in place.
func (j *Job) Run(ctx context.Context, collectionID string) error {
	logger := j.logger.With().
		Str("collection", collectionID).
		Str("run_id", uuid.NewString()).
		Logger()

	record, err := j.deps.Store.Get(ctx, collectionID)
	switch {
	case errors.Is(err, jobstore.ErrJobNotFound):
		if err := j.deps.Store.UpsertPending(ctx, collectionID); err != nil {
			return fmt.Errorf("%w: create record: %v", ErrPersistence, err)
		}
		record = &jobstore.CollectionJob{CollectionID: collectionID, Status: jobstore.StatusPending}
	case err != nil:
		return fmt.Errorf("%w: load record: %v", ErrPersistence, err)
	}

	if record.Status == jobstore.StatusFinished {
		logger.Info().Msg("Collection already finished")
		return nil
	}

	label := j.label(ctx, collectionID, logger)
	link := storage.DestinationLink(j.config.ConsoleURL, label, collectionID)

	stager, err := j.deps.Stagers(filepath.Join(j.config.StagingRoot, collectionID))
	if err != nil {
		return fmt.Errorf("create stager: %w", err)
	}
	if err := stager.Clear(); err != nil {
		return fmt.Errorf("clear staging directory: %w", err)
	}
	defer func() {
		if err := stager.Clear(); err != nil {
			logger.Warn().Err(err).Msg("Failed to clear staging directory")
		}
	}()

	cursor := record.Cursor
	logger.Info().Int64("cursor", cursor).Str("label", label).Msg("Starting collection run")

	for {
		if err := ctx.Err(); err != nil {
			logger.Info().Int64("cursor", cursor).Msg("Run cancelled at checkpoint")
			return err
		}

		start := time.Now()
		refs, err := j.deps.Fetcher.FetchBatch(ctx, collectionID, cursor, j.config.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch batch at %d: %w", cursor, err)
		}
		if len(refs) == 0 {
			break
		}

		if _, err := j.stage(ctx, stager, refs, logger); err != nil {
			return fmt.Errorf("stage batch at %d: %w", cursor, err)
		}

		// A staged batch is uploaded and committed even if the run is being
		// cancelled; the next safe point is the top of the loop.
		commitCtx := context.WithoutCancel(ctx)

		report := j.deps.Uploader.Upload(commitCtx, collectionID, label, stager.Dir())
		if err := stager.Clear(); err != nil {
			logger.Warn().Err(err).Msg("Failed to clear staging directory")
		}

		cursor += int64(len(refs))
		if err := j.deps.Store.MarkInProgress(commitCtx, collectionID, cursor, link); err != nil {
			return fmt.Errorf("%w: checkpoint %d: %v", ErrPersistence, cursor, err)
		}

		batchesTotal.Inc()
		itemsProcessed.Add(float64(len(refs)))
		logger.Info().
			Int64("cursor", cursor).
			Int("batch_size", len(refs)).
			Int("uploaded", report.Uploaded).
			Int("upload_failures", report.Failed).
			Dur("duration", time.Since(start)).
			Msg("Batch committed")
	}

	if err := j.deps.Store.MarkFinished(context.WithoutCancel(ctx), collectionID, link); err != nil {
		return fmt.Errorf("%w: mark finished: %v", ErrPersistence, err)
	}

	logger.Info().Int64("cursor", cursor).Msg("Collection finished")
	return nil
}

// Process runs a collection and absorbs every failure, including panics.
// The dispatcher's workers call it; the checkpoint in the store is the only
// result that matters.
func (j *Job) Process(ctx context.Context, collectionID string) {
	activeJobs.Inc()
	defer activeJobs.Dec()

	defer func() {
		if r := recover(); r != nil {
			runsTotal.WithLabelValues("panic").Inc()
			j.logger.Error().
				Str("collection", collectionID).
				Interface("panic", r).
				Msg("Collection run panicked")
		}
	}()

	err := j.Run(ctx, collectionID)
	switch {
	case err == nil:
		runsTotal.WithLabelValues("finished").Inc()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		runsTotal.WithLabelValues("cancelled").Inc()
		j.logger.Warn().Err(err).Str("collection", collectionID).Msg("Collection run cancelled")
	default:
		runsTotal.WithLabelValues("failed").Inc()
		j.logger.Error().Err(err).Str("collection", collectionID).Msg("Collection run failed")
	}
}

// label returns the collection name or the placeholder.
func (j *Job) label(ctx context.Context, collectionID string, logger zerolog.Logger) string {
	if j.deps.Metadata == nil {
		return PlaceholderLabel
	}
	md, err := j.deps.Metadata.CollectionMetadata(ctx, collectionID)
	if err != nil {
		logger.Warn().Err(err).Msg("Collection metadata unavailable - using placeholder label")
		return PlaceholderLabel
	}
	if md.Name == "" {
		return PlaceholderLabel
	}
	return md.Name
}

// stage re-stages a batch after a download failure, resuming at the failed item.
func (j *Job) stage(ctx context.Context, stager Stager, refs []asset.Ref, logger zerolog.Logger) ([]asset.Staged, error) {
	var lastErr error
	for attempt := 1; attempt <= j.config.StageAttempts; attempt++ {
		staged, err := stager.Stage(ctx, refs)
		if err == nil {
			return staged, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("Staging failed")
	}
	return nil, lastErr
}
