package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/nft-collection-archiver/internal/config"
	"github.com/Sternrassler/nft-collection-archiver/internal/httpapi"
	"github.com/Sternrassler/nft-collection-archiver/pkg/cache"
	"github.com/Sternrassler/nft-collection-archiver/pkg/client"
	"github.com/Sternrassler/nft-collection-archiver/pkg/dispatch"
	"github.com/Sternrassler/nft-collection-archiver/pkg/ingest"
	"github.com/Sternrassler/nft-collection-archiver/pkg/jobstore"
	"github.com/Sternrassler/nft-collection-archiver/pkg/logging"
	"github.com/Sternrassler/nft-collection-archiver/pkg/pagination"
	"github.com/Sternrassler/nft-collection-archiver/pkg/provider"
	"github.com/Sternrassler/nft-collection-archiver/pkg/ratelimit"
	"github.com/Sternrassler/nft-collection-archiver/pkg/staging"
	"github.com/Sternrassler/nft-collection-archiver/pkg/storage"
)

// app holds the wired components of one process.
type app struct {
	cfg   config.Config
	redis *redis.Client
	store jobstore.Store
	job   *ingest.Job
}

// openStore connects only what the job store needs.
func openStore(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.Redis.Enabled() {
		opts, err := cfg.Redis.Options()
		if err != nil {
			return nil, err
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.redis.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
		}
	}

	store, err := jobstore.Open(ctx, cfg.JobStoreOptions(), a.redis)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open job store: %w", err)
	}
	a.store = store
	return a, nil
}

// buildApp wires the complete ingestion pipeline.
func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	a, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := a.wireIngest(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wireIngest(ctx context.Context) error {
	cfg := a.cfg

	var tracker *ratelimit.Tracker
	var metadataCache provider.MetadataCache
	if a.redis != nil {
		tracker = ratelimit.NewTracker(a.redis, logging.NewLogger("ratelimit"))
		metadataCache = cache.NewManager(a.redis)
	}
	policy := ratelimit.Policy{
		DefaultCooldown: cfg.Provider.DefaultCooldown,
		MaxCooldown:     cfg.Provider.MaxCooldown,
	}

	apiCfg := client.DefaultConfig("provider", cfg.Provider.UserAgent)
	apiCfg.Policy = policy
	apiCfg.MaxAttempts = cfg.Provider.MaxAttempts
	apiCfg.Tracker = tracker
	apiClient, err := client.New(apiCfg)
	if err != nil {
		return fmt.Errorf("create provider client: %w", err)
	}

	assetCfg := client.DefaultConfig("assets", cfg.Provider.UserAgent)
	assetCfg.Policy = policy
	assetCfg.MaxAttempts = cfg.Provider.MaxAttempts
	assetCfg.HTTPClient = &http.Client{Timeout: cfg.Assets.Timeout}
	assetClient, err := client.New(assetCfg)
	if err != nil {
		return fmt.Errorf("create asset client: %w", err)
	}

	prov, err := provider.New(apiClient, provider.Config{
		BaseURL:  cfg.Provider.BaseURL,
		APIKey:   cfg.Provider.APIKey,
		Cache:    metadataCache,
		CacheTTL: cfg.Provider.MetadataCacheTTL,
	})
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}

	fetcher := pagination.NewFetcher(prov, pagination.Config{
		PageLimit: cfg.Provider.PageLimit,
		Timeout:   cfg.Provider.FetchTimeout,
	})

	objects, err := openObjectStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	job, err := ingest.New(ingest.Deps{
		Fetcher:  fetcher,
		Metadata: prov,
		Stagers: func(dir string) (ingest.Stager, error) {
			return staging.New(assetClient, staging.Config{Dir: dir, Pause: cfg.Assets.Pause})
		},
		Uploader: storage.NewUploader(objects, cfg.Storage.Bucket),
		Store:    a.store,
	}, ingest.Config{
		BatchSize:     cfg.Ingest.BatchSize,
		StageAttempts: cfg.Assets.StageAttempts,
		StagingRoot:   cfg.Assets.StagingRoot,
		ConsoleURL:    cfg.Storage.ConsoleURL,
	})
	if err != nil {
		return fmt.Errorf("create ingestion job: %w", err)
	}
	a.job = job
	return nil
}

func openObjectStore(ctx context.Context, cfg config.StorageConfig) (storage.ObjectStore, error) {
	switch cfg.Backend {
	case config.StorageS3:
		store, err := storage.NewS3Store(ctx, storage.S3Config{
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			PathStyle: cfg.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 store: %w", err)
		}
		return store, nil
	case config.StorageDir:
		store, err := storage.NewDirStore(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("create dir store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// queue returns the dispatch queue selected by the configuration.
func (a *app) queue() (dispatch.Queue, error) {
	switch a.cfg.Queue.Backend {
	case config.QueueRedis:
		if a.redis == nil {
			return nil, errors.New("redis queue requires redis")
		}
		return dispatch.NewRedisQueue(a.redis, a.cfg.Queue.Key), nil
	case config.QueueMemory:
		return dispatch.NewMemoryQueue(a.cfg.Queue.Size), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", a.cfg.Queue.Backend)
	}
}

// exclusive reports whether this process is the only one that can see its
// queue and job store, so fresh unfinished jobs are safe to resume.
func (a *app) exclusive() bool {
	if a.cfg.Queue.Backend != config.QueueMemory {
		return false
	}
	switch a.cfg.JobStore.Backend {
	case jobstore.BackendMemory, jobstore.BackendSQLite:
		return true
	}
	return false
}

// checks returns the readiness probes of the connected backends.
func (a *app) checks() []httpapi.Check {
	checks := []httpapi.Check{{Name: "jobstore", Ping: a.store.Ping}}
	if a.redis != nil {
		checks = append(checks, httpapi.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	return checks
}

// Close releases the job store and Redis.
func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
