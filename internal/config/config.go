// Package config loads the archiver configuration from an optional TOML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/nft-collection-archiver/pkg/jobstore"
	"github.com/Sternrassler/nft-collection-archiver/pkg/logging"
)

// Storage and queue backend names.
const (
	StorageS3  = "s3"
	StorageDir = "dir"

	QueueRedis  = "redis"
	QueueMemory = "memory"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete archiver configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Provider ProviderConfig `toml:"provider"`
	Assets   AssetsConfig   `toml:"assets"`
	Storage  StorageConfig  `toml:"storage"`
	JobStore JobStoreConfig `toml:"jobstore"`
	Queue    QueueConfig    `toml:"queue"`
	Redis    RedisConfig    `toml:"redis"`
	Ingest   IngestConfig   `toml:"ingest"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig configures the HTTP front door.
type ServerConfig struct {
	Addr            string        `toml:"addr"`
	RequestTimeout  time.Duration `toml:"request_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// ProviderConfig configures the upstream NFT API.
type ProviderConfig struct {
	BaseURL          string        `toml:"base_url"`
	APIKey           string        `toml:"api_key"`
	UserAgent        string        `toml:"user_agent"`
	PageLimit        int           `toml:"page_limit"`
	FetchTimeout     time.Duration `toml:"fetch_timeout"`
	DefaultCooldown  time.Duration `toml:"default_cooldown"`
	MaxCooldown      time.Duration `toml:"max_cooldown"`
	MaxAttempts      int           `toml:"max_attempts"`
	MetadataCacheTTL time.Duration `toml:"metadata_cache_ttl"`
}

// AssetsConfig configures asset downloads and staging.
type AssetsConfig struct {
	StagingRoot   string        `toml:"staging_root"`
	Pause         time.Duration `toml:"pause"`
	StageAttempts int           `toml:"stage_attempts"`
	Timeout       time.Duration `toml:"timeout"`
}

// StorageConfig configures the durable object store.
type StorageConfig struct {
	Backend string `toml:"backend"`

	// Bucket names the destination bucket; with the dir backend it is a
	// subdirectory of Dir.
	Bucket string `toml:"bucket"`

	// Dir is the root of the dir backend.
	Dir string `toml:"dir"`

	Region     string `toml:"region"`
	Endpoint   string `toml:"endpoint"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	PathStyle  bool   `toml:"path_style"`
	ConsoleURL string `toml:"console_url"`
}

// JobStoreConfig selects the job progress store.
type JobStoreConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	DSN     string `toml:"dsn"`
}

// QueueConfig configures dispatch.
type QueueConfig struct {
	Backend    string        `toml:"backend"`
	Key        string        `toml:"key"`
	Size       int           `toml:"size"`
	StaleAfter time.Duration `toml:"stale_after"`
}

// RedisConfig configures the shared Redis connection.
type RedisConfig struct {
	// Addr is host:port or a redis:// URL. Empty disables Redis.
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// IngestConfig configures collection runs.
type IngestConfig struct {
	BatchSize int `toml:"batch_size"`
	Workers   int `toml:"workers"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
	File   string `toml:"file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Provider: ProviderConfig{
			BaseURL:          "https://eth-mainnet.g.alchemy.com/nft/v2",
			UserAgent:        "nft-collection-archiver/0.1.0",
			PageLimit:        100,
			FetchTimeout:     30 * time.Minute,
			DefaultCooldown:  120 * time.Second,
			MaxCooldown:      240 * time.Second,
			MaxAttempts:      5,
			MetadataCacheTTL: 6 * time.Hour,
		},
		Assets: AssetsConfig{
			StagingRoot:   "imageCache",
			Pause:         2 * time.Second,
			StageAttempts: 3,
			Timeout:       60 * time.Second,
		},
		Storage: StorageConfig{
			Backend: StorageDir,
			Bucket:  "nft-archive",
			Dir:     "archive",
			Region:  "us-east-1",
		},
		JobStore: JobStoreConfig{
			Backend: jobstore.BackendRedis,
			Path:    "archiver.db",
		},
		Queue: QueueConfig{
			Backend:    QueueRedis,
			Size:       1024,
			StaleAfter: 2 * time.Hour,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Ingest: IngestConfig{
			BatchSize: 50,
			Workers:   4,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration: defaults, then the TOML file at path (if
// path is non-empty), then environment overrides. The result is validated.
func Load(path string) (Config, error) {
	return load(path, envLookup)
}

func load(path string, lookup lookupFunc) (Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the archiver cannot run with.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Provider.BaseURL == "" {
		fail("provider.base_url is required")
	}
	if c.Provider.PageLimit <= 0 || c.Provider.PageLimit > 100 {
		fail("provider.page_limit must be in 1..100 (got %d)", c.Provider.PageLimit)
	}
	if c.Provider.DefaultCooldown < 0 {
		fail("provider.default_cooldown must be >= 0")
	}
	if c.Provider.MaxCooldown < c.Provider.DefaultCooldown {
		fail("provider.max_cooldown %s is below default_cooldown %s", c.Provider.MaxCooldown, c.Provider.DefaultCooldown)
	}
	if c.Provider.MaxAttempts <= 0 {
		fail("provider.max_attempts must be positive")
	}

	if c.Assets.StagingRoot == "" {
		fail("assets.staging_root is required")
	}
	if c.Assets.StageAttempts <= 0 {
		fail("assets.stage_attempts must be positive")
	}

	if c.Storage.Bucket == "" {
		fail("storage.bucket is required")
	}
	switch c.Storage.Backend {
	case StorageS3:
	case StorageDir:
		if c.Storage.Dir == "" {
			fail("storage.dir is required for the dir backend")
		}
	default:
		fail("unknown storage.backend %q", c.Storage.Backend)
	}

	switch c.JobStore.Backend {
	case jobstore.BackendRedis, jobstore.BackendMemory:
	case jobstore.BackendSQLite:
		if c.JobStore.Path == "" {
			fail("jobstore.path is required for the sqlite backend")
		}
	case jobstore.BackendPostgres:
		if c.JobStore.DSN == "" {
			fail("jobstore.dsn is required for the postgres backend")
		}
	default:
		fail("unknown jobstore.backend %q", c.JobStore.Backend)
	}

	switch c.Queue.Backend {
	case QueueRedis, QueueMemory:
	default:
		fail("unknown queue.backend %q", c.Queue.Backend)
	}
	if c.Queue.StaleAfter <= 0 {
		fail("queue.stale_after must be positive")
	}

	if c.Redis.Addr == "" && (c.JobStore.Backend == jobstore.BackendRedis || c.Queue.Backend == QueueRedis) {
		fail("redis.addr is required by the redis job store and queue")
	}

	if c.Ingest.BatchSize <= 0 {
		fail("ingest.batch_size must be positive (got %d)", c.Ingest.BatchSize)
	}
	if c.Ingest.Workers <= 0 {
		fail("ingest.workers must be positive (got %d)", c.Ingest.Workers)
	}

	if !logging.ValidLevel(c.Log.Level) {
		fail("unknown log.level %q", c.Log.Level)
	}

	return errors.Join(errs...)
}

// Enabled reports whether a Redis connection is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// Options converts the settings into go-redis options. Addr may be a plain
// host:port or a redis:// URL.
func (r RedisConfig) Options() (*redis.Options, error) {
	if strings.HasPrefix(r.Addr, "redis://") || strings.HasPrefix(r.Addr, "rediss://") {
		opts, err := redis.ParseURL(r.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB}, nil
}

// JobStoreOptions returns the jobstore.Open configuration.
func (c Config) JobStoreOptions() jobstore.Config {
	return jobstore.Config{Backend: c.JobStore.Backend, Path: c.JobStore.Path, DSN: c.JobStore.DSN}
}

// LogOptions returns the logging.Setup configuration.
func (c Config) LogOptions() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	cfg.File = c.Log.File
	return cfg
}
