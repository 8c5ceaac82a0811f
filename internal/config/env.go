package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type lookupFunc func(key string) (string, bool)

var envLookup lookupFunc = os.LookupEnv

type binding struct {
	keys []string
	set  func(cfg *Config, value string) error
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*field(cfg) = v
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(cfg) = n
		return nil
	}
}

func boolean(field func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(cfg) = b
		return nil
	}
}

func duration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(cfg) = d
		return nil
	}
}

// bindings lists the environment overrides. When several keys are listed the
// first one set wins.
var bindings = []binding{
	{[]string{"ARCHIVER_SERVER_ADDR", "PORT"}, func(cfg *Config, v string) error {
		if _, err := strconv.Atoi(v); err == nil {
			v = ":" + v
		}
		cfg.Server.Addr = v
		return nil
	}},
	{[]string{"ARCHIVER_PROVIDER_BASE_URL"}, str(func(c *Config) *string { return &c.Provider.BaseURL })},
	{[]string{"ARCHIVER_PROVIDER_API_KEY", "ALCHEMY_KEY"}, str(func(c *Config) *string { return &c.Provider.APIKey })},
	{[]string{"ARCHIVER_PROVIDER_USER_AGENT", "USER_AGENT"}, str(func(c *Config) *string { return &c.Provider.UserAgent })},
	{[]string{"ARCHIVER_PROVIDER_PAGE_LIMIT"}, integer(func(c *Config) *int { return &c.Provider.PageLimit })},
	{[]string{"ARCHIVER_PROVIDER_DEFAULT_COOLDOWN"}, duration(func(c *Config) *time.Duration { return &c.Provider.DefaultCooldown })},
	{[]string{"ARCHIVER_PROVIDER_MAX_COOLDOWN"}, duration(func(c *Config) *time.Duration { return &c.Provider.MaxCooldown })},
	{[]string{"ARCHIVER_ASSETS_STAGING_ROOT"}, str(func(c *Config) *string { return &c.Assets.StagingRoot })},
	{[]string{"ARCHIVER_ASSETS_PAUSE"}, duration(func(c *Config) *time.Duration { return &c.Assets.Pause })},
	{[]string{"ARCHIVER_STORAGE_BACKEND"}, str(func(c *Config) *string { return &c.Storage.Backend })},
	{[]string{"ARCHIVER_STORAGE_BUCKET", "S3_BUCKET"}, str(func(c *Config) *string { return &c.Storage.Bucket })},
	{[]string{"ARCHIVER_STORAGE_DIR"}, str(func(c *Config) *string { return &c.Storage.Dir })},
	{[]string{"ARCHIVER_STORAGE_REGION", "AWS_REGION"}, str(func(c *Config) *string { return &c.Storage.Region })},
	{[]string{"ARCHIVER_STORAGE_ENDPOINT"}, str(func(c *Config) *string { return &c.Storage.Endpoint })},
	{[]string{"ARCHIVER_STORAGE_PATH_STYLE"}, boolean(func(c *Config) *bool { return &c.Storage.PathStyle })},
	{[]string{"ARCHIVER_STORAGE_CONSOLE_URL"}, str(func(c *Config) *string { return &c.Storage.ConsoleURL })},
	{[]string{"ARCHIVER_JOBSTORE_BACKEND"}, str(func(c *Config) *string { return &c.JobStore.Backend })},
	{[]string{"ARCHIVER_JOBSTORE_PATH"}, str(func(c *Config) *string { return &c.JobStore.Path })},
	{[]string{"ARCHIVER_JOBSTORE_DSN", "DATABASE_URL"}, str(func(c *Config) *string { return &c.JobStore.DSN })},
	{[]string{"ARCHIVER_QUEUE_BACKEND"}, str(func(c *Config) *string { return &c.Queue.Backend })},
	{[]string{"ARCHIVER_QUEUE_STALE_AFTER"}, duration(func(c *Config) *time.Duration { return &c.Queue.StaleAfter })},
	{[]string{"ARCHIVER_REDIS_ADDR", "REDIS_URL"}, str(func(c *Config) *string { return &c.Redis.Addr })},
	{[]string{"ARCHIVER_REDIS_PASSWORD"}, str(func(c *Config) *string { return &c.Redis.Password })},
	{[]string{"ARCHIVER_INGEST_BATCH_SIZE"}, integer(func(c *Config) *int { return &c.Ingest.BatchSize })},
	{[]string{"ARCHIVER_INGEST_WORKERS"}, integer(func(c *Config) *int { return &c.Ingest.Workers })},
	{[]string{"ARCHIVER_LOG_LEVEL", "LOG_LEVEL"}, str(func(c *Config) *string { return &c.Log.Level })},
	{[]string{"ARCHIVER_LOG_PRETTY"}, boolean(func(c *Config) *bool { return &c.Log.Pretty })},
	{[]string{"ARCHIVER_LOG_FILE"}, str(func(c *Config) *string { return &c.Log.File })},
}

func applyEnv(cfg *Config, lookup lookupFunc) error {
	for _, b := range bindings {
		for _, key := range b.keys {
			v, ok := lookup(key)
			if !ok || v == "" {
				continue
			}
			if err := b.set(cfg, v); err != nil {
				return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, v, err)
			}
			break
		}
	}
	return nil
}
