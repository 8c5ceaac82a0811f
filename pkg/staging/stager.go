// Package staging downloads the assets of one batch into a local directory
// before they are uploaded. A batch interrupted by a download failure resumes
// at the failed item when the same batch is staged again.
package staging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Sternrassler/nft-collection-archiver/pkg/asset"
	"github.com/Sternrassler/nft-collection-archiver/pkg/client"
	"github.com/Sternrassler/nft-collection-archiver/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPause is the courtesy pause after each staged batch.
const DefaultPause = 2 * time.Second

var (
	assetsStaged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archiver_assets_staged_total",
		Help: "Total assets written to the staging directory",
	})

	assetBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archiver_asset_bytes_total",
		Help: "Total asset bytes downloaded",
	})

	downloadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archiver_asset_download_failures_total",
		Help: "Total asset downloads that aborted a batch",
	})
)

// Config holds stager configuration.
type Config struct {
	// Dir is the staging directory (REQUIRED). Created if missing.
	Dir string

	// Pause after every completed batch. Zero disables it.
	Pause time.Duration

	// Sleep performs the pause. Defaults to ratelimit.Sleep.
	Sleep ratelimit.SleepFunc
}

// Stager writes batch assets to its directory.
type Stager struct {
	client *client.Client
	dir    string
	pause  time.Duration
	sleep  ratelimit.SleepFunc
	logger zerolog.Logger

	mu     sync.Mutex
	batch  []asset.Ref
	next   int
	staged []asset.Staged
}

// New creates a Stager that downloads through c.
func New(c *client.Client, cfg Config) (*Stager, error) {
	if c == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("staging directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = ratelimit.Sleep
	}

	return &Stager{
		client: c,
		dir:    cfg.Dir,
		pause:  cfg.Pause,
		sleep:  cfg.Sleep,
		logger: log.With().Str("component", "stager").Str("dir", cfg.Dir).Logger(),
	}, nil
}

// Dir returns the staging directory.
func (s *Stager) Dir() string {
	return s.dir
}

// Stage downloads every ref in order. On failure it returns a *DownloadError
// and remembers its position; staging the same batch again continues from the
// failed item. A different batch starts over.
func (s *Stager) Stage(ctx context.Context, refs []asset.Ref) ([]asset.Staged, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !sameBatch(s.batch, refs) {
		s.batch = append([]asset.Ref(nil), refs...)
		s.next = 0
		s.staged = make([]asset.Staged, 0, len(refs))
	} else if s.next > 0 {
		s.logger.Info().Int("resume_at", s.next).Int("batch_size", len(refs)).Msg("Resuming batch")
	}

	for s.next < len(s.batch) {
		ref := s.batch[s.next]
		staged, err := s.download(ctx, ref)
		if err != nil {
			downloadFailures.Inc()
			s.logger.Warn().Err(err).Str("item_id", ref.ItemID.String()).Int("position", s.next).Msg("Asset download failed")
			return nil, err
		}
		s.staged = append(s.staged, staged)
		s.next++
	}

	if s.pause > 0 {
		if err := s.sleep(ctx, s.pause); err != nil {
			return nil, fmt.Errorf("courtesy pause: %w", err)
		}
	}

	return append([]asset.Staged(nil), s.staged...), nil
}

func (s *Stager) download(ctx context.Context, ref asset.Ref) (asset.Staged, error) {
	resp, err := s.client.Get(ctx, ref.URI)
	if err != nil {
		return asset.Staged{}, &DownloadError{ItemID: ref.ItemID, URI: ref.URI, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return asset.Staged{}, &DownloadError{ItemID: ref.ItemID, URI: ref.URI, StatusCode: resp.StatusCode}
	}

	ext := ExtensionFor(resp.Header.Get("Content-Type"))
	path := filepath.Join(s.dir, asset.FileName(ref.ItemID, ext))

	n, err := writeAtomic(s.dir, path, resp.Body)
	if err != nil {
		return asset.Staged{}, &DownloadError{ItemID: ref.ItemID, URI: ref.URI, Err: err}
	}
	assetsStaged.Inc()
	assetBytes.Add(float64(n))

	s.logger.Debug().Str("item_id", ref.ItemID.String()).Str("path", path).Int64("bytes", n).Msg("Staged asset")
	return asset.Staged{ItemID: ref.ItemID, Path: path, Ext: ext}, nil
}

// Clear removes every entry of the staging directory and forgets the current
// batch. The directory itself is kept.
func (s *Stager) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batch = nil
	s.next = 0
	s.staged = nil

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(s.dir, 0o755)
		}
		return fmt.Errorf("read staging directory: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			return fmt.Errorf("clear staging directory: %w", err)
		}
	}
	return nil
}

// writeAtomic streams r to a temp file in dir and renames it to path.
func writeAtomic(dir, path string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(dir, ".stage-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func sameBatch(a, b []asset.Ref) bool {
	if len(a) != len(b) || a == nil {
		return false
	}
	for i := range a {
		if a[i].URI != b[i].URI || a[i].ItemID.Cmp(b[i].ItemID) != 0 {
			return false
		}
	}
	return true
}
