package pagination

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/Sternrassler/nft-collection-archiver/pkg/asset"
	"github.com/Sternrassler/nft-collection-archiver/pkg/client"
	"github.com/Sternrassler/nft-collection-archiver/pkg/provider"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	pagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archiver_pages_fetched_total",
		Help: "Total collection pages fetched from the provider",
	})

	partialBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archiver_partial_batches_total",
		Help: "Batches cut short by an upstream failure after some items were collected",
	})
)

// Config holds fetcher configuration.
type Config struct {
	// PageLimit is the largest page requested from the provider.
	PageLimit int

	// Timeout per page fetch, including throttling retries.
	Timeout time.Duration
}

// DefaultConfig returns the provider's maximum page size and a timeout that
// leaves room for the full retry ladder.
func DefaultConfig() Config {
	return Config{
		PageLimit: provider.MaxPageLimit,
		Timeout:   30 * time.Minute,
	}
}

// PageSource is the provider operation the fetcher depends on.
type PageSource interface {
	FetchPage(ctx context.Context, collectionID string, startToken *big.Int, limit int) (provider.Page, error)
}

// Fetcher collects batches of item references page by page.
type Fetcher struct {
	source PageSource
	config Config
	logger zerolog.Logger
}

// NewFetcher creates a new fetcher.
func NewFetcher(source PageSource, config Config) *Fetcher {
	if config.PageLimit <= 0 || config.PageLimit > provider.MaxPageLimit {
		config.PageLimit = provider.MaxPageLimit
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	return &Fetcher{
		source: source,
		config: config,
		logger: log.With().Str("component", "fetcher").Logger(),
	}
}

// FetchBatch returns up to maxItems references starting at startOffset.
// An empty result with a nil error means the collection has no items left.
func (f *Fetcher) FetchBatch(ctx context.Context, collectionID string, startOffset int64, maxItems int) ([]asset.Ref, error) {
	if maxItems <= 0 {
		return nil, nil
	}

	refs := make([]asset.Ref, 0, maxItems)
	token := big.NewInt(startOffset)

	for len(refs) < maxItems {
		limit := maxItems - len(refs)
		if limit > f.config.PageLimit {
			limit = f.config.PageLimit
		}

		pageCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
		page, err := f.source.FetchPage(pageCtx, collectionID, token, limit)
		cancel()

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("fetch batch for %s: %w", collectionID, ctxErr)
			}
			if len(refs) == 0 {
				return nil, fmt.Errorf("%w: fetch %s at %d: %w",
					client.ErrUpstreamUnavailable, collectionID, startOffset, err)
			}

			partialBatches.Inc()
			f.logger.Warn().
				Err(err).
				Str("collection", collectionID).
				Str("start_token", token.String()).
				Int("collected", len(refs)).
				Msg("Page fetch failed - returning partial batch")
			break
		}
		pagesFetched.Inc()

		refs = append(refs, page.Items...)

		f.logger.Debug().
			Str("collection", collectionID).
			Str("start_token", token.String()).
			Int("items", len(page.Items)).
			Int("collected", len(refs)).
			Msg("Fetched page")

		if len(page.Items) == 0 || page.NextToken == nil {
			break
		}
		token = page.NextToken
	}

	if len(refs) > maxItems {
		refs = refs[:maxItems]
	}
	return refs, nil
}
