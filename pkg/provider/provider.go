// Package provider is the typed client for the upstream NFT indexing API
// (Alchemy NFT API v2 shape). It lists collection items page by page and looks
// up collection metadata.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/nft-collection-archiver/pkg/cache"
	"github.com/Sternrassler/nft-collection-archiver/pkg/client"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	endpointCollection = "getNFTsForCollection"
	endpointMetadata   = "getContractMetadata"

	// MaxPageLimit is the largest page the upstream serves.
	MaxPageLimit = 100

	metadataNamespace = "metadata"
)

// MetadataCache stores raw metadata responses. *cache.Manager implements it.
type MetadataCache interface {
	Get(ctx context.Context, key cache.Key) (*cache.Entry, error)
	Set(ctx context.Context, key cache.Key, entry *cache.Entry) error
}

// Config holds the provider configuration.
type Config struct {
	// BaseURL of the NFT API, e.g. https://eth-mainnet.g.alchemy.com/nft/v2 (REQUIRED).
	BaseURL string

	// APIKey is appended as the last path segment when set.
	APIKey string

	// Cache for collection metadata. Optional.
	Cache MetadataCache

	// CacheTTL applies when the upstream sends no Expires header.
	CacheTTL time.Duration
}

// Provider fetches collection pages and metadata.
type Provider struct {
	client   *client.Client
	baseURL  string
	cache    MetadataCache
	cacheTTL time.Duration
	logger   zerolog.Logger
}

// New creates a Provider that sends every request through c.
func New(c *client.Client, cfg Config) (*Provider, error) {
	if c == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider base URL is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIKey != "" {
		base += "/" + url.PathEscape(cfg.APIKey)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}

	return &Provider{
		client:   c,
		baseURL:  base,
		cache:    cfg.Cache,
		cacheTTL: ttl,
		logger:   log.With().Str("component", "provider").Logger(),
	}, nil
}

// FetchPage requests up to limit items of a collection starting at startToken.
func (p *Provider) FetchPage(ctx context.Context, collectionID string, startToken *big.Int, limit int) (Page, error) {
	if limit <= 0 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if startToken == nil {
		startToken = new(big.Int)
	}

	q := url.Values{}
	q.Set("contractAddress", collectionID)
	q.Set("withMetadata", "true")
	q.Set("startToken", startToken.String())
	q.Set("limit", strconv.Itoa(limit))

	p.logger.Debug().
		Str("collection", collectionID).
		Str("start_token", startToken.String()).
		Int("limit", limit).
		Msg("Fetching collection page")

	resp, err := p.client.Get(ctx, p.baseURL+"/"+endpointCollection+"?"+q.Encode())
	if err != nil {
		return Page{}, fmt.Errorf("%s: %w", endpointCollection, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, endpointCollection); err != nil {
		return Page{}, err
	}

	var body collectionPage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Page{}, &ParseError{Endpoint: endpointCollection, Index: -1, Reason: "invalid json", Err: err}
	}
	return body.toPage()
}

// CollectionMetadata returns the metadata of a collection, served from the
// cache when possible. A missing name is returned as "".
func (p *Provider) CollectionMetadata(ctx context.Context, collectionID string) (Metadata, error) {
	key := cache.Key{Namespace: metadataNamespace, Collection: collectionID}

	if p.cache != nil {
		entry, err := p.cache.Get(ctx, key)
		switch {
		case err == nil:
			if md, err := decodeMetadata(entry.Data); err == nil {
				return md, nil
			}
			p.logger.Warn().Str("collection", collectionID).Msg("Ignoring undecodable cached metadata")
		case !errors.Is(err, cache.ErrCacheMiss):
			p.logger.Warn().Err(err).Str("collection", collectionID).Msg("Metadata cache unavailable")
		}
	}

	q := url.Values{}
	q.Set("contractAddress", collectionID)

	resp, err := p.client.Get(ctx, p.baseURL+"/"+endpointMetadata+"?"+q.Encode())
	if err != nil {
		return Metadata{}, fmt.Errorf("%s: %w", endpointMetadata, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, endpointMetadata); err != nil {
		return Metadata{}, err
	}

	entry, err := cache.EntryFromResponse(resp, p.cacheTTL)
	if err != nil {
		return Metadata{}, fmt.Errorf("%s: %w", endpointMetadata, err)
	}
	md, err := decodeMetadata(entry.Data)
	if err != nil {
		return Metadata{}, err
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, key, entry); err != nil {
			p.logger.Warn().Err(err).Str("collection", collectionID).Msg("Failed to cache metadata")
		}
	}

	p.logger.Debug().Str("collection", collectionID).Str("name", md.Name).Msg("Resolved collection metadata")
	return md, nil
}

func decodeMetadata(data []byte) (Metadata, error) {
	var body contractMetadataResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return Metadata{}, &ParseError{Endpoint: endpointMetadata, Index: -1, Reason: "invalid json", Err: err}
	}
	if body.ContractMetadata == nil {
		return Metadata{}, &ParseError{Endpoint: endpointMetadata, Index: -1, Reason: "missing contractMetadata"}
	}
	return Metadata{
		Name:        strings.TrimSpace(body.ContractMetadata.Name),
		Symbol:      body.ContractMetadata.Symbol,
		TotalSupply: body.ContractMetadata.TotalSupply,
		TokenType:   body.ContractMetadata.TokenType,
	}, nil
}

// checkStatus turns a non-2xx response into an UpstreamError.
func checkStatus(resp *http.Response, endpoint string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &client.UpstreamError{
		StatusCode: resp.StatusCode,
		Class:      client.ErrorClassUpstream,
		Message:    fmt.Sprintf("%s: %s", endpoint, strings.TrimSpace(string(snippet))),
	}
}
