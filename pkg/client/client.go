// Package client provides the rate-limit aware HTTP client shared by the
// upstream provider and the asset downloader. Each component owns its own
// Client so their cooldown policies stay independent.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/nft-collection-archiver/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for HTTP operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_http_requests_total",
		Help: "Total upstream HTTP requests by client and status",
	}, []string{"client", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "archiver_http_request_duration_seconds",
		Help:    "Upstream HTTP request duration in seconds by client",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"client"})
)

// Client wraps an *http.Client with 429 handling.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Name labels metrics and logs (REQUIRED).
	Name string

	// HTTPClient performs the requests. Defaults to a client with a 60s timeout.
	HTTPClient *http.Client

	// UserAgent header sent with every request.
	UserAgent string

	// Policy clamps the cooldown after a 429.
	Policy ratelimit.Policy

	// MaxAttempts bounds how often a throttled request is re-issued.
	MaxAttempts int

	// Tracker shares cooldowns between workers. Optional.
	Tracker *ratelimit.Tracker

	// Sleep blocks during cooldowns. Defaults to ratelimit.Sleep.
	Sleep ratelimit.SleepFunc
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(name, userAgent string) Config {
	return Config{
		Name:        name,
		UserAgent:   userAgent,
		Policy:      ratelimit.DefaultPolicy(),
		MaxAttempts: DefaultMaxAttempts,
		Sleep:       ratelimit.Sleep,
	}
}

// New creates a new Client.
func New(cfg Config) (*Client, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("client name is required")
	}
	if cfg.Policy.DefaultCooldown < 0 {
		return nil, fmt.Errorf("default cooldown must be >= 0 (got %s)", cfg.Policy.DefaultCooldown)
	}
	if cfg.Policy.MaxCooldown < cfg.Policy.DefaultCooldown {
		return nil, fmt.Errorf("max cooldown %s is below default cooldown %s",
			cfg.Policy.MaxCooldown, cfg.Policy.DefaultCooldown)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Sleep == nil {
		cfg.Sleep = ratelimit.Sleep
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
		logger:     log.With().Str("component", "http-client").Str("client", cfg.Name).Logger(),
	}, nil
}

// Do performs req, re-issuing the identical request while the server answers
// 429. Every other response, including errors, is returned to the caller who
// owns closing its body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	host := req.URL.Host

	var resp *http.Response

	err := RetryThrottled(ctx, c.retryConfig(), func(attempt int) (Attempt, error) {
		// Later attempts already slept this host's cooldown in RetryThrottled.
		if attempt == 1 {
			if err := c.config.Tracker.Wait(ctx, host, c.config.Sleep); err != nil {
				return Attempt{}, fmt.Errorf("%w: %v", ErrContextCancelled, err)
			}
		}

		attemptReq, err := cloneRequest(ctx, req, attempt)
		if err != nil {
			return Attempt{}, err
		}
		if c.config.UserAgent != "" {
			attemptReq.Header.Set("User-Agent", c.config.UserAgent)
		}

		start := time.Now()
		r, err := c.httpClient.Do(attemptReq)
		requestDuration.WithLabelValues(c.config.Name).Observe(time.Since(start).Seconds())
		if err != nil {
			requestsTotal.WithLabelValues(c.config.Name, "network_error").Inc()
			c.logger.Debug().Err(err).Str("url", req.URL.Redacted()).Msg("HTTP request failed")
			return Attempt{}, &UpstreamError{
				Class:   ErrorClassNetwork,
				Message: req.Method + " " + req.URL.Redacted(),
				Err:     err,
			}
		}
		requestsTotal.WithLabelValues(c.config.Name, strconv.Itoa(r.StatusCode)).Inc()

		if r.StatusCode != http.StatusTooManyRequests {
			resp = r
			return Attempt{}, nil
		}

		retryAfter := ratelimit.ParseRetryAfter(r.Header, time.Now())
		io.Copy(io.Discard, io.LimitReader(r.Body, 64<<10))
		r.Body.Close()

		if err := c.config.Tracker.RecordCooldown(ctx, host, c.config.Policy.Backoff(retryAfter)); err != nil {
			c.logger.Warn().Err(err).Str("host", host).Msg("Failed to share cooldown")
		}
		return Attempt{Throttled: true, RetryAfter: retryAfter}, nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Get performs a GET request to url.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.Do(req)
}

// Name returns the client's metrics label.
func (c *Client) Name() string {
	return c.config.Name
}

func (c *Client) retryConfig() RetryConfig {
	return RetryConfig{
		Name:        c.config.Name,
		MaxAttempts: c.config.MaxAttempts,
		Policy:      c.config.Policy,
		Sleep:       c.config.Sleep,
	}
}

// cloneRequest returns a fresh copy of req for the given attempt, rewinding
// the body on retries.
func cloneRequest(ctx context.Context, req *http.Request, attempt int) (*http.Request, error) {
	clone := req.Clone(ctx)
	if attempt == 1 || req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body of %s cannot be replayed", req.URL.Redacted())
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	clone.Body = body
	return clone, nil
}
