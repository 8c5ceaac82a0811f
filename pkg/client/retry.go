package client

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/nft-collection-archiver/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for throttling retries.
var (
	throttlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_rate_limit_throttles_total",
		Help: "Total number of 429 responses by client",
	}, []string{"client"})

	backoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "archiver_rate_limit_backoff_seconds",
		Help:    "Backoff duration slept after a 429 by client",
		Buckets: []float64{1, 5, 30, 60, 120, 180, 240},
	}, []string{"client"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_rate_limit_exhausted_total",
		Help: "Total number of requests that stayed throttled after all attempts",
	}, []string{"client"})
)

// DefaultMaxAttempts bounds how often a throttled request is re-issued.
const DefaultMaxAttempts = 5

// RetryConfig holds the configuration for throttling retries.
type RetryConfig struct {
	// Name labels metrics and logs (e.g. "provider", "assets").
	Name string

	// MaxAttempts is the maximum number of attempts including the first one.
	MaxAttempts int

	// Policy clamps the server-suggested delay.
	Policy ratelimit.Policy

	// Sleep blocks between attempts. Defaults to ratelimit.Sleep.
	Sleep ratelimit.SleepFunc
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig(name string) RetryConfig {
	return RetryConfig{
		Name:        name,
		MaxAttempts: DefaultMaxAttempts,
		Policy:      ratelimit.DefaultPolicy(),
		Sleep:       ratelimit.Sleep,
	}
}

// Attempt is the outcome of a single try.
type Attempt struct {
	// Throttled is true when the upstream answered 429.
	Throttled bool

	// RetryAfter is the server-suggested delay, 0 if none.
	RetryAfter time.Duration
}

// RetryThrottled runs op until it is not throttled, sleeping the clamped
// cooldown between attempts. op errors are returned immediately; throttling
// beyond MaxAttempts escalates to ErrRateLimitExhausted.
func RetryThrottled(ctx context.Context, cfg RetryConfig, op func(attempt int) (Attempt, error)) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Sleep == nil {
		cfg.Sleep = ratelimit.Sleep
	}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := op(attempt)
		if err != nil {
			return err
		}
		if !result.Throttled {
			if attempt > 1 {
				log.Info().
					Str("client", cfg.Name).
					Int("attempt", attempt).
					Msg("Request succeeded after throttling")
			}
			return nil
		}

		throttlesTotal.WithLabelValues(cfg.Name).Inc()

		if attempt >= cfg.MaxAttempts {
			break
		}

		backoff := cfg.Policy.Backoff(result.RetryAfter)
		backoffSeconds.WithLabelValues(cfg.Name).Observe(backoff.Seconds())

		log.Warn().
			Str("client", cfg.Name).
			Int("attempt", attempt).
			Dur("suggested", result.RetryAfter).
			Dur("cooldown", backoff).
			Msg("Throttled by upstream, backing off")

		if err := cfg.Sleep(ctx, backoff); err != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}

	retryExhaustedTotal.WithLabelValues(cfg.Name).Inc()
	log.Error().
		Str("client", cfg.Name).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Still throttled after all attempts")

	return &UpstreamError{
		StatusCode: 429,
		Class:      ErrorClassRateLimit,
		Message:    fmt.Sprintf("throttled on all %d attempts", cfg.MaxAttempts),
		Err:        ErrRateLimitExhausted,
	}
}
