// Package ratelimit implements the cooldown policy applied when an upstream
// host answers 429 Too Many Requests, and a Redis-backed tracker that shares
// an observed cooldown between workers hitting the same host.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Defaults observed against the upstream NFT API and IPFS gateways.
const (
	DefaultCooldown = 120 * time.Second
	MaxCooldown     = 240 * time.Second
)

// Policy bounds how long a throttled caller waits before retrying.
type Policy struct {
	// DefaultCooldown is used when the server suggests nothing, and is also
	// the floor for any suggestion.
	DefaultCooldown time.Duration

	// MaxCooldown caps any server suggestion.
	MaxCooldown time.Duration
}

// DefaultPolicy returns the 120s/240s policy.
func DefaultPolicy() Policy {
	return Policy{
		DefaultCooldown: DefaultCooldown,
		MaxCooldown:     MaxCooldown,
	}
}

// Backoff clamps a server-suggested delay into [DefaultCooldown, MaxCooldown].
// A zero or negative suggestion means "no suggestion".
func (p Policy) Backoff(suggested time.Duration) time.Duration {
	d := suggested
	if d < p.DefaultCooldown {
		d = p.DefaultCooldown
	}
	if p.MaxCooldown > 0 && d > p.MaxCooldown {
		d = p.MaxCooldown
	}
	return d
}

// maxRetryAfterSeconds is the largest delta that fits a time.Duration.
const maxRetryAfterSeconds = float64(math.MaxInt64 / int64(time.Second))

// ParseRetryAfter reads the Retry-After header as delta-seconds or an HTTP date.
// Missing or malformed values yield 0.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}

	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if math.IsNaN(secs) || secs <= 0 {
			return 0
		}
		if secs >= maxRetryAfterSeconds {
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(secs * float64(time.Second))
	}

	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the production SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
