package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	cooldownsRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_rate_limit_cooldowns_recorded_total",
		Help: "Cooldowns recorded in the shared tracker by host",
	}, []string{"host"})

	cooldownWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_rate_limit_shared_waits_total",
		Help: "Requests delayed because another worker recorded a cooldown for the host",
	}, []string{"host"})
)

// recordCooldownScript writes the cooldown unless the stored one outlives it.
// KEYS[1] = cooldown key, ARGV[1] = state JSON, ARGV[2] = ttl in ms.
// Returns 1 when written, 0 when a longer cooldown was kept.
var recordCooldownScript = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[1])
if ttl > tonumber(ARGV[2]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// Tracker shares cooldown deadlines between workers through Redis.
// A nil *Tracker is valid and does nothing.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a new cooldown tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		now:    time.Now,
	}
}

// GetState returns the cooldown recorded for host, or nil if none is active.
func (t *Tracker) GetState(ctx context.Context, host string) (*CooldownState, error) {
	if t == nil || t.redis == nil {
		return nil, nil
	}

	data, err := t.redis.Get(ctx, CooldownKey(host)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cooldown for %s: %w", host, err)
	}

	var state CooldownState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse cooldown for %s: %w", host, err)
	}
	return &state, nil
}

// RecordCooldown stores that host should not be contacted for d.
// An existing cooldown with a longer remaining lifetime is kept; the check and
// the write are a single Redis script, so concurrent workers cannot shorten it.
func (t *Tracker) RecordCooldown(ctx context.Context, host string, d time.Duration) error {
	if t == nil || t.redis == nil || d <= 0 {
		return nil
	}

	now := t.now()
	state := CooldownState{
		Host:       host,
		Until:      now.Add(d),
		LastUpdate: now,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal cooldown: %w", err)
	}

	ttl := d.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	written, err := recordCooldownScript.Run(ctx, t.redis, []string{CooldownKey(host)}, data, ttl).Int()
	if err != nil {
		return fmt.Errorf("store cooldown for %s: %w", host, err)
	}
	if written == 0 {
		t.logger.Debug().
			Str("host", host).
			Dur("cooldown", d).
			Msg("Kept longer shared cooldown")
		return nil
	}

	cooldownsRecordedTotal.WithLabelValues(host).Inc()
	t.logger.Info().
		Str("host", host).
		Dur("cooldown", d).
		Time("until", state.Until).
		Msg("Recorded shared cooldown")
	return nil
}

// Wait blocks while another worker's cooldown for host is active.
// Tracker errors are logged and do not block the caller.
func (t *Tracker) Wait(ctx context.Context, host string, sleep SleepFunc) error {
	if t == nil || t.redis == nil {
		return nil
	}

	state, err := t.GetState(ctx, host)
	if err != nil {
		t.logger.Warn().Err(err).Str("host", host).Msg("Cooldown lookup failed")
		return nil
	}

	remaining := state.Remaining(t.now())
	if remaining <= 0 {
		return nil
	}

	cooldownWaitsTotal.WithLabelValues(host).Inc()
	t.logger.Debug().
		Str("host", host).
		Dur("remaining", remaining).
		Msg("Waiting for shared cooldown")

	if sleep == nil {
		sleep = Sleep
	}
	return sleep(ctx, remaining)
}
