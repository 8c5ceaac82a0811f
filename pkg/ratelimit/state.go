package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Redis key layout for cooldown state.
const (
	redisKeyPrefix = "archiver:rate_limit"
)

// CooldownKey returns the Redis key holding the cooldown deadline for host.
func CooldownKey(host string) string {
	return fmt.Sprintf("%s:%s:until", redisKeyPrefix, strings.ToLower(host))
}

// CooldownState describes a cooldown observed for one upstream host.
// The state is shared across all workers via Redis.
type CooldownState struct {
	// Host is the upstream host that answered 429.
	Host string `json:"host"`

	// Until is when requests to the host may resume.
	Until time.Time `json:"until"`

	// LastUpdate is when the cooldown was recorded.
	LastUpdate time.Time `json:"last_update"`
}

// Active reports whether the cooldown is still in effect at now.
func (s *CooldownState) Active(now time.Time) bool {
	return s != nil && now.Before(s.Until)
}

// Remaining returns how long the cooldown still lasts at now.
// Returns 0 once the deadline has passed.
func (s *CooldownState) Remaining(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	d := s.Until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
