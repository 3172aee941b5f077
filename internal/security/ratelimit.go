package security

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a key exceeds its limit.
var ErrRateLimited = errors.New("security: rate limit exceeded")

const (
	defaultAttemptsPerMin = 30
	defaultBurst          = 10
	idleEviction          = 10 * time.Minute
)

// RateLimitConfig bounds authentication attempts per client.
type RateLimitConfig struct {
	// AttemptsPerMin is the sustained rate per key. Defaults to 30.
	AttemptsPerMin int `yaml:"attempts_per_min"`
	// Burst is the number of attempts allowed at once. Defaults to 10.
	Burst int `yaml:"burst"`
}

func (c *RateLimitConfig) defaults() {
	if c.AttemptsPerMin <= 0 {
		c.AttemptsPerMin = defaultAttemptsPerMin
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
}

// RateLimiter keeps one token bucket per key (usually the client address).
// Buckets idle for a while are dropped.
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	now      func() time.Time
	limiters map[string]*keyed
	swept    time.Time
}

type keyed struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewRateLimiter creates a limiter. Zero fields in cfg use defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	cfg.defaults()
	return &RateLimiter{
		limit:    rate.Limit(float64(cfg.AttemptsPerMin) / 60),
		burst:    cfg.Burst,
		now:      time.Now,
		limiters: make(map[string]*keyed),
	}
}

// Allow consumes one attempt for key. A nil limiter allows everything.
func (rl *RateLimiter) Allow(key string) error {
	if rl == nil {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	k, ok := rl.limiters[key]
	if !ok {
		k = &keyed{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = k
	}
	k.seen = now
	if !k.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.swept) < idleEviction {
		return
	}
	rl.swept = now
	for key, k := range rl.limiters {
		if now.Sub(k.seen) > idleEviction {
			delete(rl.limiters, key)
		}
	}
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
