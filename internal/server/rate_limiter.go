// Package server throttles inbound chat frames per connection so a single
// noisy client cannot monopolize the hub's event loop.
package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimiter is a token bucket sized by RateLimitConfig: Burst tokens refill
// continuously over RefillInterval. Each inbound frame costs one token;
// frames arriving with the bucket empty are discarded and logged.
type rateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	burst    float64
	perSec   float64
	interval time.Duration
	last     time.Time
	log      zerolog.Logger
}

func newRateLimiter(cfg RateLimitConfig, log zerolog.Logger) *rateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &rateLimiter{
		tokens:   float64(burst),
		burst:    float64(burst),
		perSec:   float64(burst) / interval.Seconds(),
		interval: interval,
		last:     time.Now(),
		log:      log,
	}
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(rl.last).Seconds(); elapsed > 0 {
		rl.tokens += elapsed * rl.perSec
		if rl.tokens > rl.burst {
			rl.tokens = rl.burst
		}
	}
	rl.last = now

	if rl.tokens < 1 {
		rl.log.Warn().Float64("burst", rl.burst).Dur("interval", rl.interval).
			Msg("rate limit exceeded, discarding frame")
		return false
	}

	rl.tokens--
	return true
}
