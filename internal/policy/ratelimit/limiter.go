// Package ratelimit paces upstream requests per API host.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/prompt-collector/internal/metrics"
)

// Limiter spaces successive requests to the same host by a fixed interval and
// implements fixed rate-limit cooldowns.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

// Config holds rate limiter configuration.
type Config struct {
	// Interval is the minimum spacing between requests to one host. Zero disables pacing.
	Interval time.Duration
	// Burst is the number of requests allowed back to back. Defaults to 1.
	Burst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	every := rate.Inf
	if cfg.Interval > 0 {
		every = rate.Every(cfg.Interval)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		every:    every,
		burst:    burst,
	}
}

// Wait blocks until the host of rawURL may be contacted again.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := metrics.SanitizeSite(rawURL)
	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.every, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, "pacing", waited)
	}
	return nil
}

// Cooldown sleeps for d after the host answered 429, returning early on cancellation.
func (l *Limiter) Cooldown(ctx context.Context, rawURL string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	start := time.Now()
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate limit cooldown: %w", ctx.Err())
	case <-timer.C:
	}
	metrics.ObserveRateLimitDelay(metrics.SanitizeSite(rawURL), "cooldown", time.Since(start))
	return nil
}
