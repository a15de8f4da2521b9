// Package ratelimit implements a token bucket limiter shared by every loop of one call family.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/convograph-crawler/internal/crawler"
	"github.com/JakeFAU/convograph-crawler/internal/metrics"
)

// Limiter manages per-family rate limits. Families without a configured rate are unlimited.
type Limiter struct {
	mu       sync.Mutex
	limiters map[crawler.Family]*rate.Limiter
	rates    map[crawler.Family]float64
	burst    int
}

// Config holds rate limiter configuration.
type Config struct {
	// RPS maps a family to its aggregate requests per second. Zero or negative disables it.
	RPS   map[crawler.Family]float64
	Burst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	rates := make(map[crawler.Family]float64, len(cfg.RPS))
	for f, rps := range cfg.RPS {
		if rps > 0 {
			rates[f] = rps
		}
	}
	return &Limiter{
		limiters: make(map[crawler.Family]*rate.Limiter),
		rates:    rates,
		burst:    burst,
	}
}

// Wait blocks until a token is available for the family, respecting the context.
func (l *Limiter) Wait(ctx context.Context, family crawler.Family) error {
	limiter := l.limiterFor(family)
	if limiter == nil {
		return nil
	}
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveWait(family.String(), "limiter", waited)
	}
	return nil
}

func (l *Limiter) limiterFor(family crawler.Family) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[family]; ok {
		return limiter
	}
	rps, ok := l.rates[family]
	if !ok {
		return nil
	}
	limiter := rate.NewLimiter(rate.Limit(rps), l.burst)
	l.limiters[family] = limiter
	return limiter
}
