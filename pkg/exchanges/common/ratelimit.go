package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter paces outgoing requests and tracks the exchange-reported
// request weight.
type RateLimiter struct {
	pacer *rate.Limiter
	log   *zap.Logger

	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
}

// NewRateLimiter creates a limiter for a weight budget per interval
// (e.g. 1200 per minute for spot). Requests are paced at limit/interval with
// a small burst.
func NewRateLimiter(limit int, resetInterval time.Duration, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	perSecond := float64(limit) / resetInterval.Seconds()
	return &RateLimiter{
		pacer:         rate.NewLimiter(rate.Limit(perSecond), 10),
		log:           log,
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// Wait blocks until a request may be sent. It waits longer when the
// reported weight is close to the exchange's ban threshold.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.ShouldDelay() {
		if err := rl.pacer.WaitN(ctx, 5); err != nil {
			return err
		}
	}
	return rl.pacer.Wait(ctx)
}

// UpdateFromHeader updates the used weight from the X-MBX-USED-WEIGHT-1M header.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.lastReset = time.Now()
	}
	rl.usedWeight = weight
	rl.mu.Unlock()

	percentage := float64(weight) / float64(rl.limit) * 100
	if percentage >= 95 {
		rl.log.Error("exchange rate limit critical", zap.Int("used", weight), zap.Int("limit", rl.limit))
	} else if percentage >= 80 {
		rl.log.Warn("exchange rate limit warning", zap.Int("used", weight), zap.Int("limit", rl.limit))
	}
}

// Usage returns current usage information.
func (rl *RateLimiter) Usage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}
	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// ShouldDelay returns true if the reported weight is at 90% or more.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.Usage()
	return pct >= 90
}
