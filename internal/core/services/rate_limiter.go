package services

import (
	"math"
	"sync"
	"time"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// RateLimiterConfig configures the token-bucket limiter.
type RateLimiterConfig struct {
	MaxRequests     int
	Window          time.Duration
	CleanupInterval time.Duration
	IdleThreshold   time.Duration
	ExemptOwners    bool
}

// DefaultRateLimiterConfig returns ten requests per minute per principal.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxRequests:     10,
		Window:          time.Minute,
		CleanupInterval: 5 * time.Minute,
		IdleThreshold:   time.Hour,
		ExemptOwners:    true,
	}
}

// tokenBucket is one principal's admission state.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	rate       float64 // tokens per second
	lastRefill time.Time
}

// refill adds tokens for the time elapsed since the last refill. A clock
// that goes backwards adds nothing.
func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.lastRefill = now
}

func (b *tokenBucket) retryAfter() time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	seconds := math.Ceil((1 - b.tokens) / b.rate)
	return time.Duration(seconds) * time.Second
}

// RateLimiter is a per-principal token bucket limiter. Buckets are created
// on first use and swept after they sit idle.
type RateLimiter struct {
	cfg    RateLimiterConfig
	rate   float64
	now    func() time.Time
	logger ports.Logger

	mu          sync.Mutex
	buckets     map[string]*tokenBucket
	lastCleanup time.Time
}

// NewRateLimiter creates a limiter. Zero config fields take their defaults.
func NewRateLimiter(cfg RateLimiterConfig, logger ports.Logger) *RateLimiter {
	def := DefaultRateLimiterConfig()
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = def.IdleThreshold
	}

	rl := &RateLimiter{
		cfg:     cfg,
		rate:    float64(cfg.MaxRequests) / cfg.Window.Seconds(),
		now:     time.Now,
		logger:  logger,
		buckets: make(map[string]*tokenBucket),
	}
	rl.lastCleanup = rl.now()
	logger.Info("Rate limiter initialized", "max_requests", cfg.MaxRequests, "window", cfg.Window)
	return rl
}

// WithClock replaces the limiter's time source.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.mu.Lock()
	rl.now = now
	rl.lastCleanup = now()
	rl.mu.Unlock()
	return rl
}

// bucket returns principal's bucket, creating it full. rl.mu must be held.
func (rl *RateLimiter) bucket(principal string, now time.Time) *tokenBucket {
	b, ok := rl.buckets[principal]
	if !ok {
		b = &tokenBucket{
			capacity:   float64(rl.cfg.MaxRequests),
			tokens:     float64(rl.cfg.MaxRequests),
			rate:       rl.rate,
			lastRefill: now,
		}
		rl.buckets[principal] = b
	}
	return b
}

// Check admits or rejects one request from principal. Exempt principals
// are always admitted when owner exemption is enabled.
//
// The token is taken while rl.mu is held, so Cleanup and Reset cannot
// evict the bucket between lookup and consumption.
func (rl *RateLimiter) Check(principal string, exempt bool) domain.RateDecision {
	if exempt && rl.cfg.ExemptOwners {
		return domain.RateDecision{Allowed: true, Remaining: rl.cfg.MaxRequests, Limit: rl.cfg.MaxRequests}
	}

	rl.mu.Lock()
	now := rl.now()
	b := rl.bucket(principal, now)

	b.mu.Lock()
	b.refill(now)
	decision := domain.RateDecision{Limit: rl.cfg.MaxRequests}
	if b.tokens >= 1 {
		b.tokens--
		decision.Allowed = true
	} else {
		decision.RetryAfter = b.retryAfter()
	}
	decision.Remaining = int(math.Floor(b.tokens))
	b.mu.Unlock()

	due := now.Sub(rl.lastCleanup) > rl.cfg.CleanupInterval
	rl.mu.Unlock()

	if due {
		rl.Cleanup()
	}
	return decision
}

// Info reports a principal's bucket without consuming a token. Unknown
// principals report a full bucket.
func (rl *RateLimiter) Info(principal string) domain.RateLimitInfo {
	rl.mu.Lock()
	b, ok := rl.buckets[principal]
	now := rl.now()
	rl.mu.Unlock()

	if !ok {
		return domain.RateLimitInfo{Remaining: rl.cfg.MaxRequests, Limit: rl.cfg.MaxRequests}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	return domain.RateLimitInfo{
		Remaining: int(math.Floor(b.tokens)),
		Limit:     rl.cfg.MaxRequests,
		ResetIn:   b.retryAfter(),
	}
}

// Cleanup evicts buckets idle longer than the threshold and returns how
// many were removed.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for principal, b := range rl.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastRefill) > rl.cfg.IdleThreshold
		b.mu.Unlock()
		if idle {
			delete(rl.buckets, principal)
			removed++
		}
	}
	rl.lastCleanup = now

	if removed > 0 {
		rl.logger.Debug("Cleaned up stale rate limit buckets", "removed", removed)
	}
	return removed
}

// Reset clears one principal's bucket.
func (rl *RateLimiter) Reset(principal string) {
	rl.mu.Lock()
	delete(rl.buckets, principal)
	rl.mu.Unlock()
	rl.logger.Info("Rate limit reset", "principal", truncate(principal, 12))
}

// ResetAll clears every bucket.
func (rl *RateLimiter) ResetAll() {
	rl.mu.Lock()
	count := len(rl.buckets)
	rl.buckets = make(map[string]*tokenBucket)
	rl.mu.Unlock()
	rl.logger.Info("Reset all rate limit buckets", "count", count)
}

// Stats summarises the limiter.
func (rl *RateLimiter) Stats() domain.LimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return domain.LimiterStats{
		ActiveBuckets: len(rl.buckets),
		MaxRequests:   rl.cfg.MaxRequests,
		Window:        rl.cfg.Window,
		ExemptOwners:  rl.cfg.ExemptOwners,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
