package middleware

import (
	"log/slog"
	"sync"
	"time"
)

// RateLimiter enforces per-user, per-repository call limits for shared
// repositories, whose included operations are free but rate-limited.
//
// Sliding one-minute windows track counts per "user:repo" key; expired
// windows are garbage-collected in the background.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*rateWindow
	cfg     RateLimitConfig
	now     func() time.Time
	quit    chan struct{}
}

// RateLimitConfig defines the limiter thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int
	BurstSize         int
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup goroutine.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}

	rl := &RateLimiter{
		windows: make(map[string]*rateWindow),
		cfg:     cfg,
		now:     time.Now,
		quit:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow checks whether a call under key ("userID:repo") is within limits.
//
// Fast path uses a read lock; count increments race slightly under RLock,
// which is acceptable for a soft limit.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.RLock()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		count := window.count
		rl.mu.RUnlock()

		if count > rl.cfg.BurstSize {
			slog.Warn("rate limit exceeded (burst)", "key", key, "count", count, "limit", rl.cfg.BurstSize)
			return false
		}
		if count > rl.cfg.MaxCallsPerMinute {
			slog.Info("rate limit exceeded", "key", key, "count", count, "limit", rl.cfg.MaxCallsPerMinute)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Another goroutine may have created the window meanwhile.
	window, exists = rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		return window.count <= rl.cfg.BurstSize
	}

	rl.windows[key] = &rateWindow{count: 1, windowStart: now}
	return true
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.quit:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, window := range rl.windows {
				if now.Sub(window.windowStart) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop terminates the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	select {
	case <-rl.quit:
	default:
		close(rl.quit)
	}
}

// Stats reports limiter state for diagnostics.
func (rl *RateLimiter) Stats() map[string]any {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return map[string]any{
		"active_windows":    len(rl.windows),
		"max_calls_per_min": rl.cfg.MaxCallsPerMinute,
		"burst_size":        rl.cfg.BurstSize,
	}
}

// SetClock overrides the time source. Test helper.
func (rl *RateLimiter) SetClock(now func() time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.now = now
}
