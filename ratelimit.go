package main

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket. Bursts up to maxTokens are allowed,
// refilling at refillRate tokens per second.
type RateLimiter struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a bucket allowing rate actions per second. A rate
// of 0 or less disables limiting.
func NewRateLimiter(rate int) *RateLimiter {
	if rate <= 0 {
		return &RateLimiter{tokens: 1, maxTokens: 1, refillRate: 0, lastRefill: time.Now()}
	}
	return &RateLimiter{
		tokens:     float64(rate),
		maxTokens:  float64(rate),
		refillRate: float64(rate),
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.refillRate == 0 {
		return true
	}

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now

	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		return true
	}
	return false
}

// CallsignRateLimiter tracks a per-callsign message budget, expressed as
// messages per minute. Chat uses it to keep one station from hogging a
// narrow RF channel.
type CallsignRateLimiter struct {
	limiters map[string]*RateLimiter // by callsign base
	perMin   int
	mu       sync.RWMutex
}

// NewCallsignRateLimiter creates a limiter allowing perMin messages per
// minute per callsign. perMin <= 0 disables limiting.
func NewCallsignRateLimiter(perMin int) *CallsignRateLimiter {
	return &CallsignRateLimiter{
		limiters: make(map[string]*RateLimiter),
		perMin:   perMin,
	}
}

// Allow checks whether the callsign may send another message now.
func (crl *CallsignRateLimiter) Allow(c Callsign) bool {
	if crl.perMin <= 0 {
		return true
	}

	crl.mu.Lock()
	limiter, exists := crl.limiters[c.Base]
	if !exists {
		limiter = &RateLimiter{
			tokens:     float64(crl.perMin),
			maxTokens:  float64(crl.perMin),
			refillRate: float64(crl.perMin) / 60.0,
			lastRefill: time.Now(),
		}
		crl.limiters[c.Base] = limiter
	}
	crl.mu.Unlock()

	return limiter.Allow()
}

// Remove drops the state for a callsign, e.g. when it leaves all rooms.
func (crl *CallsignRateLimiter) Remove(c Callsign) {
	crl.mu.Lock()
	defer crl.mu.Unlock()
	delete(crl.limiters, c.Base)
}

// Cleanup removes limiters idle for more than five minutes. Call
// periodically to keep the map bounded.
func (crl *CallsignRateLimiter) Cleanup() {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	now := time.Now()
	for base, limiter := range crl.limiters {
		limiter.mu.Lock()
		if now.Sub(limiter.lastRefill) > 5*time.Minute {
			delete(crl.limiters, base)
		}
		limiter.mu.Unlock()
	}
}

// GetStats returns the current number of tracked callsigns.
func (crl *CallsignRateLimiter) GetStats() int {
	crl.mu.RLock()
	defer crl.mu.RUnlock()
	return len(crl.limiters)
}
