// Package ratelimit implements the gateway's two-tier fairness control:
// a per-IP token bucket plus concurrency cap, and a single global token
// bucket shared across all clients. Acquisition is two-phase with
// rollback so a global-capacity failure never leaves per-IP state
// consumed.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// cleanupRetention is how long an idle IP's state survives a GC
	// sweep once it has no in-flight requests.
	cleanupRetention = 5 * time.Minute

	tokensPerMinuteToPerSecond = 60.0
)

// TokenBucket is a lazily-refilled real-valued token bucket.
type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket of the given capacity, refilling
// at refillRate tokens/sec.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.tokens+elapsed*b.refillRate, b.capacity)
	b.lastRefill = now
}

// TryConsume attempts to consume n tokens, refilling first. Returns
// false without mutating state if insufficient tokens are available.
func (b *TokenBucket) TryConsume(n float64) bool {
	b.refill(time.Now())
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// ReturnToken refunds one token, capped at capacity. Used to roll back
// a Phase A consumption when Phase B subsequently fails.
func (b *TokenBucket) ReturnToken() {
	b.tokens = min(b.tokens+1.0, b.capacity)
}

// IpState tracks one client IP's bucket and concurrency.
type IpState struct {
	bucket             *TokenBucket
	concurrentRequests int
	lastSeen           time.Time
}

// Config tunes the limiter's three limits and GC cadence.
type Config struct {
	PerIPPerMinute     float64
	MaxConcurrentPerIP int
	GlobalPerMinute    float64
	CleanupInterval    time.Duration
}

// DefaultConfig matches the original implementation's defaults.
func DefaultConfig() Config {
	return Config{
		PerIPPerMinute:     60,
		MaxConcurrentPerIP: 5,
		GlobalPerMinute:    600,
		CleanupInterval:    60 * time.Second,
	}
}

// Limiter is the gateway's rate limiter. Safe for concurrent use.
type Limiter struct {
	cfg Config

	ipMu     sync.Mutex
	ipStates map[string]*IpState

	globalMu     sync.Mutex
	globalBucket *TokenBucket
}

// New constructs a Limiter from cfg.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:          cfg,
		ipStates:     make(map[string]*IpState),
		globalBucket: NewTokenBucket(cfg.GlobalPerMinute, cfg.GlobalPerMinute/tokensPerMinuteToPerSecond),
	}
}

// Check performs the two-phase acquire with rollback described in the
// design: Phase A (per-IP bucket + concurrency) is attempted first,
// then Phase B (global bucket); a Phase B failure rolls Phase A back.
func (l *Limiter) Check(ip string) bool {
	if !l.phaseA(ip) {
		return false
	}
	if l.phaseB() {
		return true
	}
	l.rollbackPhaseA(ip)
	return false
}

func (l *Limiter) phaseA(ip string) bool {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	state, ok := l.ipStates[ip]
	if !ok {
		state = &IpState{
			bucket: NewTokenBucket(l.cfg.PerIPPerMinute, l.cfg.PerIPPerMinute/tokensPerMinuteToPerSecond),
		}
		l.ipStates[ip] = state
	}
	state.lastSeen = time.Now()

	if state.concurrentRequests >= l.cfg.MaxConcurrentPerIP {
		return false
	}
	if !state.bucket.TryConsume(1) {
		return false
	}
	state.concurrentRequests++
	return true
}

func (l *Limiter) phaseB() bool {
	l.globalMu.Lock()
	defer l.globalMu.Unlock()
	return l.globalBucket.TryConsume(1)
}

func (l *Limiter) rollbackPhaseA(ip string) {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	state, ok := l.ipStates[ip]
	if !ok {
		return
	}
	if state.concurrentRequests > 0 {
		state.concurrentRequests--
	}
	state.bucket.ReturnToken()
}

// Release decrements the in-flight counter for ip, saturating at zero.
// Must be called exactly once per accepted request, on every terminal
// path, via a cleanup guard.
func (l *Limiter) Release(ip string) {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	state, ok := l.ipStates[ip]
	if !ok {
		return
	}
	if state.concurrentRequests > 0 {
		state.concurrentRequests--
	}
}

// ConcurrentRequests returns the current in-flight count for ip, for
// tests and metrics.
func (l *Limiter) ConcurrentRequests(ip string) int {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	if state, ok := l.ipStates[ip]; ok {
		return state.concurrentRequests
	}
	return 0
}

// RunCleanup blocks, evicting idle IP state every CleanupInterval until
// ctx is cancelled. Intended to run as a background goroutine joined by
// an errgroup at shutdown.
func (l *Limiter) RunCleanup(ctx context.Context) error {
	interval := l.cfg.CleanupInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	now := time.Now()
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	evicted := 0
	for ip, state := range l.ipStates {
		if state.concurrentRequests > 0 {
			continue
		}
		if now.Sub(state.lastSeen) < cleanupRetention {
			continue
		}
		delete(l.ipStates, ip)
		evicted++
	}
	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("rate limiter swept idle ip state")
	}
}
