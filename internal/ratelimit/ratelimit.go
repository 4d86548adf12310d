// Package ratelimit implements per-key token buckets.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Defaults applied when a key carries no rate-limit override.
const (
	DefaultCapacity      = 10
	DefaultWindowSeconds = 60
)

// Config is a bucket shape: capacity tokens refilled linearly over the
// window. A key whose override changes gets a fresh bucket because the
// shape is part of the bucket identity.
type Config struct {
	Capacity      int
	WindowSeconds int
}

// DefaultConfig returns the bucket shape used without an override.
func DefaultConfig() Config {
	return Config{Capacity: DefaultCapacity, WindowSeconds: DefaultWindowSeconds}
}

func (c Config) key(secret string) string {
	return fmt.Sprintf("%s:%d:%d", secret, c.Capacity, c.WindowSeconds)
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
	lastUsed time.Time
	cfg      Config
}

// take refills by elapsed time and consumes one token if available.
func (b *bucket) take(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		rate := float64(b.cfg.Capacity) / float64(b.cfg.WindowSeconds)
		b.tokens = min(float64(b.cfg.Capacity), b.tokens+elapsed*rate)
		b.lastFill = now
	}
	b.lastUsed = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Registry holds token buckets keyed by secret and bucket shape.
type Registry struct {
	mu       sync.RWMutex
	buckets  map[string]*bucket
	now      func() time.Time
	fallback Config
}

// NewRegistry returns an empty bucket registry using the package defaults
// for keys without an override.
func NewRegistry() *Registry {
	return NewRegistryWithDefault(DefaultConfig())
}

// NewRegistryWithDefault returns an empty registry whose fallback bucket
// shape is cfg, for deployments that configure their own defaults. An
// invalid shape falls back to the package defaults.
func NewRegistryWithDefault(cfg Config) *Registry {
	if cfg.Capacity <= 0 || cfg.WindowSeconds <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{
		buckets:  make(map[string]*bucket),
		now:      time.Now,
		fallback: cfg,
	}
}

// Allow consumes one token from the bucket for (secret, cfg), creating a
// full bucket on first use. Returns false when the bucket is empty. An
// invalid cfg (a key without an override) uses the registry's fallback.
func (r *Registry) Allow(secret string, cfg Config) bool {
	if cfg.Capacity <= 0 || cfg.WindowSeconds <= 0 {
		cfg = r.fallback
	}
	now := r.now()
	key := cfg.key(secret)

	r.mu.RLock()
	b, ok := r.buckets[key]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		b, ok = r.buckets[key]
		if !ok {
			b = &bucket{
				tokens:   float64(cfg.Capacity),
				lastFill: now,
				lastUsed: now,
				cfg:      cfg,
			}
			r.buckets[key] = b
		}
		r.mu.Unlock()
	}

	return b.take(now)
}

// EvictStale drops buckets idle for at least twice their window. Full idle
// buckets carry no state worth keeping. Returns the number evicted.
func (r *Registry) EvictStale() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted int
	for key, b := range r.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastUsed)
		stale := idle >= 2*time.Duration(b.cfg.WindowSeconds)*time.Second
		b.mu.Unlock()
		if stale {
			delete(r.buckets, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of live buckets, for metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets)
}
