// Package ratelimit provides per-key multi-window token buckets with a
// consecutive-failure circuit breaker.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Decision is the outcome of one Check call.
type Decision int

const (
	Allowed Decision = iota
	RateLimited
	CircuitOpen
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case RateLimited:
		return "rate_limited"
	case CircuitOpen:
		return "circuit_open"
	}
	return "unknown"
}

// Config bounds one key's request rates.
type Config struct {
	PerSecond        int
	PerMinute        int
	PerHour          int
	Burst            int
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// DefaultConfig applies to keys with no explicit configuration.
func DefaultConfig() Config {
	return Config{
		PerSecond:        5,
		PerMinute:        60,
		PerHour:          1000,
		Burst:            10,
		BreakerThreshold: 5,
		BreakerTimeout:   30 * time.Second,
	}
}

type bucket struct {
	recentMS []int64 // request times in unix milliseconds, insertion ordered

	consecutiveFailures int
	breakerOpenUntilMS  int64

	totalAllowed int64
	totalLimited int64
}

// Limiter tracks buckets per key.
type Limiter struct {
	mu      sync.Mutex
	dflt    Config
	configs map[string]Config
	buckets map[string]*bucket

	now func() time.Time
}

// New builds a limiter with the given default config.
func New(dflt Config) *Limiter {
	return &Limiter{
		dflt:    dflt,
		configs: map[string]Config{},
		buckets: map[string]*bucket{},
		now:     time.Now,
	}
}

// Configure installs an explicit config for a key.
func (l *Limiter) Configure(key string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs[key] = cfg
}

func (l *Limiter) configFor(key string) Config {
	if cfg, ok := l.configs[key]; ok {
		return cfg
	}
	return l.dflt
}

func (l *Limiter) bucketFor(key string) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	return b
}

// Check decides whether a request under key may proceed, recording the
// request time when allowed.
func (l *Limiter) Check(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := l.configFor(key)
	b := l.bucketFor(key)
	nowMS := l.now().UnixMilli()

	if nowMS < b.breakerOpenUntilMS {
		b.totalLimited++
		return CircuitOpen
	}

	if exceeds(b.recentMS, nowMS, 1000, cfg.PerSecond) ||
		exceeds(b.recentMS, nowMS, 60_000, cfg.PerMinute) ||
		exceeds(b.recentMS, nowMS, 3_600_000, cfg.PerHour) {
		b.totalLimited++
		return RateLimited
	}

	b.recentMS = append(b.recentMS, nowMS)
	if max := 5 * cfg.Burst; max > 0 && len(b.recentMS) > max {
		b.recentMS = b.recentMS[len(b.recentMS)-max:]
	}
	b.totalAllowed++
	return Allowed
}

func exceeds(recent []int64, nowMS int64, windowMS int64, limit int) bool {
	if limit <= 0 {
		return false
	}
	count := 0
	for i := len(recent) - 1; i >= 0; i-- {
		if nowMS-recent[i] >= windowMS {
			break
		}
		count++
	}
	return count >= limit
}

// RecordSuccess clears the key's consecutive-failure streak.
func (l *Limiter) RecordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bucketFor(key).consecutiveFailures = 0
}

// RecordFailure bumps the streak and opens the breaker at the threshold.
func (l *Limiter) RecordFailure(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := l.configFor(key)
	b := l.bucketFor(key)
	b.consecutiveFailures++
	if cfg.BreakerThreshold > 0 && b.consecutiveFailures >= cfg.BreakerThreshold {
		b.breakerOpenUntilMS = l.now().Add(cfg.BreakerTimeout).UnixMilli()
		log.Warn().Str("key", key).Int("failures", b.consecutiveFailures).
			Dur("timeout", cfg.BreakerTimeout).Msg("ratelimit: circuit opened")
	}
}

// KeyStats reports one key's counters.
type KeyStats struct {
	Allowed             int64
	Limited             int64
	ConsecutiveFailures int
	CircuitOpen         bool
}

// Stats snapshots every tracked key.
func (l *Limiter) Stats() map[string]KeyStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	nowMS := l.now().UnixMilli()
	out := make(map[string]KeyStats, len(l.buckets))
	for key, b := range l.buckets {
		out[key] = KeyStats{
			Allowed:             b.totalAllowed,
			Limited:             b.totalLimited,
			ConsecutiveFailures: b.consecutiveFailures,
			CircuitOpen:         nowMS < b.breakerOpenUntilMS,
		}
	}
	return out
}

// Cleanup drops buckets whose last request is older than maxIdle and whose
// breaker is closed. Returns the number removed.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	nowMS := l.now().UnixMilli()
	removed := 0
	for key, b := range l.buckets {
		if nowMS < b.breakerOpenUntilMS {
			continue
		}
		if len(b.recentMS) == 0 || nowMS-b.recentMS[len(b.recentMS)-1] > maxIdle.Milliseconds() {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
