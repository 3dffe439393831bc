package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL       = 10 * time.Minute
	defaultPruneInterval = 5 * time.Minute
)

// Config sizes the per-key token buckets.
type Config struct {
	RequestsPerMinute int
	Burst             int
	IdleTTL           time.Duration
	Clock             func() time.Time
}

// Limiter keeps one token bucket per key. A nil *Limiter allows everything.
type Limiter struct {
	mutex   sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	clock   func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns a Limiter, or nil when RequestsPerMinute is zero.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   burst,
		idleTTL: idleTTL,
		clock:   clock,
	}
}

// Allow reports whether key may make one more request now.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.clock()

	l.mutex.Lock()
	entry, ok := l.buckets[key]
	if !ok {
		entry = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = entry
	}
	entry.lastSeen = now
	l.mutex.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Prune drops buckets idle for longer than the configured TTL and returns how many remain.
func (l *Limiter) Prune() int {
	if l == nil {
		return 0
	}
	cutoff := l.clock().Add(-l.idleTTL)

	l.mutex.Lock()
	defer l.mutex.Unlock()
	for key, entry := range l.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	return len(l.buckets)
}

// Run prunes idle buckets until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	if l == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(defaultPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Prune()
		}
	}
}
