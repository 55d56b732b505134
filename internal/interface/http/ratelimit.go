package http

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipRateLimiter enforces a per-IP request budget using token buckets. Idle
// entries are evicted so the map does not grow with every client ever seen.
type ipRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*ipLimiterEntry
	perMinute int
	lastSweep time.Time
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterIdleEviction = 10 * time.Minute

func newIPRateLimiter(perMinute int) *ipRateLimiter {
	if perMinute <= 0 {
		perMinute = 5
	}
	return &ipRateLimiter{
		limiters:  make(map[string]*ipLimiterEntry),
		perMinute: perMinute,
		lastSweep: time.Now(),
	}
}

// Allow reports whether the IP has budget for one more request.
func (l *ipRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > limiterIdleEviction {
		for key, entry := range l.limiters {
			if now.Sub(entry.lastSeen) > limiterIdleEviction {
				delete(l.limiters, key)
			}
		}
		l.lastSweep = now
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiterEntry{
			limiter: rate.NewLimiter(
				rate.Every(time.Minute/time.Duration(l.perMinute)),
				l.perMinute,
			),
		}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now

	return entry.limiter.Allow()
}
