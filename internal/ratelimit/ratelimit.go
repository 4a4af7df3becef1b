// Package ratelimit admits requests per (workspace, actor) within a
// sliding 60-second window.
package ratelimit

import (
	"sync"
	"time"

	"querygrid/internal/domain"
)

const window = time.Minute

// Limiter is a sliding-window admission controller. Safe for concurrent
// checks.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
	max     int
	now     func() time.Time
}

// New creates a limiter admitting maxPerMinute requests per key.
func New(maxPerMinute int) *Limiter {
	return &Limiter{
		buckets: make(map[string][]time.Time),
		max:     maxPerMinute,
		now:     time.Now,
	}
}

// Check admits or rejects one request for (workspace, actor). An admitted
// request records its timestamp into the window.
func (l *Limiter) Check(workspaceID, actor string) error {
	key := workspaceID + "\x00" + actor
	now := l.now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.buckets[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.buckets[key] = kept
		return domain.ErrRateLimited("rate limit exceeded: %d requests per minute", l.max)
	}
	l.buckets[key] = append(kept, now)
	return nil
}

// SetClock overrides the limiter clock. Test helper.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
