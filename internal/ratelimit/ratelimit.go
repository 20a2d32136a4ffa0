// Package ratelimit caps how fast each owner may submit generation work.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter allows a fixed number of submissions per owner per minute. Each
// owner gets a window that refills on first use after expiry.
type Limiter struct {
	mu     sync.Mutex
	owners map[string]*window
	limit  int
}

type window struct {
	tokens  int
	resetAt time.Time
}

// New creates a Limiter allowing perMinute submissions per owner.
func New(perMinute int) *Limiter {
	return &Limiter{
		owners: make(map[string]*window),
		limit:  perMinute,
	}
}

// Allow consumes one token for the owner, reporting false when the window
// is exhausted.
func (l *Limiter) Allow(ownerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.owners[ownerID]
	if !ok || now.After(w.resetAt) {
		w = &window{tokens: l.limit, resetAt: now.Add(time.Minute)}
		l.owners[ownerID] = w
	}
	if w.tokens <= 0 {
		return false
	}
	w.tokens--
	return true
}
