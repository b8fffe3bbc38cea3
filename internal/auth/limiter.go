package auth

import (
	"sync"
	"time"
)

// FailureLimiter tracks authentication failures per source IP inside a
// sliding window. Once an IP accumulates MaxFailures failures within the
// window, further attempts are rejected until old failures age out.
type FailureLimiter struct {
	mu          sync.Mutex
	maxFailures int
	window      time.Duration
	failures    map[string][]time.Time
	now         func() time.Time
}

// NewFailureLimiter builds a limiter; maxFailures <= 0 disables limiting.
func NewFailureLimiter(maxFailures int, window time.Duration) *FailureLimiter {
	return &FailureLimiter{
		maxFailures: maxFailures,
		window:      window,
		failures:    make(map[string][]time.Time),
		now:         time.Now,
	}
}

// Allow reports whether an attempt from ip may proceed.
func (l *FailureLimiter) Allow(ip string) bool {
	if l.maxFailures <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(ip)) < l.maxFailures
}

// RecordFailure notes one failed attempt from ip.
func (l *FailureLimiter) RecordFailure(ip string) {
	if l.maxFailures <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[ip] = append(l.prune(ip), l.now())
}

// Reset clears the failure history for ip, called after a successful auth.
func (l *FailureLimiter) Reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, ip)
}

// prune drops entries older than the window. Caller holds the lock.
func (l *FailureLimiter) prune(ip string) []time.Time {
	cutoff := l.now().Add(-l.window)
	kept := l.failures[ip][:0]
	for _, t := range l.failures[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.failures, ip)
		return nil
	}
	l.failures[ip] = kept
	return kept
}
