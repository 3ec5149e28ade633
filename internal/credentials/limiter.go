package credentials

import (
	"sync"
	"time"
)

// Limiter is a sliding-window rate limiter guarding the credential endpoint.
// It is safe for concurrent use.
type Limiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	stamps []time.Time
}

// NewLimiter creates a limiter allowing max requests per window.
// Zero or negative values are replaced with the defaults (10 per minute).
func NewLimiter(max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{max: max, window: window, now: time.Now}
}

// Allow reports whether another request may be made now, recording it if so.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.expire(now)

	if len(l.stamps) >= l.max {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// RetryIn returns how long until the next request would be allowed.
// Zero means a request is allowed immediately.
func (l *Limiter) RetryIn() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.expire(now)

	if len(l.stamps) < l.max {
		return 0
	}
	return l.stamps[0].Add(l.window).Sub(now)
}

// expire drops stamps older than the window. Must be called with l.mu held.
func (l *Limiter) expire(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	l.stamps = l.stamps[i:]
}
