package targets

import (
	"context"
	"sync"
	"time"
)

// RateLimiter bounds requests to a rolling one-minute window. Adapters call
// Wait before each outbound request; when the window is full it sleeps until
// the oldest timestamp ages out or the context is cancelled.
type RateLimiter struct {
	mu         sync.Mutex
	timestamps []time.Time
	maxPerMin  int
	now        func() time.Time
}

// NewRateLimiter creates a limiter allowing maxPerMin requests per minute.
// Zero or negative disables limiting.
func NewRateLimiter(maxPerMin int) *RateLimiter {
	return &RateLimiter{
		maxPerMin: maxPerMin,
		now:       time.Now,
	}
}

// Wait blocks until a request slot is available or ctx is done
func (l *RateLimiter) Wait(ctx context.Context) error {
	if l == nil || l.maxPerMin <= 0 {
		return nil
	}

	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.timestamps) < l.maxPerMin {
			l.timestamps = append(l.timestamps, now)
			l.mu.Unlock()
			return nil
		}

		wait := l.timestamps[0].Add(time.Minute).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Pending returns the number of requests in the current window
func (l *RateLimiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.timestamps)
}

// prune drops timestamps older than one minute. Caller holds the lock.
func (l *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(l.timestamps) && l.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[i:]...)
	}
}
