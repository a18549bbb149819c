package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter gives every client its own token bucket refilled at
// limit requests per second up to burst. Services and methods share the
// client's budget.
type TokenBucketLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewTokenBucketLimiter(perSecond float64, burst int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *TokenBucketLimiter) bucket(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[clientID]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[clientID] = b
	}
	return b
}

// CheckRateLimit takes one token. When none is available ResetAt is when
// the next one will be.
func (l *TokenBucketLimiter) CheckRateLimit(clientID, _, _ string) RateDecision {
	now := l.now()
	b := l.bucket(clientID)
	if b.AllowN(now, 1) {
		return RateDecision{Allowed: true}
	}
	r := b.ReserveN(now, 1)
	if !r.OK() {
		return RateDecision{ResetAt: now.Add(time.Second)}
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return RateDecision{ResetAt: now.Add(delay)}
}
