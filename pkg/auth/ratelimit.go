package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether an identity may make another request.
type RateLimiter interface {
	Allow(ctx context.Context, id *Identity) error
}

// TierLimiter keeps a token bucket per subject, sized by the subject's
// service tier in requests per minute. Buckets idle for longer than a
// few minutes are dropped.
type TierLimiter struct {
	defaultRPM int
	tiers      map[string]int

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const bucketIdle = 5 * time.Minute

// NewTierLimiter creates a limiter. A tier mapped to zero or less, or the
// default when defaultRPM is zero or less, is unlimited.
func NewTierLimiter(defaultRPM int, tiers map[string]int) *TierLimiter {
	return &TierLimiter{
		defaultRPM: defaultRPM,
		tiers:      tiers,
		buckets:    make(map[string]*bucket),
		now:        time.Now,
	}
}

func (l *TierLimiter) rpm(tier string) int {
	if n, ok := l.tiers[tier]; ok {
		return n
	}
	return l.defaultRPM
}

// Allow returns ErrTooManyRequests once the subject exhausts its bucket.
func (l *TierLimiter) Allow(_ context.Context, id *Identity) error {
	tier := id.Tier()
	rpm := l.rpm(tier)
	if rpm <= 0 {
		return nil
	}

	key := tier + "/" + id.Subject
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		l.sweep(now)
		b = &bucket{lim: rate.NewLimiter(rate.Limit(float64(rpm)/60), rpm)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	if !b.lim.AllowN(now, 1) {
		return ErrTooManyRequests
	}
	return nil
}

// sweep drops idle buckets. Called with mu held.
func (l *TierLimiter) sweep(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > bucketIdle {
			delete(l.buckets, k)
		}
	}
}
