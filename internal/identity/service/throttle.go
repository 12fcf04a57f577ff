package service

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LoginThrottle caps authentication attempts per email before any password
// verification or store access happens, keeping brute force attempts from
// driving the lockout counters of other people's accounts.
type LoginThrottle struct {
	limiters sync.Map // map[string]*rate.Limiter
	rate     rate.Limit
	burst    int

	mu          sync.Mutex
	lastCleanup time.Time
}

// NewLoginThrottle allows attempts per-minute attempts per key, with the
// whole allowance available as a burst.
func NewLoginThrottle(attemptsPerMinute int) *LoginThrottle {
	if attemptsPerMinute <= 0 {
		attemptsPerMinute = 10
	}
	return &LoginThrottle{
		rate:        rate.Limit(float64(attemptsPerMinute) / 60.0),
		burst:       attemptsPerMinute,
		lastCleanup: time.Now(),
	}
}

// Allow reports whether another attempt for key is permitted right now.
func (t *LoginThrottle) Allow(key string) bool {
	return t.getLimiter(key).Allow()
}

func (t *LoginThrottle) getLimiter(key string) *rate.Limiter {
	if limiter, ok := t.limiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}

	limiter := rate.NewLimiter(t.rate, t.burst)
	actual, _ := t.limiters.LoadOrStore(key, limiter)

	t.maybeCleanup()

	return actual.(*rate.Limiter)
}

// maybeCleanup drops idle limiters so ephemeral keys do not accumulate. A
// limiter with a full token bucket has not been used for at least a window.
func (t *LoginThrottle) maybeCleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if time.Since(t.lastCleanup) < 5*time.Minute {
		return
	}
	t.lastCleanup = time.Now()

	t.limiters.Range(func(key, value any) bool {
		if value.(*rate.Limiter).Tokens() >= float64(t.burst) {
			t.limiters.Delete(key)
		}
		return true
	})
}
