// Package ratelimit implements the Lockout & Rate Controller (spec.md
// §4.8): a per-user PIN-failure counter with a fixed lockout window, and
// a per-IP request-rate limiter for the unlock/export endpoints. Grounded
// on the teacher's pkg/auth.limiterPool (a lazily-populated map of
// golang.org/x/time/rate.Limiter keyed by string, guarded by one mutex).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PIN lockout parameters, fixed per spec.md §4.8.
const (
	PINFailureThreshold = 5
	PINLockoutWindow    = 15 * time.Minute
)

// pinFailure is the per-user failure record (spec.md §3).
type pinFailure struct {
	count       int
	lastAttempt time.Time
}

// PINLockout tracks PIN failure counts per user_id and enforces the
// threshold/window lockout rule. It is process-local, in-memory state;
// loss on restart is an accepted, conservative reset (spec.md §3).
type PINLockout struct {
	mu sync.Mutex
	m  map[string]*pinFailure
	// now is overridable for tests; defaults to time.Now.
	now func() time.Time
}

// NewPINLockout constructs an empty tracker.
func NewPINLockout() *PINLockout {
	return &PINLockout{m: make(map[string]*pinFailure), now: time.Now}
}

// Locked reports whether userID is currently locked out: count >=
// threshold and the window since the last attempt hasn't elapsed.
func (p *PINLockout) Locked(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.m[userID]
	if !ok {
		return false
	}
	return f.count >= PINFailureThreshold && p.now().Sub(f.lastAttempt) < PINLockoutWindow
}

// RecordFailure increments userID's failure count and stamps last_attempt.
func (p *PINLockout) RecordFailure(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.m[userID]
	if !ok {
		f = &pinFailure{}
		p.m[userID] = f
	}
	f.count++
	f.lastAttempt = p.now()
}

// Clear resets userID's failure record on successful unlock.
func (p *PINLockout) Clear(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, userID)
}

// IPLimiter is a per-key token-bucket limiter for unlock/export
// endpoints, backed by one golang.org/x/time/rate.Limiter per key. It is
// not a sliding window: tokens refill continuously, so more than burst
// requests can pass within one 60-second span when they are spread out.
type IPLimiter struct {
	mu       sync.Mutex
	m        map[string]*rate.Limiter
	ratePerS float64
	burst    int
}

// NewIPLimiter builds a limiter allowing burst requests and refilling at
// ratePerS tokens/second thereafter, per key.
func NewIPLimiter(ratePerS float64, burst int) *IPLimiter {
	return &IPLimiter{m: make(map[string]*rate.Limiter), ratePerS: ratePerS, burst: burst}
}

// UnlockLimiter allows a burst of 5 requests per key for unlock endpoints,
// refilling one token every 12 seconds.
func UnlockLimiter() *IPLimiter { return NewIPLimiter(5.0/60.0, 5) }

// ExportLimiter allows a burst of 2 requests per key for the export
// endpoint, refilling one token every 30 seconds.
func ExportLimiter() *IPLimiter { return NewIPLimiter(2.0/60.0, 2) }

func (l *IPLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.m[key]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(l.ratePerS), l.burst)
	l.m[key] = lim
	return lim
}

// Allow reports whether a request keyed by key may proceed now.
func (l *IPLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}
