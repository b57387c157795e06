package middleware

import (
	"sync"
	"time"
)

const lockoutSweepInterval = 5 * time.Minute

// AuthAttemptLimiter locks out client addresses that present maxFailures bad
// credentials within a rolling window. It runs ahead of the request rate
// limits so credential guessing cannot hide behind a generous quota.
type AuthAttemptLimiter struct {
	mu          sync.Mutex
	clients     map[string]*failureLog
	maxFailures int
	window      time.Duration
	lockout     time.Duration
	nextSweep   time.Time
	now         func() time.Time
}

// failureLog holds the timestamps of recent failures, oldest first.
type failureLog struct {
	failures    []time.Time
	lockedUntil time.Time
}

func NewAuthAttemptLimiter(maxFailures int, window, lockout time.Duration) *AuthAttemptLimiter {
	if maxFailures <= 0 {
		maxFailures = 10
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	if lockout <= 0 {
		lockout = 15 * time.Minute
	}
	return &AuthAttemptLimiter{
		clients:     make(map[string]*failureLog),
		maxFailures: maxFailures,
		window:      window,
		lockout:     lockout,
		now:         time.Now,
	}
}

// allow reports whether ip may attempt authentication. When it may not, the
// remaining lockout is returned.
func (l *AuthAttemptLimiter) allow(ip string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	log, ok := l.clients[ip]
	if !ok || !now.Before(log.lockedUntil) {
		return true, 0
	}
	return false, log.lockedUntil.Sub(now)
}

func (l *AuthAttemptLimiter) registerFailure(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	log, ok := l.clients[ip]
	if !ok {
		log = &failureLog{}
		l.clients[ip] = log
	}
	log.failures = append(trimBefore(log.failures, now.Add(-l.window)), now)
	if len(log.failures) >= l.maxFailures {
		log.lockedUntil = now.Add(l.lockout)
		log.failures = log.failures[:0]
	}
}

func (l *AuthAttemptLimiter) registerSuccess(ip string) {
	l.mu.Lock()
	delete(l.clients, ip)
	l.mu.Unlock()
}

// sweepLocked drops clients with no lockout and no failures inside the window.
func (l *AuthAttemptLimiter) sweepLocked(now time.Time) {
	if now.Before(l.nextSweep) {
		return
	}
	l.nextSweep = now.Add(lockoutSweepInterval)

	cutoff := now.Add(-l.window)
	for ip, log := range l.clients {
		log.failures = trimBefore(log.failures, cutoff)
		if len(log.failures) == 0 && !now.Before(log.lockedUntil) {
			delete(l.clients, ip)
		}
	}
}

func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
