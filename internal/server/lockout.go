// lockout.go - Account lockout after repeated failed logins.
package server

import (
	"sync"
	"time"
)

// LoginAttempt tracks failed login attempts for one account key.
type LoginAttempt struct {
	Count       int
	LastAttempt time.Time
	LockedUntil time.Time
}

// AccountLockout locks an account key after maxAttempts failures inside
// windowDuration. Stale entries are pruned as new failures arrive.
type AccountLockout struct {
	mu              sync.Mutex
	attempts        map[string]*LoginAttempt
	maxAttempts     int
	lockoutDuration time.Duration
	windowDuration  time.Duration
	now             func() time.Time
	lastPrune       time.Time
}

func NewAccountLockout(maxAttempts int, lockoutDuration, windowDuration time.Duration) *AccountLockout {
	return &AccountLockout{
		attempts:        make(map[string]*LoginAttempt),
		maxAttempts:     maxAttempts,
		lockoutDuration: lockoutDuration,
		windowDuration:  windowDuration,
		now:             time.Now,
	}
}

// RecordFailedAttempt counts a failure and reports whether the key is now
// locked.
func (al *AccountLockout) RecordFailedAttempt(key string) (locked bool, lockedUntil time.Time) {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.now()
	al.pruneLocked(now)

	attempt, ok := al.attempts[key]
	if !ok {
		attempt = &LoginAttempt{}
		al.attempts[key] = attempt
	}
	if now.Sub(attempt.LastAttempt) > al.windowDuration {
		attempt.Count = 0
	}
	attempt.Count++
	attempt.LastAttempt = now

	if attempt.Count >= al.maxAttempts {
		attempt.LockedUntil = now.Add(al.lockoutDuration)
		return true, attempt.LockedUntil
	}
	return false, time.Time{}
}

// RecordSuccessfulLogin clears the key's failures.
func (al *AccountLockout) RecordSuccessfulLogin(key string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	delete(al.attempts, key)
}

// IsLocked reports whether key is locked, until when, and how many
// attempts remain otherwise.
func (al *AccountLockout) IsLocked(key string) (locked bool, lockedUntil time.Time, attemptsRemaining int) {
	al.mu.Lock()
	defer al.mu.Unlock()

	attempt, ok := al.attempts[key]
	if !ok {
		return false, time.Time{}, al.maxAttempts
	}
	now := al.now()
	if !attempt.LockedUntil.IsZero() && now.Before(attempt.LockedUntil) {
		return true, attempt.LockedUntil, 0
	}
	if now.Sub(attempt.LastAttempt) > al.windowDuration {
		return false, time.Time{}, al.maxAttempts
	}
	return false, time.Time{}, max(al.maxAttempts-attempt.Count, 0)
}

func (al *AccountLockout) pruneLocked(now time.Time) {
	if now.Sub(al.lastPrune) < al.windowDuration {
		return
	}
	al.lastPrune = now
	for key, attempt := range al.attempts {
		if (attempt.LockedUntil.IsZero() || now.After(attempt.LockedUntil)) &&
			now.Sub(attempt.LastAttempt) > 2*al.windowDuration {
			delete(al.attempts, key)
		}
	}
}
