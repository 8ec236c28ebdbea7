package auth

import "time"

// Lockout defaults.
const (
	DefaultLockoutMaxAttempts = 5
	DefaultLockoutDuration    = 2 * time.Hour
)

// Lockout is the account lockout state machine:
//
//	Unlocked (count 0) -> Accumulating (1..Max-1) -> Locked (until now+Duration)
//
// A successful login returns to Unlocked. A failure after the lock has
// expired restarts counting at 1.
//
// Methods are pure: they compute the next state and leave persisting it to
// the caller, which writes it with a single UpdateAdminAuthState. Concurrent
// failures can lose an update, which at worst delays the lock by an attempt.
type Lockout struct {
	MaxAttempts int
	Duration    time.Duration
}

// NewLockout returns a Lockout, filling zero values with defaults.
func NewLockout(maxAttempts int, duration time.Duration) Lockout {
	if maxAttempts <= 0 {
		maxAttempts = DefaultLockoutMaxAttempts
	}
	if duration <= 0 {
		duration = DefaultLockoutDuration
	}
	return Lockout{MaxAttempts: maxAttempts, Duration: duration}
}

// IsLocked reports whether admin has a lock that is still in the future.
func (l Lockout) IsLocked(admin *Admin, now time.Time) bool {
	return admin.LockedUntil != nil && now.Before(*admin.LockedUntil)
}

// Remaining returns how long the lock has left, or zero when unlocked.
func (l Lockout) Remaining(admin *Admin, now time.Time) time.Duration {
	if !l.IsLocked(admin, now) {
		return 0
	}
	return admin.LockedUntil.Sub(now)
}

// RecordFailure returns the state after a failed password comparison.
func (l Lockout) RecordFailure(admin *Admin, now time.Time) AdminAuthState {
	state := AdminAuthState{
		FailedAttempts: admin.FailedAttempts,
		LockedUntil:    admin.LockedUntil,
		LastLoginAt:    admin.LastLoginAt,
	}

	if state.LockedUntil != nil && !now.Before(*state.LockedUntil) {
		state.FailedAttempts = 1
		state.LockedUntil = nil
		return state
	}

	state.FailedAttempts++
	if state.FailedAttempts >= l.MaxAttempts {
		until := now.Add(l.Duration)
		state.LockedUntil = &until
	}
	return state
}

// RecordSuccess returns the state after a successful login.
func (l Lockout) RecordSuccess(admin *Admin, now time.Time) AdminAuthState {
	return AdminAuthState{
		FailedAttempts: 0,
		LockedUntil:    nil,
		LastLoginAt:    &now,
	}
}
