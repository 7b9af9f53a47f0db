package domain

import "time"

const (
	DefaultLockoutThreshold = 5
	DefaultLockoutDuration  = 30 * time.Minute
)

type AuthOutcome int

const (
	OutcomeFailure AuthOutcome = iota
	OutcomeSuccess
)

type LockoutState struct {
	Attempts    int
	LockedUntil *time.Time
}

func (s LockoutState) IsLocked(now time.Time) bool {
	return s.LockedUntil != nil && s.LockedUntil.After(now)
}

type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: DefaultLockoutThreshold, Duration: DefaultLockoutDuration}
}

func (p LockoutPolicy) normalized() LockoutPolicy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultLockoutThreshold
	}
	if p.Duration <= 0 {
		p.Duration = DefaultLockoutDuration
	}
	return p
}

// Next returns the lockout state after an authentication outcome at now.
// A lock is set when a failure brings the count to the threshold while no lock
// is active; failures during an active lock keep counting but never move the
// unlock time.
func (p LockoutPolicy) Next(state LockoutState, outcome AuthOutcome, now time.Time) LockoutState {
	if outcome == OutcomeSuccess {
		return LockoutState{}
	}
	p = p.normalized()
	next := LockoutState{Attempts: state.Attempts + 1, LockedUntil: state.LockedUntil}
	if state.IsLocked(now) {
		return next
	}
	if next.Attempts >= p.Threshold {
		until := now.Add(p.Duration)
		next.LockedUntil = &until
	}
	return next
}
