package access

import "ruqsat.org/internal/iam"

// Decision is the outcome of the login gate.
type Decision string

const (
	DecisionAllow           Decision = "ALLOW"
	DecisionBlockedInactive Decision = "BLOCKED_INACTIVE"
	DecisionBlockedLockout  Decision = "BLOCKED_LOCKOUT"
)

// CanLogin applies the gate checks in fixed priority order: account state
// first, then the remaining-attempt counter. An inactive account is always
// reported as BLOCKED_INACTIVE even when its attempts are exhausted.
func CanLogin(active bool, attemptsRemaining int) Decision {
	if !active {
		return DecisionBlockedInactive
	}
	if attemptsRemaining <= 0 {
		return DecisionBlockedLockout
	}
	return DecisionAllow
}

// CanUserLogin evaluates the gate for a stored user record. Only an active
// status counts as active; locked and disabled both gate on state.
func CanUserLogin(u iam.User, attemptsRemaining int) Decision {
	return CanLogin(u.Status == iam.UserStatusActive, attemptsRemaining)
}
