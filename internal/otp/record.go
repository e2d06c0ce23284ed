package otp

import (
	"time"

	"github.com/aelexs/wacrm/internal/domain"
)

// Record is one outstanding verification. At most one live Record exists per
// (Key, Purpose); issuing again overwrites it.
type Record struct {
	Key               string // RecordKey(Purpose, identity)
	Identity          string // canonical identity, kept for audit and lockout keys
	Purpose           domain.Purpose
	CodeMAC           string // see ComputeCodeMAC; the code itself is never stored
	Destination       string // E.164 phone the code was sent to
	IssuedAt          time.Time
	ExpiresAt         time.Time
	AttemptsRemaining int
}

// Expired reports whether the record is no longer valid at now.
func (r *Record) Expired(now time.Time) bool {
	return domain.Expired(now, r.ExpiresAt)
}

// TTL returns the remaining lifetime at now, never negative.
func (r *Record) TTL(now time.Time) time.Duration {
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// CheckResult is the outcome of comparing a submitted code against a live
// Record.
type CheckResult struct {
	Matched           bool
	AttemptsRemaining int // after the check; a match leaves it unchanged
}
