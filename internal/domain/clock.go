package domain

import "time"

// Clock provides the current time. Services take a Clock instead of calling
// time.Now so that expiry and cooldown logic can be driven from tests.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time {
	return time.Now()
}

// Expired reports whether a deadline has been reached. A deadline equal to
// now counts as expired: a code issued with TTL d is valid on [issuedAt,
// issuedAt+d) only.
func Expired(now, deadline time.Time) bool {
	return !now.Before(deadline)
}

var _ Clock = RealClock{}
