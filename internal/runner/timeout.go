// File: internal/runner/timeout.go
package runner

import "time"

// effectiveTimeout bounds one step by the remaining job budget, honoring a
// tighter per-step request when given. The result never exceeds the time
// left until the deadline.
func effectiveTimeout(deadline, now time.Time, requested time.Duration) time.Duration {
	remaining := deadline.Sub(now)
	if requested > 0 && requested < remaining {
		return requested
	}
	return remaining
}
