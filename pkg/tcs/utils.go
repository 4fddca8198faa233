package tcs

import "time"

// JSONUtcTimestamp quickly creates a string RFC3339 format in UTC
func JSONUtcTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// JSONUtcTimestampFromTime quickly creates a string RFC3339 format in UTC
func JSONUtcTimestampFromTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

// backoffDelay computes the exponential delay before retry number attempt,
// min(base * 2^attempt, cap). Overflow collapses to cap.
func backoffDelay(attempt uint32, base, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 31 {
		return cap
	}

	delay := base << attempt
	if delay <= 0 || delay > cap {
		return cap
	}

	return delay
}
