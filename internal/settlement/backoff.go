package settlement

import "time"

// MaxBackoffExponent caps the doubling in Backoff.
const MaxBackoffExponent = 5

// Backoff returns base * 2^min(retries, MaxBackoffExponent).
func Backoff(base time.Duration, retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	if retries > MaxBackoffExponent {
		retries = MaxBackoffExponent
	}
	return base << uint(retries)
}
