package sync

import "time"

// Default retry policy.
const (
	DefaultMaxRetries  = 5
	DefaultBaseBackoff = 2 * time.Second
	DefaultMaxBackoff  = time.Hour
)

// BackoffDelay returns base * 2^retryCount, capped at max. It is
// non-decreasing in retryCount.
func BackoffDelay(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}
