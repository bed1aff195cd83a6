package resilience

import (
	"time"
)

// ForWrites builds the retry policy for a single warehouse write. retries is
// the number of extra attempts after the first; classify picks the errors
// worth retrying (typically a unique-constraint race).
func ForWrites(retries int, classify func(error) bool, component, operation string) RetryConfig {
	cfg := RetryConfig{
		MaxAttempts:    retries + 1,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0.5,
		ShouldRetry:    classify,
		OnRetry:        RetryLogger(component, operation),
	}
	if retries <= 0 {
		cfg.MaxAttempts = 1
	}
	return cfg
}
