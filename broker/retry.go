package broker

import (
	"time"

	"partnersaga/patterns/retry"
)

// PublishRetryConfig is the backoff policy §4.2 mandates for publish:
// base 100ms, factor 2, capped at 5s, at most 6 attempts. Each transport
// adapter wraps its own op under this policy and reports exhaustion as an
// UnavailableError.
func PublishRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:   6,
		InitialDelay:  100 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      5 * time.Second,
	}
}
