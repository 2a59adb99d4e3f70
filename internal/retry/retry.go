// Package retry decides whether failed work should be retried and with what
// backoff. The manager never sleeps or reschedules itself; it returns a
// decision and a delay and leaves acting on them to the caller, which keeps
// retry logic testable without real time.
package retry

import (
	"math/rand"
	"time"

	"flowplane/internal/errclass"
)

// Default backoff bounds, matching the queue-level retry policy.
const (
	DefaultBaseDelay = 10 * time.Second
	DefaultMaxDelay  = 5 * time.Minute
)

// Policy holds the retry configuration for a class of work.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Retryable is the set of error classes worth retrying. Validation,
	// authorization and permanent errors must never appear here.
	Retryable map[errclass.Class]bool

	// Jitter adds up to 10% random slack to each delay to avoid thundering
	// herds across workers.
	Jitter bool
}

// DefaultPolicy retries transient and quota-class failures.
func DefaultPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries: maxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Retryable: map[errclass.Class]bool{
			errclass.Transient: true,
			errclass.Quota:     true,
		},
		Jitter: true,
	}
}

// ShouldRetry reports whether a failure with the given classification may
// be retried after attempt (zero-based count of attempts already made).
// Once attempt reaches MaxRetries the answer is false regardless of class.
func (p Policy) ShouldRetry(class errclass.Class, attempt int) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	return p.Retryable[class]
}

// NextDelay returns the backoff before retry number attempt+1:
// min(base * 2^attempt, max), optionally jittered.
func (p Policy) NextDelay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	max := p.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}

	if p.Jitter && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/10 + 1))
		if delay > max {
			delay = max
		}
	}
	return delay
}
