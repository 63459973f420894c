// Package retry decides what happens to a review after a failed attempt:
// retry after an exponential backoff, or give up and dead-letter. The
// decision is a pure function of the attempt number and policy, so the
// worker and queue stay free of scheduling arithmetic.
package retry

import "time"

// Policy bounds the retry schedule.
type Policy struct {
	// MaxRetries is how many failed attempts may be retried. A review
	// dead-letters once its attempt number exceeds MaxRetries, so it gets
	// MaxRetries+1 attempts in total.
	MaxRetries int
	// BaseDelay is the delay after the first failed attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// DefaultPolicy mirrors the pipeline defaults: three retries, 5s base,
// capped at an hour.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: 5 * time.Second, MaxDelay: time.Hour}
}

// Decision is the outcome for a single failed attempt.
type Decision struct {
	// Retry is true when the review should return to the pending lane.
	Retry bool
	// Delay is how long to wait before the review becomes leasable again.
	// Zero when Retry is false.
	Delay time.Duration
}

// Decide returns the outcome for a failure on the given attempt number
// (1-based). Attempts up to and including MaxRetries retry; beyond that
// the review dead-letters. The delay doubles per attempt: base, 2*base,
// 4*base, ... capped at MaxDelay.
func Decide(attempt int, p Policy) Decision {
	if attempt > p.MaxRetries {
		return Decision{}
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return Decision{Retry: true, Delay: delay}
}
