package engine

import "time"

// RetryPolicy bounds how long the engine keeps retrying transient fetch
// failures before declaring the run dead.
type RetryPolicy struct {
	MaxConsecutive int           // failures tolerated in a row; <=0 means unlimited
	Initial        time.Duration // first delay
	Max            time.Duration // delay ceiling
}

// DefaultRetryPolicy mirrors the polling cadence the platform tolerates: a
// couple of seconds to start, doubling up to a minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxConsecutive: 5, Initial: 2 * time.Second, Max: 60 * time.Second}
}

type backoff struct {
	policy   RetryPolicy
	failures int
	delay    time.Duration
}

// Fail records one failure and returns the delay before the next attempt.
// ok is false once the consecutive-failure budget is spent.
func (b *backoff) Fail() (time.Duration, bool) {
	b.failures++
	if b.policy.MaxConsecutive > 0 && b.failures > b.policy.MaxConsecutive {
		return 0, false
	}
	if b.delay == 0 {
		b.delay = b.policy.Initial
	} else {
		b.delay *= 2
	}
	if b.policy.Max > 0 && b.delay > b.policy.Max {
		b.delay = b.policy.Max
	}
	return b.delay, true
}

func (b *backoff) Reset() {
	b.failures = 0
	b.delay = 0
}

func (b *backoff) Failures() int { return b.failures }
