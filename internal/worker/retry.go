package worker

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy decides how long a retryable failure waits before the job is
// eligible again, and when retrying stops.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// Jitter is the fraction of the delay (0..1) randomly added or removed.
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
		MaxAttempts: 5,
		Jitter:      0.2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Exhausted reports whether a job that has failed attempt times must stop.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Delay returns min(BaseDelay * 2^attempt, MaxDelay) with jitter applied,
// where attempt is the number of retryable failures before this one.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.jittered(p.Backoff(attempt), rand.Float64())
}

// Backoff is Delay without jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if d >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	return min(d, p.MaxDelay)
}

// jittered spreads d over [d*(1-Jitter), d*(1+Jitter)] using r in [0,1).
func (p RetryPolicy) jittered(d time.Duration, r float64) time.Duration {
	if p.Jitter == 0 || d <= 0 {
		return d
	}
	spread := float64(d) * p.Jitter
	return time.Duration(float64(d) - spread + 2*spread*r)
}
