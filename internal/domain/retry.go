package domain

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides how long a failed task waits before it can be claimed again.
// A zero BaseDelay makes retries claimable immediately.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Delay returns the wait before the retry-th retry (1-based): BaseDelay * 2^(retry-1),
// capped at MaxDelay.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if p.BaseDelay <= 0 || retry < 1 {
		return 0
	}

	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Hour
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < retry; i++ {
		d = b.NextBackOff()
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
