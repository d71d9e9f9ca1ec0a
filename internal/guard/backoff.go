package guard

import (
	"time"
)

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy bounds retries for one operation.
type RetryPolicy struct {
	Attempts int
	Strategy BackoffStrategy
	Base     time.Duration
	Factor   float64
	MaxDelay time.Duration
}

// DefaultRetryPolicy is used when a step declares retries without tuning them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Strategy: BackoffExponential,
		Base:     500 * time.Millisecond,
		Factor:   2.0,
		MaxDelay: 10 * time.Second,
	}
}

// Delay returns the wait before retry number attempt (0-based), capped at
// MaxDelay. Linear grows base*(attempt+1); exponential grows base*factor^attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	factor := p.Factor
	if factor <= 1 {
		factor = 2.0
	}

	var d time.Duration
	switch p.Strategy {
	case BackoffLinear:
		d = base * time.Duration(attempt+1)
	default:
		d = base
		for i := 0; i < attempt; i++ {
			d = time.Duration(float64(d) * factor)
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				break
			}
		}
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
