package guard

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when a breaker rejects a call without invoking it.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerState is the state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Breaker is a circuit breaker around one dependency. After
// failureThreshold consecutive failures it opens and fails fast; once
// recoveryTimeout elapses exactly one trial call is let through, and its
// outcome decides whether the breaker closes or re-opens.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	trialActive bool

	now    func() time.Time
	logger *zap.Logger
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, failureThreshold int, recoveryTimeout time.Duration, logger *zap.Logger) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            BreakerClosed,
		now:              time.Now,
		logger:           logger,
	}
}

// State returns the current state, accounting for an elapsed recovery timeout.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.recoveryTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Execute runs fn under the breaker. While open it returns ErrCircuitOpen
// without calling fn. In half-open only one caller at a time holds the trial.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err == nil)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) < b.recoveryTimeout {
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.trialActive = true
		b.logger.Info("circuit half-open, allowing trial call", zap.String("breaker", b.name))
		return nil
	case BreakerHalfOpen:
		if b.trialActive {
			return ErrCircuitOpen
		}
		b.trialActive = true
		return nil
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialActive = false

	if success {
		if b.state != BreakerClosed {
			b.logger.Info("circuit closed", zap.String("breaker", b.name))
		}
		b.state = BreakerClosed
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = b.now()

	if b.state == BreakerHalfOpen || b.failures >= b.failureThreshold {
		if b.state != BreakerOpen {
			b.logger.Warn("circuit opened",
				zap.String("breaker", b.name),
				zap.Int("failures", b.failures))
		}
		b.state = BreakerOpen
	}
}

// Reset forces the breaker closed and clears the failure counter.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.trialActive = false
}
