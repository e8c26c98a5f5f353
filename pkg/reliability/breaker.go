package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/runplane/runplane/pkg/errors"
)

// ErrCircuitOpen indicates the breaker is rejecting calls without invoking
// the wrapped operation. Callers treat it as transient.
var ErrCircuitOpen = pkgerrors.New("circuit breaker open")

// BreakerState identifies the circuit breaker state.
type BreakerState string

const (
	// BreakerClosed admits all calls.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen rejects all calls until the reset timeout elapses.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen admits probe calls to test recovery.
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit from closed.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the circuit.
	SuccessThreshold int

	// Timeout bounds each wrapped call.
	Timeout time.Duration

	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration

	// OnStateChange is invoked on every transition (optional).
	OnStateChange func(from, to BreakerState)
}

// DefaultBreakerConfig returns the default breaker settings:
// open after 5 failures, close after 2 half-open successes,
// 30s per-call timeout, 60s reset timeout.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		ResetTimeout:     60 * time.Second,
	}
}

// BreakerMetrics counts breaker outcomes. All fields are cumulative.
type BreakerMetrics struct {
	Success  int64
	Failure  int64
	Rejected int64
	Opened   int64
	Closed   int64
}

// Breaker is a closed/open/half-open circuit breaker. It is safe for
// concurrent use.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	nextRetry time.Time
	metrics   BreakerMetrics
}

// NewBreaker creates a circuit breaker with the given name and configuration.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: BreakerClosed,
	}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the open → half-open transition
// if the reset timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked(time.Now())
	return b.state
}

// Metrics returns a snapshot of the breaker's counters.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// Execute runs op through the breaker. Calls are rejected with
// ErrCircuitOpen while the circuit is open; admitted calls race against
// the configured per-call timeout.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if !b.allow() {
		b.mu.Lock()
		b.metrics.Rejected++
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(callCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		err = &pkgerrors.TimeoutError{
			Operation: b.name,
			Duration:  b.cfg.Timeout,
			Cause:     callCtx.Err(),
		}
	}

	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// allow reports whether a call may proceed, transitioning open → half-open
// when the reset timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked(time.Now())
	return b.state != BreakerOpen
}

func (b *Breaker) maybeHalfOpenLocked(now time.Time) {
	if b.state == BreakerOpen && !now.Before(b.nextRetry) {
		b.transitionLocked(BreakerHalfOpen)
		b.successes = 0
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.Success++

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.transitionLocked(BreakerClosed)
			b.metrics.Closed++
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.Failure++

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openLocked()
		}
	case BreakerHalfOpen:
		// Any failure while probing re-opens the circuit.
		b.openLocked()
	}
}

func (b *Breaker) openLocked() {
	b.nextRetry = time.Now().Add(b.cfg.ResetTimeout)
	b.transitionLocked(BreakerOpen)
	b.metrics.Opened++
}

func (b *Breaker) transitionLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
