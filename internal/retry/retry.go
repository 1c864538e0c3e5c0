// Package retry provides a shared exponential-backoff executor and circuit
// breaker used by every component that talks to something flaky: the
// downloader, the schema applier, and container health polling.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// ErrCircuitBreakerOpen is returned by CircuitBreaker.Call when the breaker
// is open and the reset timeout has not yet elapsed.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// Config controls backoff timing for Executor.
type Config struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// Retryable classifies an error as worth retrying. Defaults to always
// retryable when nil is passed to NewExecutor.
type Retryable func(err error) bool

// Executor runs an operation with exponential backoff and jitter.
type Executor struct {
	config    Config
	logger    *slog.Logger
	retryable Retryable
}

// NewExecutor creates an Executor. A nil retryable treats every error as
// retryable; a nil logger uses slog.Default().
func NewExecutor(config Config, logger *slog.Logger, retryable Retryable) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &Executor{config: config, logger: logger, retryable: retryable}
}

// Do runs operation, retrying on failure per Config, until it succeeds, the
// retry budget is exhausted, or ctx is canceled.
func (e *Executor) Do(ctx context.Context, operation func() error) error {
	var lastErr error
	delay := e.config.InitialDelay

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 {
				e.logger.Info("operation succeeded after retry", "attempt", attempt+1)
			}
			return nil
		}

		lastErr = err

		if attempt < e.config.MaxRetries && e.retryable(err) {
			e.logger.Warn("operation failed, retrying",
				"attempt", attempt+1,
				"max_retries", e.config.MaxRetries,
				"delay", delay,
				"error", err)

			if !e.wait(ctx, delay) {
				return ctx.Err()
			}
			delay = e.nextDelay(delay)
			continue
		}
		break
	}

	e.logger.Error("operation failed after all retries",
		"max_retries", e.config.MaxRetries, "error", lastErr)
	return lastErr
}

func (e *Executor) wait(ctx context.Context, delay time.Duration) bool {
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Executor) nextDelay(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * e.config.BackoffFactor)
	if next > e.config.MaxDelay {
		next = e.config.MaxDelay
	}
	if e.config.JitterFactor > 0 {
		jitter := time.Duration(float64(next) * e.config.JitterFactor * rand.Float64())
		next += jitter
	}
	return next
}

// CircuitBreakerState is the current state of a CircuitBreaker.
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

// CircuitBreaker trips after maxFailures consecutive failures and refuses
// calls until resetTimeout has elapsed.
type CircuitBreaker struct {
	state        CircuitBreakerState
	failureCount int
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time
	lastSuccess  time.Time
}

// NewCircuitBreaker creates a closed CircuitBreaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:        StateClosed,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
	}
}

// Call runs operation through the breaker, tripping it on repeated failure.
func (cb *CircuitBreaker) Call(operation func() error) error {
	if cb.state == StateOpen {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = StateHalfOpen
		} else {
			return ErrCircuitBreakerOpen
		}
	}

	err := operation()
	if err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.maxFailures {
		cb.state = StateOpen
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.failureCount = 0
	cb.lastSuccess = time.Now()
	cb.state = StateClosed
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return cb.state
}

// IsOpen reports whether the breaker is currently open.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.state == StateOpen
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	return cb.failureCount
}

// Reset returns the breaker to its closed, zero-failure state.
func (cb *CircuitBreaker) Reset() {
	cb.state = StateClosed
	cb.failureCount = 0
	cb.lastFailure = time.Time{}
	cb.lastSuccess = time.Now()
}
