// Package circuitbreaker protects a secondary-sink dependency (e.g.
// C9's MongoErrorSink) from being hammered once it starts failing.
//
// The state machine (Closed/Open/HalfOpen, failure-threshold trip,
// timed half-open probe) is generalized from an LLM-provider-call
// guard into a general-purpose dependency guard any ambient sink can
// wrap itself in.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is one of the three circuit states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes the trip/reset behavior.
type Config struct {
	Threshold        int           // consecutive failures before tripping
	Timeout          time.Duration // per-call timeout
	ResetTimeout     time.Duration // Open -> HalfOpen wait
	HalfOpenMaxCalls int
	OnStateChange    func(from, to State)
}

// DefaultConfig holds conservative trip/reset defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:        5,
		Timeout:          5 * time.Second,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

var (
	ErrOpen            = errors.New("circuitbreaker: circuit is open")
	ErrTooManyHalfOpen = errors.New("circuitbreaker: too many calls in half-open state")
)

// Breaker wraps calls to an external dependency.
type Breaker struct {
	cfg    Config
	logger *zap.Logger

	mu                sync.Mutex
	state             State
	failureCount      int
	lastFailureTime   time.Time
	halfOpenCallCount int
}

// New constructs a Breaker; a zero Config falls back to DefaultConfig.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = DefaultConfig().HalfOpenMaxCalls
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{cfg: cfg, logger: logger, state: StateClosed}
}

// State reports the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call runs fn under the breaker's timeout and trip logic. Returns
// ErrOpen/ErrTooManyHalfOpen without invoking fn when tripped.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case <-callCtx.Done():
		b.afterCall(false)
		return fmt.Errorf("circuitbreaker: call timed out: %w", callCtx.Err())
	case err := <-done:
		b.afterCall(err == nil)
		return err
	}
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailureTime) > b.cfg.ResetTimeout {
			b.setState(StateHalfOpen)
			b.halfOpenCallCount = 0
			return nil
		}
		return ErrOpen
	case StateHalfOpen:
		if b.halfOpenCallCount >= b.cfg.HalfOpenMaxCalls {
			return ErrTooManyHalfOpen
		}
		b.halfOpenCallCount++
		return nil
	default:
		return fmt.Errorf("circuitbreaker: unknown state %v", b.state)
	}
}

func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.setState(StateClosed)
		b.failureCount = 0
		b.halfOpenCallCount = 0
	}
}

func (b *Breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.cfg.Threshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
		b.halfOpenCallCount = 0
	}
}

func (b *Breaker) setState(newState State) {
	old := b.state
	b.state = newState
	b.logger.Info("circuit breaker state change", zap.Stringer("from", old), zap.Stringer("to", newState))
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(old, newState)
	}
}
