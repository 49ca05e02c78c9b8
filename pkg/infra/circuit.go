// Package infra provides the circuit breaker and retry/backoff primitives
// used by helper-node clients and agent step execution.
package infra

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when a call is rejected without being attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// Name identifies the breaker in stats and logs.
	Name string
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the probe-success count that closes a half-open circuit.
	SuccessThreshold int
	// ResetTimeout is how long the circuit stays open before allowing a probe.
	ResetTimeout time.Duration
	// OnStateChange, when set, observes transitions.
	OnStateChange func(name string, from, to State)
}

// Breaker is a three-state circuit breaker: closed lets calls through, open
// rejects immediately, half-open admits probes.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.RWMutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	changedAt   time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: StateClosed, changedAt: time.Now()}
}

// Execute runs fn under breaker protection.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// ExecuteWithResult runs a value-returning fn under breaker protection.
func ExecuteWithResult[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	result, err := fn(ctx)
	b.record(err)
	return result, err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if time.Since(b.changedAt) >= b.cfg.ResetTimeout {
			b.transition(StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.successes = 0
		b.lastFailure = time.Now()
		switch b.state {
		case StateClosed:
			if b.failures >= b.cfg.FailureThreshold {
				b.transition(StateOpen)
			}
		case StateHalfOpen:
			b.transition(StateOpen)
		}
		return
	}
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.changedAt = time.Now()
	b.failures = 0
	b.successes = 0
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current state without transitioning.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.changedAt = time.Now()
}

// BreakerStats is a point-in-time view for the admin surface.
type BreakerStats struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	ChangedAt   time.Time `json:"changed_at"`
}

// Stats returns the breaker's current counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BreakerStats{
		Name:        b.cfg.Name,
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
		ChangedAt:   b.changedAt,
	}
}
