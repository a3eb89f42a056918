package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker trips after failureThreshold consecutive failures and stays
// open for timeout. After that a single probe is let through (half-open);
// its outcome closes or re-opens the circuit.
type CircuitBreaker struct {
	failureThreshold int
	timeout          time.Duration
	now              func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	// OnStateChange, if set, is called with the lock held.
	OnStateChange func(from, to State)
}

func New(failureThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		timeout:          timeout,
		now:              time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

// Execute runs action unless the circuit is open. A failing action (or a
// cancelled ctx) counts against the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, action func(context.Context) error) error {
	if err := cb.acquire(); err != nil {
		return err
	}
	err := action(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()

	switch cb.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		cb.probing = false
		cb.setState(StateClosed)
		return
	}

	if cb.state == StateHalfOpen {
		cb.probing = false
		cb.trip()
		return
	}
	cb.failures++
	if cb.failures >= cb.failureThreshold {
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.failures = 0
	cb.openedAt = cb.now()
	cb.setState(StateOpen)
}

// advance moves an open circuit to half-open once the timeout has passed.
func (cb *CircuitBreaker) advance() {
	if cb.state == StateOpen && !cb.now().Before(cb.openedAt.Add(cb.timeout)) {
		cb.setState(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	from := cb.state
	cb.state = s
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, s)
	}
}
