package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitBreakerOpen is returned without calling fn while the breaker is open.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// State of the breaker.
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
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls when the breaker trips and recovers.
type Config struct {
	// FailureThreshold consecutive failures that open the breaker.
	FailureThreshold int
	// SuccessThreshold successes in half-open that close it again.
	SuccessThreshold int
	// Timeout spent open before probing in half-open.
	Timeout time.Duration
	// HalfOpenMaxRequests concurrent probes allowed in half-open.
	HalfOpenMaxRequests int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker guards calls to a flaky dependency.
type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time

	// OnStateChange, when set, is called after a transition, outside the lock.
	OnStateChange func(name string, from, to State)

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	inFlight      int
	lastStateTime time.Time
}

func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	return newWithClock(name, config, time.Now)
}

func newWithClock(name string, config Config, now func() time.Time) *CircuitBreaker {
	return &CircuitBreaker{
		name:          name,
		config:        config,
		now:           now,
		state:         StateClosed,
		lastStateTime: now(),
	}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	var change *[2]State
	defer func() {
		cb.mu.Unlock()
		cb.notify(change)
	}()

	if cb.state == StateOpen && cb.now().Sub(cb.lastStateTime) >= cb.config.Timeout {
		change = cb.setState(StateHalfOpen)
	}

	switch cb.state {
	case StateOpen:
		return ErrCircuitBreakerOpen
	case StateHalfOpen:
		if cb.inFlight >= cb.config.HalfOpenMaxRequests {
			return ErrCircuitBreakerOpen
		}
	}
	cb.inFlight++
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	var change *[2]State
	defer func() {
		cb.mu.Unlock()
		cb.notify(change)
	}()

	cb.inFlight--
	if err != nil {
		cb.failureCount++
		switch cb.state {
		case StateHalfOpen:
			change = cb.setState(StateOpen)
		case StateClosed:
			if cb.failureCount >= cb.config.FailureThreshold {
				change = cb.setState(StateOpen)
			}
		}
		return
	}

	cb.failureCount = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			change = cb.setState(StateClosed)
		}
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to State) *[2]State {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastStateTime = cb.now()
	return &[2]State{from, to}
}

func (cb *CircuitBreaker) notify(change *[2]State) {
	if change != nil && cb.OnStateChange != nil {
		cb.OnStateChange(cb.name, change[0], change[1])
	}
}

// GetState returns the current state, applying the open timeout.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastStateTime) >= cb.config.Timeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.inFlight = 0
	cb.lastStateTime = cb.now()
}
