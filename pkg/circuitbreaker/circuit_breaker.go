package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"flowedge-server/pkg/errors"
)

// ErrOpen is returned by Execute while the circuit rejects calls
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	// Consecutive failures before opening the circuit
	FailureThreshold int `json:"failure_threshold" default:"5"`

	// Consecutive half-open successes before closing again
	SuccessThreshold int `json:"success_threshold" default:"2"`

	// How long the circuit stays open before a trial call
	Timeout time.Duration `json:"timeout" default:"30s"`

	// Each re-open doubles the timeout up to MaxTimeout
	MaxTimeout time.Duration `json:"max_timeout" default:"5m"`
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MaxTimeout:       5 * time.Minute,
	}
}

// CircuitBreaker stops calling a failing dependency for a while
type CircuitBreaker struct {
	name   string
	logger *logrus.Entry
	config *Config
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	trips       int
	nextAttempt time.Time

	onStateChange func(name string, from, to State)
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config *Config, logger *logrus.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		name:   name,
		logger: logger.WithField("circuit_breaker", name),
		config: config,
		now:    time.Now,
	}
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		return errors.Wrap(ErrOpen, "call rejected", map[string]interface{}{"circuit_breaker": cb.name})
	}

	err := fn(ctx)
	if err != nil {
		cb.recordFailure(err)
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Before(cb.nextAttempt) {
			return false
		}
		cb.setState(StateHalfOpen)
	}
	return true
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.trips = 0
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.trip(err)
	}
}

// trip opens the circuit; the caller holds mu
func (cb *CircuitBreaker) trip(err error) {
	timeout := cb.config.Timeout << uint(cb.trips)
	if cb.config.MaxTimeout > 0 && (timeout > cb.config.MaxTimeout || timeout <= 0) {
		timeout = cb.config.MaxTimeout
	}
	cb.trips++
	cb.nextAttempt = cb.now().Add(timeout)
	cb.setState(StateOpen)

	cb.logger.WithError(err).WithFields(logrus.Fields{
		"failures": cb.failures,
		"retry_in": timeout.String(),
	}).Warn("Circuit breaker opened")
}

// setState moves to state; the caller holds mu
func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}
	from := cb.state
	cb.state = state
	cb.successes = 0
	if state != StateOpen {
		cb.failures = 0
	}
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, state)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trips = 0
	cb.setState(StateClosed)
	cb.failures = 0
}

// SetStateChangeCallback registers a callback for state transitions
func (cb *CircuitBreaker) SetStateChangeCallback(callback func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = callback
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Manager hands out one breaker per name
type Manager struct {
	config   *Config
	logger   *logrus.Logger
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewManager creates a manager whose breakers share config
func NewManager(config *Config, logger *logrus.Logger) *Manager {
	return &Manager{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.breakers[name]
	if !ok {
		cfg := *DefaultConfig()
		if m.config != nil {
			cfg = *m.config
		}
		cb = NewCircuitBreaker(name, &cfg, m.logger)
		m.breakers[name] = cb
	}
	return cb
}

// States returns the state of every breaker by name
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.State()
	}
	return out
}
