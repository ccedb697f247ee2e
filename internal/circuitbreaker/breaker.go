// Package circuitbreaker stops calling an optional dependency, such as the
// fingerprint cache, while it keeps failing and retries it later.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/mbd888/devicetrust/internal/metrics"
)

// ErrOpen is returned by Do without calling fn while the circuit is open.
var ErrOpen = errors.New("circuitbreaker: open")

// State of a breaker. The numeric values are exported as a gauge.
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

// Settings configures a Breaker. Zero values fall back to 5 failures and 30s.
type Settings struct {
	Name        string        // dependency label in metrics
	MaxFailures int           // consecutive failures that open the circuit
	OpenTimeout time.Duration // time open before one trial call is let through
}

// Breaker guards a single dependency.
type Breaker struct {
	name        string
	maxFailures int
	openTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New creates a closed breaker.
func New(s Settings) *Breaker {
	if s.MaxFailures <= 0 {
		s.MaxFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.Name == "" {
		s.Name = "default"
	}
	b := &Breaker{name: s.Name, maxFailures: s.MaxFailures, openTimeout: s.OpenTimeout, now: time.Now}
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(StateClosed))
	return b
}

// Do calls fn unless the circuit is open and records the result. While
// half-open only the probing call gets through; concurrent callers get ErrOpen.
func (b *Breaker) Do(fn func() error) error {
	if !b.admit() {
		return ErrOpen
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.openTimeout {
			return false
		}
		b.setState(StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.setState(StateClosed)
		return
	}
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.openedAt = b.now()
		b.setState(StateOpen)
	}
}

// Caller holds b.mu.
func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	b.state = to
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(to))
	metrics.BreakerTransitionsTotal.WithLabelValues(b.name, to.String()).Inc()
}
