// Package resilience guards calls to flaky backends.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute while the breaker is refusing calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

type phase uint8

const (
	phaseClosed phase = iota
	phaseOpen
	phaseHalfOpen
)

func (p phase) String() string {
	switch p {
	case phaseOpen:
		return "open"
	case phaseHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker trips after maxFailures consecutive failed calls. While open it
// rejects everything until timeout has elapsed, then admits probes: a
// failed probe re-trips, a success resets the circuit.
type Breaker struct {
	maxFailures int
	timeout     time.Duration

	mu        sync.Mutex
	phase     phase
	failures  int
	trippedAt time.Time

	now func() time.Time
}

func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

// State reports the current phase as "closed", "open" or "half_open".
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase.String()
}

// Execute runs fn unless the circuit is open, in which case it returns
// ErrCircuitOpen without invoking fn. Any error from fn counts toward
// tripping; a nil return closes the circuit and clears the failure count.
func (b *Breaker) Execute(fn func() error) error {
	if !b.admit() {
		return ErrCircuitOpen
	}
	err := fn()
	b.record(err)
	return err
}

// admit decides whether a call may proceed, moving an open circuit to
// half_open once the cooldown has elapsed.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.phase != phaseOpen {
		return true
	}
	if b.now().Sub(b.trippedAt) < b.timeout {
		return false
	}
	b.phase = phaseHalfOpen
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.phase = phaseClosed
		b.failures = 0
		return
	}
	b.failures++
	if b.phase == phaseHalfOpen || b.failures >= b.maxFailures {
		b.phase = phaseOpen
		b.trippedAt = b.now()
	}
}
