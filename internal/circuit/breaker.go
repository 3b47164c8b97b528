// Package circuit implements the circuit breaker guarding the remote cache
// tier: after repeated remote failures the breaker opens and the tiered cache
// stops issuing remote calls until the cooldown elapses.
package circuit

import (
	"sync"
	"time"

	"github.com/datakit/datacache/pkg/clock"
	"github.com/datakit/datacache/pkg/errors"
)

// State represents the breaker state.
type State int

const (
	// StateClosed - requests pass through.
	StateClosed State = iota
	// StateOpen - requests are rejected without touching the backend.
	StateOpen
	// StateHalfOpen - a limited number of probe requests are allowed.
	StateHalfOpen
)

// String returns string representation of state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains breaker configuration.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker. Defaults to 5.
	FailureThreshold uint32

	// Interval is the closed-state window after which counts reset.
	// Defaults to 1 minute.
	Interval time.Duration

	// Timeout is the open-state cooldown before probing resumes.
	// Defaults to 30 seconds.
	Timeout time.Duration

	// MaxProbes bounds requests allowed through while half-open.
	// Defaults to 1.
	MaxProbes uint32

	// Clock defaults to the system clock.
	Clock clock.Clock

	// OnStateChange is called when the state changes.
	OnStateChange func(from, to State)
}

// Counts holds request outcome tallies for the current window.
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

// Breaker implements the circuit breaker pattern around a fallible backend.
type Breaker struct {
	config Config
	clk    clock.Clock

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// ErrOpen is returned when the breaker rejects a request.
var ErrOpen = errors.New(errors.ErrCodeRemoteUnavailable, "circuit breaker is open")

// New creates a breaker.
func New(config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxProbes == 0 {
		config.MaxProbes = 1
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	b := &Breaker{
		config: config,
		clk:    config.Clock,
		state:  StateClosed,
	}
	b.expiry = b.clk.Now().Add(config.Interval)
	return b
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	b.afterRequest(err)
	return err
}

// Allow reports whether a request may proceed, recording it if so. Callers
// using Allow must report the outcome with RecordResult.
func (b *Breaker) Allow() bool {
	return b.beforeRequest() == nil
}

// RecordResult reports the outcome of a request admitted via Allow.
func (b *Breaker) RecordResult(err error) {
	b.afterRequest(err)
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

// GetCounts returns a copy of the current window's counts.
func (b *Breaker) GetCounts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset returns the breaker to closed with fresh counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts = Counts{}
	b.setStateLocked(StateClosed)
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentStateLocked()

	if state == StateOpen {
		return ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxProbes {
		return ErrOpen
	}

	b.counts.Requests++
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentStateLocked()

	if err == nil {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setStateLocked(StateClosed)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0

	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		b.setStateLocked(StateOpen)
	}
}

// currentStateLocked applies window/cooldown transitions. Requires b.mu.
func (b *Breaker) currentStateLocked() State {
	now := b.clk.Now()
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts = Counts{}
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setStateLocked(StateHalfOpen)
		}
	}
	return b.state
}

func (b *Breaker) setStateLocked(state State) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.counts = Counts{}

	now := b.clk.Now()
	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(prev, state)
	}
}
