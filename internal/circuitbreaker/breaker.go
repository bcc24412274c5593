// Package circuitbreaker implements the circuit breaker pattern for the
// upstream surfaces that can fail repeatedly without being the host's
// fault: the DoH resolver and the supervisor's IPC reconnect path. An open
// breaker turns a hung upstream into an immediate, explicit error.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold exceeded, requests blocked
	StateHalfOpen              // probing whether the upstream recovered
)

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

// ErrOpen is returned while the breaker is open.
var ErrOpen = errors.New("circuitbreaker: open")

// ErrTooManyProbes is returned in half-open state once the probe quota is
// spent.
var ErrTooManyProbes = errors.New("circuitbreaker: too many half-open probes")

// Counts holds request outcome tallies for the current generation.
type Counts struct {
	Requests            uint32
	TotalSuccesses      uint32
	TotalFailures       uint32
	ConsecutiveFailures uint32
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
}

// Config tunes a breaker.
type Config struct {
	Name string

	// MaxProbes is the number of requests allowed through in half-open state.
	MaxProbes uint32

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration

	// TripAfter is the consecutive-failure count that opens the breaker.
	TripAfter uint32
}

// DefaultConfig returns the tuning both Iris call sites start from.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxProbes:   1,
		OpenTimeout: 30 * time.Second,
		TripAfter:   5,
	}
}

// Breaker is a mutex-protected circuit breaker.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	probes     uint32
	openedAt   time.Time
	logger     *log.Logger
}

// New creates a Breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 5
	}
	return &Breaker{
		cfg:    cfg,
		state:  StateClosed,
		logger: log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
}

// Do runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	err = fn()
	b.after(gen, err == nil)
	return err
}

// State returns the current state, advancing open→half-open on expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked(time.Now())
}

// Counts returns the current generation's tallies.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	switch b.currentStateLocked(now) {
	case StateOpen:
		return 0, ErrOpen
	case StateHalfOpen:
		if b.probes >= b.cfg.MaxProbes {
			return 0, ErrTooManyProbes
		}
		b.probes++
	}
	return b.generation, nil
}

func (b *Breaker) after(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.generation {
		return // outcome from a previous generation, ignore
	}
	now := time.Now()
	state := b.currentStateLocked(now)
	if success {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.transitionLocked(StateClosed, now)
		}
		return
	}
	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.TripAfter {
			b.transitionLocked(StateOpen, now)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen, now)
	}
}

func (b *Breaker) currentStateLocked(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.transitionLocked(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.generation++
	b.counts = Counts{}
	b.probes = 0
	if to == StateOpen {
		b.openedAt = now
	}
	b.logger.Printf("%s: %s -> %s", b.cfg.Name, from, to)
}
