// Package circuitbreaker stops calling a collaborator that keeps failing and
// probes it again after a cool-down.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

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
	}
	return "unknown"
}

const (
	defaultHalfOpenProbes = 3
	defaultOpenTimeout    = 30 * time.Second
)

type Config struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenProbes is both the number of concurrent probes admitted and the
	// number of successes needed to close the circuit again.
	HalfOpenProbes uint32
	// IsFailure decides whether an error counts against the circuit. By
	// default cancellations and deadlines do not.
	IsFailure func(error) bool
	// OnStateChange runs outside the lock after every transition.
	OnStateChange func(name string, from, to State)
	Logger        *logrus.Logger
}

type Stats struct {
	Name        string
	State       State
	Requests    uint32
	Successes   uint32
	Failures    uint32
	LastFailure time.Time
}

// OpenError rejects a call without running it.
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// IsOpen reports whether err, or anything it wraps, is an OpenError.
func IsOpen(err error) bool {
	var openErr *OpenError
	return errors.As(err, &openErr)
}

type CircuitBreaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu        sync.Mutex
	state     State
	openedAt  time.Time
	failures  uint32
	probes    uint32
	probeWins uint32
	stats     Stats
}

func New(name string, cfg Config) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = defaultHalfOpenProbes
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetLevel(logrus.WarnLevel)
	}
	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
}

type transition struct {
	from, to State
}

func (cb *CircuitBreaker) fire(t transition) {
	if t.from != t.to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, t.from, t.to)
	}
}

// Execute runs fn unless the circuit rejects it. Errors that IsFailure
// ignores count as successes.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err == nil || !cb.cfg.IsFailure(err))
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	t := cb.refreshLocked()

	var err error
	switch {
	case cb.state == StateOpen:
		err = &OpenError{Name: cb.name, State: cb.state}
	case cb.state == StateHalfOpen && cb.probes >= cb.cfg.HalfOpenProbes:
		err = &OpenError{Name: cb.name, State: cb.state}
	case cb.state == StateHalfOpen:
		cb.probes++
	}
	if err == nil {
		cb.stats.Requests++
	}
	cb.mu.Unlock()

	cb.fire(t)
	return err
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	t := transition{from: cb.state, to: cb.state}
	if ok {
		cb.stats.Successes++
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.probeWins++
			if cb.probeWins >= cb.cfg.HalfOpenProbes {
				t = cb.moveLocked(StateClosed)
			}
		}
	} else {
		cb.stats.Failures++
		cb.stats.LastFailure = cb.now()
		switch cb.state {
		case StateClosed:
			cb.failures++
			if cb.failures >= cb.cfg.MaxFailures {
				t = cb.moveLocked(StateOpen)
			}
		case StateHalfOpen:
			t = cb.moveLocked(StateOpen)
		}
	}
	cb.mu.Unlock()

	cb.fire(t)
}

// refreshLocked lets an open circuit start probing once OpenTimeout passed.
func (cb *CircuitBreaker) refreshLocked() transition {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.OpenTimeout {
		return cb.moveLocked(StateHalfOpen)
	}
	return transition{from: cb.state, to: cb.state}
}

func (cb *CircuitBreaker) moveLocked(to State) transition {
	t := transition{from: cb.state, to: to}
	cb.state = to
	cb.failures = 0
	cb.probes = 0
	cb.probeWins = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}

	entry := cb.cfg.Logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"from":            t.from.String(),
		"to":              to.String(),
	})
	if to == StateOpen {
		entry.Warn("Circuit breaker opened")
	} else {
		entry.Info("Circuit breaker state changed")
	}
	return t
}

// State returns the current state, moving an expired open circuit to
// half-open first.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	t := cb.refreshLocked()
	state := cb.state
	cb.mu.Unlock()

	cb.fire(t)
	return state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := cb.stats
	stats.Name = cb.name
	stats.State = cb.state
	return stats
}
