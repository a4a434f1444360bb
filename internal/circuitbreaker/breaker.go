// Package circuitbreaker provides a per-key circuit breaker with
// closed → open → half-open state transitions. The payment layer keys it by
// payment method so one failing provider cannot stall the other.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute when the circuit for a key is not accepting calls.
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe call is in flight
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

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrow",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker trips a key open after threshold consecutive failures and keeps
// it open for cooldown before letting a single probe through.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// a 30 second cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// OnTransition sets a callback invoked synchronously, outside the lock,
// after each state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return true
	}

	var (
		allowed bool
		changed func()
	)
	switch c.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.cooldown {
			changed = b.transition(c, key, StateHalfOpen)
			allowed = true
		}
	case StateHalfOpen:
		allowed = false
	}
	b.mu.Unlock()

	if changed != nil {
		changed()
	}
	return allowed
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	c.failures = 0
	changed := b.transition(c, key, StateClosed)
	b.mu.Unlock()

	if changed != nil {
		changed()
	}
}

// RecordFailure counts a failure. A failed probe reopens the circuit; a
// closed circuit opens once failures reach the threshold.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	c.failures++

	var changed func()
	switch {
	case c.state == StateHalfOpen:
		c.openedAt = b.now()
		changed = b.transition(c, key, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		c.openedAt = b.now()
		changed = b.transition(c, key, StateOpen)
	}
	b.mu.Unlock()

	if changed != nil {
		changed()
	}
}

// Execute runs fn when the circuit for key allows it and records the
// outcome. It returns ErrOpen without calling fn otherwise. Errors for
// which ignore returns true are passed through without counting as
// failures; ignore may be nil.
func (b *Breaker) Execute(key string, fn func() error, ignore func(error) bool) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.RecordSuccess(key)
	case ignore != nil && ignore(err):
		// A call the provider never judged leaves the circuit as it was,
		// but a half-open probe must not stay in flight forever.
		b.mu.Lock()
		c := b.circuits[key]
		var changed func()
		if c != nil && c.state == StateHalfOpen {
			changed = b.transition(c, key, StateOpen)
		}
		b.mu.Unlock()
		if changed != nil {
			changed()
		}
	default:
		b.RecordFailure(key)
	}
	return err
}

// State returns the current state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return StateClosed
	}
	return c.state
}

// transition changes state and returns the notification to fire once the
// lock is released, or nil if nothing changed. Caller must hold b.mu.
func (b *Breaker) transition(c *circuit, key string, to State) func() {
	from := c.state
	if from == to {
		return nil
	}
	c.state = to
	stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	fn := b.onTransition
	if fn == nil {
		return nil
	}
	return func() { fn(key, from, to) }
}
