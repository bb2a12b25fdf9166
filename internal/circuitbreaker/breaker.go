// Package circuitbreaker stops calling a failing dependency for a while
// after repeated failures, then lets a single probe through.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do while the circuit for a key is open.
var ErrOpen = errors.New("circuit open")

// State is the state of one key's circuit.
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
	}
	return "unknown"
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "taskup",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker keeps an independent circuit per key (one per processor
// operation, for example).
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New returns a Breaker that opens a key's circuit after threshold
// consecutive failures and probes again after cooldown.
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

// Do runs fn unless key's circuit is open, and records the outcome.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.allow(key) {
		return ErrOpen
	}
	err := fn()
	b.record(key, err == nil)
	return err
}

// State returns key's current state.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Open lists the keys whose circuit is not closed.
func (b *Breaker) Open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k, c := range b.circuits {
		if c.state != StateClosed {
			keys = append(keys, k)
		}
	}
	return keys
}

func (b *Breaker) allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.move(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		// A probe is already in flight.
		return false
	}
	return true
}

func (b *Breaker) record(key string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, exists := b.circuits[key]
	if !exists {
		if ok {
			return
		}
		c = &circuit{}
		b.circuits[key] = c
	}

	if ok {
		c.failures = 0
		b.move(key, c, StateClosed)
		return
	}

	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		b.move(key, c, StateOpen)
	}
}

// move changes c's state. Caller holds b.mu.
func (b *Breaker) move(key string, c *circuit, to State) {
	if c.state == to {
		return
	}
	transitionsTotal.WithLabelValues(key, c.state.String(), to.String()).Inc()
	c.state = to
}
