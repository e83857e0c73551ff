// Package circuitbreaker guards calls to external dependencies. Each key
// tracks consecutive failures; crossing the threshold opens the circuit and
// rejects calls until a cooldown passes, after which a single probe decides
// whether to close it again.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of one key's circuit.
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

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "x402gw",
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

	// set while a half-open probe is outstanding so concurrent callers
	// don't all rush the recovering dependency
	probing bool
}

// Breaker holds independent circuits keyed by dependency name.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit

	threshold int
	cooldown  time.Duration

	onTransition func(key string, from, to State)
	now          func() time.Time
}

// New returns a breaker that opens a key after threshold consecutive
// failures and keeps it open for cooldown before probing. Non-positive
// arguments fall back to 5 failures / 30s.
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

// OnTransition registers a callback fired (on its own goroutine) whenever
// any key changes state.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has elapsed flips to half-open and admits exactly one probe;
// further callers are rejected until that probe is recorded.
func (b *Breaker) Allow(key string) bool {
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
		b.shift(key, c, StateHalfOpen)
		c.probing = true
		return true
	case StateHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
	return true
}

// RecordSuccess clears the failure count; a successful half-open probe
// closes the circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.shift(key, c, StateClosed)
	}
	c.failures = 0
	c.probing = false
}

// RecordFailure counts a failure; reaching the threshold (or failing a
// half-open probe) opens the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}

	c.failures++
	c.probing = false

	switch {
	case c.state == StateHalfOpen:
		c.openedAt = b.now()
		b.shift(key, c, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		c.openedAt = b.now()
		b.shift(key, c, StateOpen)
	}
}

// State returns the circuit state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// shift must be called with b.mu held.
func (b *Breaker) shift(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		go b.onTransition(key, from, to)
	}
}
