package delivery

import (
	"errors"
	"sync"
	"time"

	"claude-pulse/internal/clock"
)

// ErrCircuitOpen is returned without attempting a call while the breaker
// is open, or while a half-open probe is already in flight.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 60 * time.Second
)

// Breaker stops calls to a failing collector. After Threshold
// consecutive failures it opens and rejects calls for Cooldown, then
// lets a single probe through whose outcome closes or reopens it.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	clock     clock.Clock

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker. Non-positive arguments take the
// defaults of 5 failures and 60s.
func NewBreaker(threshold int, cooldown time.Duration, clk clock.Clock) *Breaker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, clock: clk}
}

// State returns the current state, moving Open to HalfOpen once the
// cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// Allow reserves permission for one call. Every successful Allow must be
// followed by exactly one Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advanceLocked()
	switch b.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		if success {
			b.state = StateClosed
			b.failures = 0
		} else {
			b.tripLocked()
		}
		return
	}

	if success {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.threshold {
		b.tripLocked()
	}
}

// Execute runs fn if the breaker admits it and records the outcome.
// Errors for which countsAsFailure returns false are recorded as
// successes: the collector answered.
func (b *Breaker) Execute(fn func() error, countsAsFailure func(error) bool) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	failed := err != nil
	if failed && countsAsFailure != nil {
		failed = countsAsFailure(err)
	}
	b.Record(!failed)
	return err
}

func (b *Breaker) advanceLocked() {
	if b.state == StateOpen && !b.clock.Now().Before(b.openedAt.Add(b.cooldown)) {
		b.state = StateHalfOpen
		b.probing = false
	}
}

func (b *Breaker) tripLocked() {
	b.state = StateOpen
	b.openedAt = b.clock.Now()
	b.failures = 0
}
