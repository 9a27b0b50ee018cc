package transport

import (
	"errors"
	"sync"
	"time"
)

// ErrPeerUnavailable is returned without a network call while a peer's
// breaker is open.
var ErrPeerUnavailable = errors.New("peer unavailable")

const (
	DefaultBreakerThreshold = 5
	DefaultBreakerReset     = 10 * time.Second
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker stops a round from spending its deadline on a peer that has failed
// repeatedly. After reset elapses one trial call is let through; its outcome
// closes or reopens the breaker.
type breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	reset     time.Duration
	openedAt  time.Time
	now       func() time.Time
}

func newBreaker(threshold int, reset time.Duration) *breaker {
	return &breaker{threshold: threshold, reset: reset, now: time.Now}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.reset {
			return false
		}
		b.state = breakerHalfOpen
		return true
	case breakerHalfOpen:
		// A trial call is already in flight.
		return false
	default:
		return true
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}

// abandon ends a call that was cut off by the caller. It leaves the failure
// count alone; an abandoned trial call returns the breaker to open so the
// next allow may try again.
func (b *breaker) abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
	}
}

func (b *breaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != breakerClosed
}
