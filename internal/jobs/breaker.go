package jobs

import (
	"sync"
	"time"
)

const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker trips after breakerThreshold consecutive handler failures and
// blocks dispatch for the cooldown. After the cooldown a single probe job is
// let through: success closes the breaker, failure reopens it for another
// full cooldown.
type breaker struct {
	clock Clock

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

func newBreaker(clock Clock) *breaker {
	return &breaker{clock: clock}
}

// allow reports whether a job may be dispatched now. In the open state it
// transitions to half-open once the cooldown has elapsed, admitting exactly
// one probe.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.clock.Now().Sub(b.openedAt) >= breakerCooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// Probe in flight; hold further dispatch until it resolves.
		return false
	default:
		return false
	}
}

// recordSuccess resets the failure streak and closes the breaker.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = breakerClosed
}

// recordFailure counts a handler failure; returns true if this failure
// tripped the breaker open.
func (b *breaker) recordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		// Failed probe, back to a full cooldown.
		b.state = breakerOpen
		b.openedAt = b.clock.Now()
		return true
	}

	b.failures++
	if b.failures >= breakerThreshold && b.state == breakerClosed {
		b.state = breakerOpen
		b.openedAt = b.clock.Now()
		return true
	}
	return false
}

// isOpen reports whether dispatch is currently blocked.
func (b *breaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != breakerClosed
}
