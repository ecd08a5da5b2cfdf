package pricing

import (
	"sync"
	"time"

	"github.com/birdbathd/tranche-engine/internal/errors"
)

type breakerState string

const (
	breakerClosed   breakerState = "closed"
	breakerOpen     breakerState = "open"
	breakerHalfOpen breakerState = "half_open"
)

// breaker stops hammering the REST endpoint after consecutive failures and
// probes it again once the cooldown elapses.
type breaker struct {
	failureThreshold int
	successThreshold int
	cooldown         time.Duration

	mu          sync.Mutex
	state       breakerState
	failures    int
	successes   int
	lastFailure time.Time
}

func newBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *breaker {
	return &breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		state:            breakerClosed,
	}
}

// Allow reports whether a request may proceed, transitioning an open breaker
// to half-open after the cooldown.
func (b *breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerOpen {
		if time.Since(b.lastFailure) < b.cooldown {
			return errors.ErrPriceUnavailable
		}
		b.state = breakerHalfOpen
		b.successes = 0
	}
	return nil
}

// Record feeds a request outcome back into the breaker.
func (b *breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		if b.state == breakerHalfOpen || b.failures >= b.failureThreshold {
			b.state = breakerOpen
		}
		return
	}

	switch b.state {
	case breakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.reset()
		}
	case breakerClosed:
		b.failures = 0
	}
}

// State returns the current breaker state label, for logs.
func (b *breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.state)
}

func (b *breaker) reset() {
	b.state = breakerClosed
	b.failures = 0
	b.successes = 0
}
