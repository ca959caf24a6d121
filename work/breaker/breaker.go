package breaker

import (
	"sync"
	"time"

	"vodgate/work/logger"
	"vodgate/work/metrics"
)

// Breaker is the failure-count/timeout state machine guarding calls to the
// object-storage backend. It has two states: closed (calls pass through) and
// open (callers must fail fast without attempting the dependency).
//
// The open state heals lazily: IsOpen checks whether the cooldown has
// elapsed since the last failure and, if so, resets the failure count as a
// side effect and reports closed. There is no background timer and no
// half-open trial state; a single recorded success fully heals the breaker.
type Breaker struct {
	mu            sync.Mutex
	failureCount  int
	lastFailureAt time.Time
	threshold     int
	timeout       time.Duration
	now           func() time.Time
}

// New creates a Breaker that opens after threshold failures and lazily
// resets once timeout has elapsed past the most recent failure.
func New(threshold int, timeout time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

// SetNow overrides the breaker's clock. Test hook.
func (b *Breaker) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// IsOpen reports whether calls must be short-circuited. Returns true iff the
// failure count has reached the threshold and the cooldown has not yet
// elapsed. When the cooldown has elapsed, the breaker resets its failure
// count as a side effect of the check and returns false.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failureCount < b.threshold {
		return false
	}

	if b.now().Sub(b.lastFailureAt) > b.timeout {
		logger.Info("{breaker - IsOpen} Cooldown elapsed, resetting breaker")
		b.failureCount = 0
		metrics.BreakerOpen.Set(0)
		return false
	}

	return true
}

// RecordFailure increments the failure count and stamps the failure time.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureAt = b.now()

	if b.failureCount == b.threshold {
		logger.Warn("{breaker - RecordFailure} Breaker opened after %d failures", b.failureCount)
		metrics.BreakerOpen.Set(1)
	}
}

// RecordSuccess resets the failure count unconditionally. One success fully
// heals the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failureCount >= b.threshold {
		logger.Info("{breaker - RecordSuccess} Breaker healed by successful call")
	}
	b.failureCount = 0
	metrics.BreakerOpen.Set(0)
}

// FailureCount reports the current failure count. Used by tests and the
// admin stats endpoint.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}
