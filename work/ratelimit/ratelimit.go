package ratelimit

import (
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"vodgate/work/logger"
	"vodgate/work/metrics"
)

// Scope identifies which fixed-window limit a check runs against. The two
// scopes have independent window identities and limits: ScopeClient protects
// the whole serving surface per client, ScopeClientSegment defends a single
// segment against retry storms from one stuck player.
type Scope string

const (
	ScopeClient        Scope = "client"
	ScopeClientSegment Scope = "client_segment"
)

// window is one fixed-window counter. Windows are replaced, not mutated,
// when their reset time passes; an expired window is equivalent to an
// absent one.
type window struct {
	count   int
	resetAt time.Time
}

// Result reports the outcome of an Allow check along with the values needed
// for Retry-After and X-RateLimit-* response headers. The header values
// always describe the specific limit that was consulted (or hit).
type Result struct {
	Allowed   bool
	Scope     Scope
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter implements fixed-window rate limiting over two scopes sharing one
// concurrent window map. Window math runs inside xsync's Compute so
// concurrent requests for the same key cannot double-create or lose
// increments. Absence of an entry is always a valid state; Allow never
// errors.
type Limiter struct {
	windows      *xsync.MapOf[string, window]
	windowLength time.Duration
	clientLimit  int
	segmentLimit int
	now          func() time.Time
	stopChan     chan struct{}
}

// New creates a Limiter with the given window length and per-scope limits.
func New(windowLength time.Duration, clientLimit, segmentLimit int) *Limiter {
	return &Limiter{
		windows:      xsync.NewMapOf[string, window](),
		windowLength: windowLength,
		clientLimit:  clientLimit,
		segmentLimit: segmentLimit,
		now:          time.Now,
		stopChan:     make(chan struct{}),
	}
}

// SetNow overrides the limiter's clock. Test hook.
func (l *Limiter) SetNow(now func() time.Time) {
	l.now = now
}

// Allow records one request against (scope, key) and reports whether it is
// within the window limit. The first request in a window (or the first after
// a window expires) creates a fresh window with count 1 and is always
// allowed.
func (l *Limiter) Allow(scope Scope, key string) Result {
	limit := l.clientLimit
	if scope == ScopeClientSegment {
		limit = l.segmentLimit
	}

	now := l.now()
	mapKey := string(scope) + ":" + key

	var w window
	l.windows.Compute(mapKey, func(old window, loaded bool) (window, bool) {
		if !loaded || now.After(old.resetAt) {
			w = window{count: 1, resetAt: now.Add(l.windowLength)}
		} else {
			w = window{count: old.count + 1, resetAt: old.resetAt}
		}
		return w, false
	})

	allowed := w.count <= limit
	if !allowed {
		metrics.RateLimitRejections.WithLabelValues(string(scope)).Inc()
	}

	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   allowed,
		Scope:     scope,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   w.resetAt,
	}
}

// Check runs both limits in order: the general per-client limit first, then
// the per-(client, segment) limit. A rejection at either stage short-circuits
// and the returned Result carries the headers of the limit that was hit.
// segmentKey may be empty for requests that are not segment-specific
// (playlists), in which case only the general limit applies.
func (l *Limiter) Check(clientID, segmentKey string) Result {
	res := l.Allow(ScopeClient, clientID)
	if !res.Allowed {
		return res
	}
	if segmentKey == "" {
		return res
	}
	return l.Allow(ScopeClientSegment, clientID+"|"+segmentKey)
}

// RetryAfter returns the whole seconds until the result's window resets,
// rounded up, never less than 1. Suitable for the Retry-After header.
func (r Result) RetryAfter(now time.Time) string {
	secs := int(r.ResetAt.Sub(now).Seconds())
	if r.ResetAt.Sub(now) > time.Duration(secs)*time.Second {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}

// StartSweep launches the background sweep that removes expired windows at
// the given interval. The sweep is hygiene, not correctness: expired windows
// are already treated as absent by Allow; removal just bounds memory. Runs
// until StopSweep.
func (l *Limiter) StartSweep(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-l.stopChan:
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

// StopSweep terminates the background sweep goroutine.
func (l *Limiter) StopSweep() {
	close(l.stopChan)
}

// sweep removes every window whose reset time has passed.
func (l *Limiter) sweep() {
	now := l.now()
	removed := 0
	l.windows.Range(func(key string, w window) bool {
		if now.After(w.resetAt) {
			l.windows.Delete(key)
			removed++
		}
		return true
	})

	if removed > 0 {
		logger.Debug("{ratelimit - sweep} Removed %d expired windows", removed)
	}
}

// WindowCount reports the number of live windows. Used by the admin stats
// endpoint.
func (l *Limiter) WindowCount() int {
	count := 0
	l.windows.Range(func(string, window) bool {
		count++
		return true
	})
	return count
}
