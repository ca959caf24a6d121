package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedWindowAllowsExactlyLimit(t *testing.T) {
	l := New(time.Minute, 5, 3)

	for i := 0; i < 5; i++ {
		res := l.Allow(ScopeClient, "10.0.0.1")
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
	}

	res := l.Allow(ScopeClient, "10.0.0.1")
	assert.False(t, res.Allowed)
	assert.Equal(t, 5, res.Limit)
	assert.Equal(t, 0, res.Remaining)
}

func TestWindowResetStartsFreshCount(t *testing.T) {
	now := time.Now()
	l := New(time.Minute, 2, 3)
	l.SetNow(func() time.Time { return now })

	require.True(t, l.Allow(ScopeClient, "c1").Allowed)
	require.True(t, l.Allow(ScopeClient, "c1").Allowed)
	require.False(t, l.Allow(ScopeClient, "c1").Allowed)

	// past the reset boundary the next call creates a fresh window
	now = now.Add(61 * time.Second)
	res := l.Allow(ScopeClient, "c1")
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Limit-res.Remaining)
}

func TestSegmentLimitIndependentPerSegment(t *testing.T) {
	l := New(time.Minute, 100, 2)

	for i := 0; i < 2; i++ {
		assert.True(t, l.Allow(ScopeClientSegment, "c1|segA").Allowed)
	}
	assert.False(t, l.Allow(ScopeClientSegment, "c1|segA").Allowed)

	// segment B for the same client is unaffected
	assert.True(t, l.Allow(ScopeClientSegment, "c1|segB").Allowed)
}

func TestCheckShortCircuitsOnGeneralLimit(t *testing.T) {
	l := New(time.Minute, 1, 5)

	require.True(t, l.Check("c1", "seg0").Allowed)

	res := l.Check("c1", "seg1")
	assert.False(t, res.Allowed)
	assert.Equal(t, ScopeClient, res.Scope, "rejection must identify the general limit")
}

func TestCheckReportsSegmentScopeWhenSegmentLimitHit(t *testing.T) {
	l := New(time.Minute, 100, 1)

	require.True(t, l.Check("c1", "seg0").Allowed)

	res := l.Check("c1", "seg0")
	assert.False(t, res.Allowed)
	assert.Equal(t, ScopeClientSegment, res.Scope)
}

func TestSweepRemovesExpiredWindows(t *testing.T) {
	now := time.Now()
	l := New(time.Minute, 10, 10)
	l.SetNow(func() time.Time { return now })

	for i := 0; i < 4; i++ {
		l.Allow(ScopeClient, fmt.Sprintf("c%d", i))
	}
	require.Equal(t, 4, l.WindowCount())

	now = now.Add(2 * time.Minute)
	l.sweep()
	assert.Equal(t, 0, l.WindowCount())
}

func TestRetryAfterRoundsUpToFullSeconds(t *testing.T) {
	now := time.Now()
	res := Result{ResetAt: now.Add(59*time.Second + 500*time.Millisecond)}
	assert.Equal(t, "60", res.RetryAfter(now))

	res = Result{ResetAt: now.Add(-time.Second)}
	assert.Equal(t, "1", res.RetryAfter(now))
}
