package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBurstThenDeny(t *testing.T) {
	l := New(1, 3)
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("agent_a"), "call %d should fit in the burst", i+1)
	}
	assert.False(t, l.Allow("agent_a"), "burst exhausted")
}

func TestRefillOverTime(t *testing.T) {
	l := New(2, 2)
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	// Half a second at 2 tokens/s refills exactly one token.
	now = now.Add(500 * time.Millisecond)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
}

func TestRefillNeverExceedsBurst(t *testing.T) {
	l := New(10, 2)
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))

	now = now.Add(time.Hour)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"), "an idle hour must not bank more than the burst")
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1, 1)
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "b has its own bucket")
}
