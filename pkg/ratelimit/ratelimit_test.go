package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPINLockoutThreshold(t *testing.T) {
	now := time.Now()
	p := NewPINLockout()
	p.now = func() time.Time { return now }

	for i := 0; i < PINFailureThreshold-1; i++ {
		p.RecordFailure("user1")
		assert.False(t, p.Locked("user1"))
	}
	p.RecordFailure("user1")
	assert.True(t, p.Locked("user1"))
}

func TestPINLockoutWindowExpires(t *testing.T) {
	now := time.Now()
	p := NewPINLockout()
	p.now = func() time.Time { return now }

	for i := 0; i < PINFailureThreshold; i++ {
		p.RecordFailure("user1")
	}
	assert.True(t, p.Locked("user1"))

	now = now.Add(PINLockoutWindow + time.Second)
	assert.False(t, p.Locked("user1"))
}

func TestPINLockoutClear(t *testing.T) {
	now := time.Now()
	p := NewPINLockout()
	p.now = func() time.Time { return now }

	for i := 0; i < PINFailureThreshold; i++ {
		p.RecordFailure("user1")
	}
	assert.True(t, p.Locked("user1"))
	p.Clear("user1")
	assert.False(t, p.Locked("user1"))
}

func TestPINLockoutPerUserIsolation(t *testing.T) {
	now := time.Now()
	p := NewPINLockout()
	p.now = func() time.Time { return now }

	for i := 0; i < PINFailureThreshold; i++ {
		p.RecordFailure("user1")
	}
	assert.True(t, p.Locked("user1"))
	assert.False(t, p.Locked("user2"))
}

func TestIPLimiterAllowsUpToBurst(t *testing.T) {
	l := NewIPLimiter(0, 3)
	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("1.2.3.4"))
	assert.False(t, l.Allow("1.2.3.4"))
}

func TestIPLimiterPerKeyIsolation(t *testing.T) {
	l := NewIPLimiter(0, 1)
	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("5.6.7.8"))
	assert.False(t, l.Allow("1.2.3.4"))
}
