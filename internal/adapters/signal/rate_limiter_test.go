package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChatRateLimiter(t *testing.T) {
	rl := NewChatRateLimiter(3, 50*time.Millisecond)

	for i := range 3 {
		assert.True(t, rl.Allow("u1"), "attempt %d should pass", i)
	}
	assert.False(t, rl.Allow("u1"), "fourth attempt in window should be blocked")

	// Other users have their own window.
	assert.True(t, rl.Allow("u2"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.Allow("u1"), "window slid, attempts allowed again")
}

func TestChatRateLimiter_Disabled(t *testing.T) {
	rl := NewChatRateLimiter(0, time.Second)
	for range 100 {
		assert.True(t, rl.Allow("u1"))
	}
}
