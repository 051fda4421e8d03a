package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelayBounds(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxAttempts: 5, Base: time.Second, Cap: time.Hour, JitterFrac: 0.2}
	for n := 1; n <= 5; n++ {
		nominal := time.Duration(1<<uint(n-1)) * time.Second
		lo := time.Duration(float64(nominal) * 0.8)
		hi := time.Duration(float64(nominal) * 1.2)
		for i := 0; i < 50; i++ {
			d := p.Delay(n)
			assert.GreaterOrEqual(t, d, lo, "attempt %d", n)
			assert.LessOrEqual(t, d, hi, "attempt %d", n)
		}
	}
}

func TestRetryPolicyDelayCapped(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxAttempts: 10, Base: time.Minute, Cap: 5 * time.Minute, JitterFrac: 0}
	assert.Equal(t, 5*time.Minute, p.Delay(9))
	assert.Equal(t, time.Minute, p.Delay(0)) // clamped to attempt 1
}

func TestRetryPolicyExhausted(t *testing.T) {
	t.Parallel()
	p := DefaultJobRetryPolicy()
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))
}
