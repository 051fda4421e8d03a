package domain

import (
	"math/rand"
	"time"
)

// RetryPolicy defines retry behavior for job execution and webhook
// delivery. Parameters are data; the worker, dispatcher, and storage
// client all consume the same shape.
type RetryPolicy struct {
	// MaxAttempts caps the total number of attempts, first included.
	MaxAttempts int
	// Base is the delay before the second attempt.
	Base time.Duration
	// Cap bounds the computed delay.
	Cap time.Duration
	// JitterFrac spreads each delay by ±frac to avoid thundering herds.
	JitterFrac float64
}

// DefaultJobRetryPolicy governs retryable worker failures.
func DefaultJobRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Base:        2 * time.Second,
		Cap:         5 * time.Minute,
		JitterFrac:  0.2,
	}
}

// DefaultWebhookRetryPolicy governs delivery-record rescheduling.
func DefaultWebhookRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Base:        30 * time.Second,
		Cap:         30 * time.Minute,
		JitterFrac:  0.2,
	}
}

// Delay returns the backoff before attempt n (1-based: Delay(1) is the
// wait after the first failure), base·2^(n-1) jittered and capped.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	if p.JitterFrac > 0 {
		spread := float64(d) * p.JitterFrac
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	if d > p.Cap {
		d = p.Cap
	}
	return d
}

// Exhausted reports whether attempt n was the last allowed one.
func (p RetryPolicy) Exhausted(n int) bool {
	return n >= p.MaxAttempts
}
