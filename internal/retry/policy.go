// Package retry decides, for a failed delivery, between a delayed retry and
// dead-lettering, and publishes the corresponding message.
package retry

import (
	"math/rand/v2"
	"time"
)

// Defaults.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 5 * time.Second
	DefaultMaxDelay   = 300 * time.Second
)

// Policy is exponential backoff with multiplicative jitter.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Jitter returns a factor in [0.5, 1.5). Nil uses math/rand/v2.
	Jitter func() float64
}

// DefaultPolicy returns 3 retries, 5s base and a 300s cap.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

// BaseDelayFor returns the pre-jitter delay before retry attempt n (1-based):
// min(base * 2^(n-1), max). It is non-decreasing in n.
func (p Policy) BaseDelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Backoff returns the jittered delay before retry attempt n.
func (p Policy) Backoff(attempt int) time.Duration {
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}
	return time.Duration(float64(p.BaseDelayFor(attempt)) * jitter())
}

// Exhausted reports whether a message that has already been retried
// retryCount times may not be retried again.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

func defaultJitter() float64 {
	return 0.5 + rand.Float64()
}
