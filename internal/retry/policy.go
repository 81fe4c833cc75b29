// Package retry provides the backoff policy applied when transient job
// failures are re-queued.
package retry

import (
	"fmt"
	"time"
)

// Policy encapsulates retry/backoff settings for transient failures.
// It is immutable after construction.
type Policy struct {
	Base       time.Duration // base delay
	Cap        time.Duration // cap for growth
	MaxRetries int           // maximum retry attempts after the first failure
}

// DefaultPolicy returns the production default (1s base, 30s cap, 3 retries).
func DefaultPolicy() Policy {
	return Policy{Base: time.Second, Cap: 30 * time.Second, MaxRetries: 3}
}

// NewPolicy builds a policy from raw config fields; zero/invalid values fall
// back to defaults.
func NewPolicy(base, maxDelay time.Duration, maxRetries int) Policy {
	p := DefaultPolicy()
	if base > 0 {
		p.Base = base
	}
	if maxDelay > 0 {
		p.Cap = maxDelay
	}
	if maxRetries >= 0 {
		p.MaxRetries = maxRetries
	}
	if p.Base > p.Cap {
		p.Base = p.Cap
	}
	return p
}

// Delay returns the exponential backoff delay for the given retry attempt
// number (1-based: first retry => 1): min(base * 2^(retry-1), cap).
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	// Guard the shift; past 30 doublings any sane cap is exceeded anyway.
	shift := retryCount - 1
	if shift > 30 {
		return p.Cap
	}
	d := p.Base * (1 << shift)
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether another retry is allowed at the given retry count.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

// Validate ensures invariants; returns error if policy impossible to apply.
func (p Policy) Validate() error {
	if p.Base <= 0 {
		return fmt.Errorf("base must be >0")
	}
	if p.Cap <= 0 {
		return fmt.Errorf("cap must be >0")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}
