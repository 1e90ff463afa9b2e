package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy computes reconnection delays. Each failed attempt doubles the delay
// from base up to max; retries never run out. It is not safe for concurrent
// use; the Machine serializes access.
type Policy struct {
	b        *backoff.ExponentialBackOff
	attempts int
}

// NewPolicy creates a Policy growing from base to max.
func NewPolicy(base, max time.Duration) *Policy {
	if base <= 0 {
		base = defaultReconnectDelay
	}
	if max < base {
		max = base
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return &Policy{b: b}
}

// Next returns the delay before the next attempt and counts the failure.
func (p *Policy) Next() time.Duration {
	p.attempts++
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return p.b.MaxInterval
	}
	return d
}

// Reset returns the policy to the base delay after a successful connection.
func (p *Policy) Reset() {
	p.attempts = 0
	p.b.Reset()
}

// Attempts returns the number of consecutive failures since the last Reset.
func (p *Policy) Attempts() int {
	return p.attempts
}
