// Package retry decides between another attempt and dead-lettering for failed
// jobs, and replays dead-lettered jobs on operator request.
package retry

import (
	"math"
	"time"
)

// Policy is an exponential backoff: BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultPolicy returns 5s, 10s, 20s ... capped at 5 minutes
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  5 * time.Second,
		MaxDelay:   5 * time.Minute,
		Multiplier: 2,
	}
}

// Backoff returns the wait after the given failed attempt (1-based)
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BaseDelay <= 0 {
		return 0
	}

	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && (delay > float64(p.MaxDelay) || math.IsInf(delay, 1)) {
		return p.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
