package models

import (
	"math"
	"time"
)

// BackoffType selects the delay policy between retries.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff describes the delay before a failed job is dispatched again.
type Backoff struct {
	Type       BackoffType   `json:"type"`
	Delay      time.Duration `json:"delay"`
	Multiplier float64       `json:"multiplier,omitempty"`
	Max        time.Duration `json:"max,omitempty"`
}

// Next returns the wait after the given (1-based) failed attempt.
// Exponential delays are delay * multiplier^(attempt-1), capped at Max.
func (b Backoff) Next(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if attempt <= 0 {
		attempt = 1
	}
	wait := b.Delay
	if b.Type == BackoffExponential {
		mult := b.Multiplier
		if mult <= 0 {
			mult = 2
		}
		exp := float64(b.Delay) * math.Pow(mult, float64(attempt-1))
		if exp > float64(math.MaxInt64) {
			exp = float64(math.MaxInt64)
		}
		wait = time.Duration(exp)
	}
	if b.Max > 0 && wait > b.Max {
		wait = b.Max
	}
	return wait
}
