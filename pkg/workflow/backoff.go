package workflow

import (
	"math"
	"time"
)

// Backoff computes the delay before a retry attempt.
type Backoff interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// Constant always waits the same interval.
type Constant time.Duration

func (c Constant) Delay(_ int) time.Duration {
	return time.Duration(c)
}

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	f := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if f > math.MaxInt64 {
		f = math.MaxInt64
	}
	d := time.Duration(f)
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// DefaultBackoff is used by WithRetry when no backoff is given.
func DefaultBackoff() Backoff {
	return Exponential{Initial: 15 * time.Second, Max: 2 * time.Minute}
}
