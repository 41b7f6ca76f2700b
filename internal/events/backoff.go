package events

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before retry attempt n (1-indexed).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// ExponentialJitter doubles the base delay per attempt, caps it at Max and
// draws the actual delay from [base/2, base].
type ExponentialJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func (e ExponentialJitter) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	half := base / 2
	return time.Duration(half + rand.Float64()*half) //nolint:gosec // jitter
}

// DefaultBackoff is 200ms doubling up to 5s.
func DefaultBackoff() Backoff {
	return ExponentialJitter{Initial: 200 * time.Millisecond, Max: 5 * time.Second}
}
