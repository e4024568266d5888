package orchestrator

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is an exponential retry delay with a cap and jitter.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	// Jitter is the random spread applied to every delay, 0.2 is ±20%.
	Jitter float64
	// Rand returns a float in [0, 1), by default math/rand.
	Rand func() float64
}

// DefaultBackoff is 2s, 4s, 8s... up to 5m with ±20% jitter.
var DefaultBackoff = Backoff{
	Base:   2 * time.Second,
	Factor: 2,
	Max:    5 * time.Minute,
	Jitter: 0.2,
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Factor < 1 {
		b.Factor = DefaultBackoff.Factor
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		b.Jitter = DefaultBackoff.Jitter
	}
	if b.Rand == nil {
		b.Rand = rand.Float64
	}
	return b
}

// Delay returns the wait before the given retry, retries start at 1.
func (b Backoff) Delay(retry int) time.Duration {
	b = b.withDefaults()
	if retry < 1 {
		retry = 1
	}

	d := float64(b.Base) * math.Pow(b.Factor, float64(retry-1))
	d = min(d, float64(b.Max))
	d *= 1 + b.Jitter*(2*b.Rand()-1)

	return time.Duration(d)
}
