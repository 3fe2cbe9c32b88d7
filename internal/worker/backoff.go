package worker

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: Base * 2^(attempt-1), scaled by a random factor
// in [1-Jitter, 1+Jitter], capped at Max after jitter. Once the unjittered delay
// reaches Max every later attempt waits exactly Max, which keeps the sequence
// non-decreasing.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// rand returns a value in [0, 1).
	rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:   30 * time.Second,
		Max:    30 * time.Minute,
		Jitter: 0.2,
	}
}

// Delay returns the wait before retry number attempt, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d >= b.Max {
		return b.Max
	}

	r := rand.Float64
	if b.rand != nil {
		r = b.rand
	}
	factor := 1 + b.Jitter*(2*r()-1)
	d = time.Duration(float64(d) * factor)

	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
