package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy is capped exponential backoff with symmetric jitter:
// min(Max, Base*2^n) ± Jitter, never negative.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// Delay returns the wait before retry number n (0-based).
func (p Policy) Delay(n int) time.Duration {
	return p.delay(n, rand.Int64N)
}

func (p Policy) delay(n int, randN func(int64) int64) time.Duration {
	d := p.Ceiling(n)
	if p.Jitter > 0 {
		d += time.Duration(randN(int64(2*p.Jitter)+1)) - p.Jitter
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Ceiling returns min(Max, Base*2^n) without jitter.
func (p Policy) Ceiling(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.Base
	for i := 0; i < n; i++ {
		if p.Max > 0 && d >= p.Max {
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}
