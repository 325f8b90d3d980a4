package app

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays for failed syncs.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Rand returns a value in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

// Delay is the jitter-free ceiling for retry n: min(Base·2ⁿ, Max).
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := b.Base
	for i := 0; i < n; i++ {
		if d > b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Next draws the delay before retry n from [Delay(n-1), Delay(n)], or
// [Base/2, Base] for the first retry. Consecutive draws never decrease and
// never exceed Max.
func (b Backoff) Next(n int) time.Duration {
	hi := b.Delay(n)
	lo := hi / 2
	if n > 0 {
		lo = b.Delay(n - 1)
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	return lo + time.Duration(r()*float64(hi-lo))
}
