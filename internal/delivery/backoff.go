package delivery

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays: base*2^(attempt-1), capped,
// then spread by +/- Jitter and capped again. Cap <= 0 means uncapped.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // 0..1

	rand func() float64
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && (b.Cap <= 0 || d < b.Cap) && d <= math.MaxInt64/2; i++ {
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		spread := float64(d) * b.Jitter
		d = time.Duration(float64(d) - spread + 2*spread*r())
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	if d < 0 {
		d = 0
	}
	return d
}
