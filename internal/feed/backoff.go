package feed

import (
	"math/rand"
	"time"
)

// backoffJitter is the default +/- fraction applied to each delay so a
// fleet of engines does not reconnect in lockstep after an exchange
// outage.
const backoffJitter = 0.2

// Backoff produces capped doubling reconnect delays. Not safe for
// concurrent use; the client's supervisor loop is the only caller.
type Backoff struct {
	base    time.Duration
	cap     time.Duration
	jitter  float64
	attempt int
	rnd     *rand.Rand
}

func NewBackoff(base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if cap < base {
		cap = base
	}
	return &Backoff{
		base:   base,
		cap:    cap,
		jitter: backoffJitter,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay for the next reconnect attempt: base doubled
// per prior failure, capped, with jitter applied last.
func (b *Backoff) Next() time.Duration {
	d := b.base
	for i := 0; i < b.attempt && d < b.cap; i++ {
		d *= 2
	}
	if d > b.cap {
		d = b.cap
	}
	b.attempt++
	if b.jitter > 0 {
		spread := (b.rnd.Float64()*2 - 1) * b.jitter // [-jitter, +jitter)
		d = time.Duration(float64(d) * (1 + spread))
	}
	return d
}

// Reset returns the schedule to the base delay after a successful
// connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}
