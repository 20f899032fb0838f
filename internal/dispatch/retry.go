package dispatch

import (
	"math/rand"
	"time"

	"github.com/jpillora/backoff"

	"signalrelay/internal/config"
)

// RetryPolicy computes the delay before attempt n+1 after n failures:
// min(base * 2^(n-1) * (1 + jitter*r), max) with r in [0,1). Jitter is capped at
// 1 so successive delays never shrink.
type RetryPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	Rand   func() float64
}

func NewRetryPolicy(p config.ChannelPolicy) RetryPolicy {
	return RetryPolicy{Base: p.BaseDelay, Max: p.MaxDelay, Jitter: p.Jitter}
}

func (r RetryPolicy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	base, max := r.Base, r.Max
	if base <= 0 {
		base = 5 * time.Second
	}
	if max < base {
		max = base
	}
	b := &backoff.Backoff{Min: base, Max: max, Factor: 2}
	d := b.ForAttempt(float64(failures - 1))

	jitter := r.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	if jitter > 0 {
		rnd := rand.Float64
		if r.Rand != nil {
			rnd = r.Rand
		}
		d = time.Duration(float64(d) * (1 + jitter*rnd()))
	}
	if d > max {
		d = max
	}
	return d
}
