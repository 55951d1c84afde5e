// Package backoff computes retry delays: base × 2^attempt, capped, plus
// random jitter.
package backoff

import (
	"math/rand"
	"time"
)

// Policy is an exponential backoff schedule. The zero value is not useful;
// use New or set Base and Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
	// Jitter is the fraction of the computed delay added at random, in [0,1].
	Jitter float64

	rand func() float64
}

// New returns a policy with 50% jitter.
func New(base, max time.Duration) Policy {
	return Policy{Base: base, Max: max, Jitter: 0.5}
}

// Delay returns the wait before retry number attempt (0-based). A provider
// retry hint raises the delay but never lowers it.
func (p Policy) Delay(attempt int, hint time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.Jitter > 0 && d > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		d += time.Duration(float64(d) * p.Jitter * r())
	}
	if hint > d {
		d = hint
	}
	return d
}
