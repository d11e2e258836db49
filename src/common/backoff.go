package common

import (
	"math/rand"
	"time"
)

// Backoff computes exponential backoff delays for transient network failures.
// Attempt 0 waits Base; each subsequent attempt doubles, capped at Max. A
// jitter of up to half the computed delay is added so that peers retrying the
// same target do not synchronize.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Duration returns the delay to wait before the given retry attempt.
func (b Backoff) Duration(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
