package lifecycle

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// DefaultLoggedOutCodes are the close codes treated as permanent logout.
var DefaultLoggedOutCodes = []int{401, 403, 406}

// newBackoff yields min(base*2^attempt, max). With jitter 0 the sequence is
// exact; elapsed time never stops it.
func newBackoff(base, maxDelay time.Duration, jitter float64) *backoff.ExponentialBackOff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay < base {
		maxDelay = DefaultMaxDelay
		if maxDelay < base {
			maxDelay = base
		}
	}
	if jitter < 0 || jitter >= 1 {
		jitter = 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
