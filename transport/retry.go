package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is a data-driven description of which failure kinds are retried
// and how the delay between attempts grows. Only idempotent methods are ever
// retried automatically; the gateway enforces that, the policy just counts.
type RetryPolicy struct {
	// Attempts maps a failure kind to the total number of tries (including
	// the first). Kinds absent from the map are never retried.
	Attempts map[Kind]int

	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy retries transient transport failures a few times and
// nothing else. Rate limiting is handled by the backoff table, not here.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: map[Kind]int{
			KindTimeout: 3,
			KindNetwork: 3,
		},
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// attempts returns the total tries allowed for kind.
func (p RetryPolicy) attempts(k Kind) int {
	n := p.Attempts[k]
	if n < 1 {
		return 1
	}
	return n
}

// newBackOff builds the jittered exponential delay source for one logical
// request.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.MaxInterval = p.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
