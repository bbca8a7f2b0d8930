package syncengine

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackOff builds the exponential-with-jitter reconnect policy:
// base 500ms, capped at 30s, with no overall elapsed-time limit (the
// engine retries for the lifetime of the owner).
func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
