// Package retry provides the single retry helper every cloud and platform
// call site shares, rather than each driver reimplementing its own back-off.
package retry

import (
	"context"
	"time"

	retrygo "github.com/avast/retry-go"
	"github.com/sirupsen/logrus"

	"github.com/thpham/runnerfleet/internal/rferrors"
)

// Policy configures one retry helper instance. A zero Policy retries a
// generous default number of times with capped exponential back-off.
type Policy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultPolicy is a short initial delay with capped exponential growth and
// a bounded attempt count, suitable for outbound HTTP calls.
var DefaultPolicy = Policy{
	Attempts: 5,
	Delay:    500 * time.Millisecond,
	MaxDelay: 30 * time.Second,
}

// Do runs fn, retrying only errors classified as transient by rferrors.
// Permanent, config, protocol, and invariant errors return immediately.
func Do(ctx context.Context, log *logrus.Entry, policy Policy, fn func() error) error {
	if policy.Attempts == 0 {
		policy = DefaultPolicy
	}

	return retrygo.Do(
		fn,
		retrygo.Context(ctx),
		retrygo.Attempts(policy.Attempts),
		retrygo.Delay(policy.Delay),
		retrygo.MaxDelay(policy.MaxDelay),
		retrygo.DelayType(retrygo.BackOffDelay),
		retrygo.RetryIf(func(err error) bool {
			return rferrors.IsRetryable(err)
		}),
		retrygo.OnRetry(func(n uint, err error) {
			if log != nil {
				log.WithError(err).WithField("attempt", n+1).Debug("retrying after transient error")
			}
		}),
	)
}
