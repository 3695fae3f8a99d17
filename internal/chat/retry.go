package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"
)

// RateLimitError reports a platform rate limit with an advisory wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "rate limited, retry after " + e.RetryAfter.String()
}

// RetryObserver is notified once per retry attempt, after the failure and
// before the backoff sleep.
type RetryObserver func(op string, attempt uint, err error)

// transient platform failures worth a second attempt. Anything else
// (auth failures, missing channels, malformed requests) fails fast.
var retryableFragments = []string{
	"ratelimited",
	"rate_limited",
	"request_timeout",
	"timeout",
	"service_unavailable",
	"internal_error",
	"connection reset",
	"eof",
	"429",
	"502",
	"503",
	"504",
}

// IsRetryable reports whether err is a transient platform failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// Do runs fn with bounded retries on transient platform errors. The final
// error is returned unwrapped so callers can inspect platform error strings.
func Do(ctx context.Context, op string, obs RetryObserver, fn func() error) error {
	return retry.Do(
		fn,
		retry.RetryIf(IsRetryable),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(5*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logrus.WithError(err).WithFields(logrus.Fields{
				"op":      op,
				"attempt": n + 1,
			}).Warn("Chat call failed, retrying")
			if obs != nil {
				obs(op, n+1, err)
			}
		}),
	)
}
