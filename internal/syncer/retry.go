package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"obfuscal/internal/models"
)

const (
	defaultMaxAttempts   = 3
	defaultRetryInterval = 500 * time.Millisecond
)

// retrier retries single destination writes with bounded exponential backoff.
type retrier struct {
	maxAttempts uint
	interval    time.Duration
	notify      func(err error, wait time.Duration)
}

func (r retrier) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.interval
	b.MaxInterval = 30 * r.interval
	return b
}

// retryDo runs op until it succeeds, returns a permanent error, or runs out of attempts.
func retryDo[T any](ctx context.Context, r retrier, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		res, err := op()
		if err != nil && errors.Is(err, models.ErrPermanent) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(r.maxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(r.notify),
	)
}
