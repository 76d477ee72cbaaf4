package ingest

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Retry runs op up to attempts times with a fixed delay between attempts
// and returns the last error once every attempt has failed.
func Retry(
	ctx context.Context,
	log logrus.FieldLogger,
	attempts int,
	delay time.Duration,
	op func() error,
) error {
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)),
		ctx,
	)

	attempt := 0

	return backoff.RetryNotify(func() error {
		attempt++

		return op()
	}, b, func(err error, next time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": attempts,
			"retry_in":     next.String(),
		}).Warn("Store call failed, retrying")
	})
}

// retryValue is Retry for operations that produce a value.
func retryValue[T any](
	ctx context.Context,
	log logrus.FieldLogger,
	attempts int,
	delay time.Duration,
	op func() (T, error),
) (T, error) {
	var out T

	err := Retry(ctx, log, attempts, delay, func() error {
		v, err := op()
		if err != nil {
			return err
		}

		out = v

		return nil
	})

	return out, err
}
