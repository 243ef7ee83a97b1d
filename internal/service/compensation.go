package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/groundcrew/be-work-requests/internal/metrics"
)

// compensation is an explicit corrective step undoing a prior committed
// write after a later step failed. Each attempt is logged; attempts are
// retried with exponential backoff before the inconsistency is surfaced.
type compensation struct {
	name       string
	maxRetries uint64
	log        zerolog.Logger
	run        func(ctx context.Context) error
}

// execute runs the compensation with retries. The returned error is non-nil
// only when every attempt failed.
func (c *compensation) execute(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++
		err := c.run(ctx)
		if err != nil {
			c.log.Warn().Err(err).
				Str("compensation", c.name).
				Int("attempt", attempt).
				Msg("Compensation attempt failed")
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
	if err != nil {
		metrics.CompensationsTotal.WithLabelValues("failed").Inc()
		return err
	}

	metrics.CompensationsTotal.WithLabelValues("succeeded").Inc()
	c.log.Info().
		Str("compensation", c.name).
		Int("attempts", attempt).
		Msg("Compensation applied")
	return nil
}
