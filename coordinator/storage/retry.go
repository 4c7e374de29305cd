package storage

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/microsoft/AMBROSIA-sub006/common/logger"
)

var (
	// ErrRetryable Returned by a retry function to be called again after the backoff interval.
	ErrRetryable = errors.New("retryable error")
	// ErrRetriesExhausted Returned once a limited Retryer has tried as often as allowed.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Retryer Calls a function until it succeeds, fails with an error that is not retryable, runs
// out of attempts, or the context is done.
type Retryer struct {
	retryFunc    func(ctx context.Context) error
	interval     time.Duration
	maxInterval  time.Duration
	backoffCoeff int
	maxAttempts  int
	log          logger.ILogger
}

func NewRetryer(retryFunc func(ctx context.Context) error, interval time.Duration, backoffCoeff int) *Retryer {
	return &Retryer{
		retryFunc:    retryFunc,
		interval:     interval,
		maxInterval:  interval * 32,
		backoffCoeff: backoffCoeff,
		log:          &logger.ColorLogger{Prefix: "Retryer ", Level: logger.LOG_LEVEL_INFO},
	}
}

// WithMaxAttempts Give up after attempts calls. Zero or less tries forever.
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	r.maxAttempts = attempts
	return r
}

// Run Try until done.
func (r *Retryer) Run(ctx context.Context) error {
	cnt := -1
	for {
		cnt++
		err := r.retryFunc(ctx)
		if err == nil {
			return nil
		} else if !errors.Is(err, ErrRetryable) {
			return err
		} else if r.maxAttempts > 0 && cnt+1 >= r.maxAttempts {
			return errors.Wrapf(ErrRetriesExhausted, "%d attempts, last: %v", cnt+1, err)
		}

		interval := retryInterval(r.interval, r.backoffCoeff, cnt)
		if interval > r.maxInterval {
			interval = r.maxInterval
		}
		r.log.Debug("Retry after %v: %v", interval, err)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func retryInterval(interval time.Duration, backoffCoeff int, retryCount int) time.Duration {
	coeff := math.Pow(float64(backoffCoeff), float64(retryCount))
	return time.Duration(float64(interval) * coeff)
}
