package sshmux

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
)

// RetryConfig tunes the sleeps taken by Retry between attempts.
type RetryConfig struct {
	Min time.Duration
	Max time.Duration
}

// DefaultRetryConfig backs off from 100µs to 50ms.
var DefaultRetryConfig = RetryConfig{Min: 100 * time.Microsecond, Max: 50 * time.Millisecond}

// Retry calls op until it returns something other than ErrWouldBlock, sleeping with
// exponential backoff in between. It returns ctx.Err() if ctx is done first; op may then be
// resumed later or its channel freed.
//
//	var ch *sshmux.Channel
//	err := sshmux.Retry(ctx, func() (err error) {
//		ch, err = session.OpenSession()
//		return err
//	})
func Retry(ctx context.Context, op func() error) error {
	return RetryWith(ctx, DefaultRetryConfig, op)
}

// RetryWith is Retry with explicit backoff bounds.
func RetryWith(ctx context.Context, cfg RetryConfig, op func() error) error {
	b := &backoff.Backoff{Min: cfg.Min, Max: cfg.Max, Factor: 2}
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		err := op()
		if !errors.Is(err, ErrWouldBlock) {
			return err
		}
		timer.Reset(b.Duration())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}
