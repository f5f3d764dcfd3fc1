package sshmux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	fast := RetryConfig{Min: time.Microsecond, Max: time.Millisecond}

	t.Run("until done", func(t *testing.T) {
		attempts := 0
		err := RetryWith(context.Background(), fast, func() error {
			attempts++
			if attempts < 4 {
				return ErrWouldBlock
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 4, attempts)
	})
	t.Run("other errors end it", func(t *testing.T) {
		boom := errors.New("boom")
		attempts := 0
		err := RetryWith(context.Background(), fast, func() error {
			attempts++
			return boom
		})
		require.ErrorIs(t, err, boom)
		require.Equal(t, 1, attempts)
	})
	t.Run("context", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := RetryWith(ctx, fast, func() error { return ErrWouldBlock })
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
	t.Run("session", func(t *testing.T) {
		s, peer := newTestSession(t)
		peer.Pipe.BlockWrites = 2

		var ch *Channel
		err := Retry(context.Background(), func() (err error) {
			if err := peer.Step(); err != nil {
				return err
			}
			ch, err = s.OpenSession()
			return err
		})
		require.NoError(t, err)
		require.NoError(t, Retry(context.Background(), func() error {
			if err := peer.Step(); err != nil {
				return err
			}
			return ch.Exec("true")
		}))
		require.Equal(t, "exec", peer.Channel(ch.LocalID()).Requests[0].Request)
	})
}
