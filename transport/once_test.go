package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOnce(t *testing.T) {
	t.Parallel()

	// The time we wait for parallel routines to make progress.
	const sleepTime = 50 * time.Millisecond

	doErr := errors.New("do")

	t.Run("do twice", func(t *testing.T) {
		t.Parallel()

		o := newOnce()
		require.False(t, o.isDone())
		require.ErrorIs(t, o.do(func() error { return doErr }), doErr)
		require.True(t, o.isDone())

		calls := 0
		err := o.do(func() error { calls++; return nil })
		require.ErrorIs(t, err, doErr)
		require.Zero(t, calls)
	})
	t.Run("concurrent do", func(t *testing.T) {
		t.Parallel()

		o := newOnce()
		release := make(chan struct{})
		firstErrC := make(chan error)
		go func() {
			firstErrC <- o.do(func() error { <-release; return doErr })
		}()
		time.Sleep(sleepTime)

		secondErrC := make(chan error)
		go func() {
			secondErrC <- o.do(func() error { return nil })
		}()
		time.Sleep(sleepTime)
		select {
		case <-secondErrC:
			t.Fatal("second do should wait for the first")
		default:
		}
		require.False(t, o.isDone())

		close(release)
		require.ErrorIs(t, <-firstErrC, doErr)
		require.ErrorIs(t, <-secondErrC, doErr)
		require.True(t, o.isDone())
	})
}
