package sshmux

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/sshmux/internal/wire"
)

func TestClose(t *testing.T) {
	t.Run("handshake", func(t *testing.T) {
		s, peer := newTestSession(t)
		ch := openSession(t, s, peer)

		var closed []*Channel
		ch.SetCloseHandler(func(c *Channel) { closed = append(closed, c) })

		require.ErrorIs(t, ch.Close(), ErrWouldBlock)
		require.Empty(t, closed)
		require.NoError(t, peer.Step())
		require.NoError(t, ch.Close())
		require.Equal(t, []*Channel{ch}, closed)

		require.NoError(t, ch.Close())
		require.Len(t, closed, 1)
		require.Equal(t, 1, peer.Count(wire.MsgChannelClose))
	})
	t.Run("blocked send", func(t *testing.T) {
		s, peer := newTestSession(t)
		ch := openSession(t, s, peer)
		peer.Pipe.BlockWrites = 2

		require.ErrorIs(t, ch.Close(), ErrWouldBlock)
		require.ErrorIs(t, ch.Close(), ErrWouldBlock)
		require.NoError(t, driveErr(t, peer, ch.Close))
		require.Equal(t, 1, peer.Count(wire.MsgChannelClose))
	})
	t.Run("peer closed first", func(t *testing.T) {
		s, peer := newTestSession(t)
		ch := openSession(t, s, peer)

		peer.SendClose(ch.LocalID())
		require.NoError(t, s.Poll())
		require.True(t, ch.EOF())

		require.NoError(t, ch.Close())
		require.NoError(t, peer.Step())
		require.True(t, peer.Channel(ch.LocalID()).Closed)
	})
	t.Run("transport fails while waiting", func(t *testing.T) {
		s, peer := newTestSession(t)
		ch := openSession(t, s, peer)
		called := false
		ch.SetCloseHandler(func(*Channel) { called = true })

		require.ErrorIs(t, ch.Close(), ErrWouldBlock)
		peer.Pipe.ReadErr = errors.New("connection reset")

		require.ErrorIs(t, ch.Close(), ErrTransport)
		require.True(t, called)
		require.NoError(t, ch.Close())
	})
	t.Run("no output after close sent", func(t *testing.T) {
		s, peer := newTestSession(t)
		ch := openSession(t, s, peer)
		peer.NoCloseEcho = true

		require.ErrorIs(t, ch.Close(), ErrWouldBlock)
		require.NoError(t, peer.Step())
		require.ErrorIs(t, ch.Close(), ErrWouldBlock)

		n, err := ch.Write([]byte("after close"))
		require.ErrorIs(t, err, ErrChannelClosed)
		require.Zero(t, n)
		_, err = ch.WriteStderr([]byte("after close"))
		require.ErrorIs(t, err, ErrChannelClosed)
		require.ErrorIs(t, ch.SendEOF(), ErrChannelClosed)

		require.NoError(t, peer.Step())
		require.Equal(t, []byte{wire.MsgChannelOpen, wire.MsgChannelClose}, peer.Received)
	})
	t.Run("send fails", func(t *testing.T) {
		s, peer := newTestSession(t)
		ch := openSession(t, s, peer)
		called := false
		ch.SetCloseHandler(func(*Channel) { called = true })
		peer.Pipe.WriteErr = errors.New("connection reset")

		require.ErrorIs(t, ch.Close(), ErrTransport)
		require.False(t, called)
		require.Equal(t, stateIdle, ch.closeOp.state)
	})
}

func TestWaitEOFAndClosed(t *testing.T) {
	s, peer := newTestSession(t)
	ch := openSession(t, s, peer)

	require.ErrorIs(t, ch.WaitEOF(), ErrWouldBlock)
	require.ErrorIs(t, ch.WaitClosed(), ErrInvalidArgument)

	peer.SendData(ch.LocalID(), []byte("unread"))
	peer.SendEOF(ch.LocalID())
	require.NoError(t, ch.WaitEOF())

	// Buffered data keeps the channel from being at EOF.
	require.ErrorIs(t, ch.WaitClosed(), ErrInvalidArgument)
	_, err := readAll(t, ch, 0, 16)
	require.ErrorIs(t, err, io.EOF)

	require.ErrorIs(t, ch.WaitClosed(), ErrWouldBlock)
	peer.SendClose(ch.LocalID())
	require.NoError(t, ch.WaitClosed())
}

func TestFree(t *testing.T) {
	t.Run("closes first", func(t *testing.T) {
		s, peer := newTestSession(t)
		ch := openSession(t, s, peer)
		called := 0
		ch.SetCloseHandler(func(*Channel) { called++ })

		require.NoError(t, driveErr(t, peer, ch.Free))
		require.Nil(t, s.Locate(ch.LocalID()))
		require.Equal(t, 1, called)
		require.True(t, peer.Channel(ch.LocalID()).Closed)

		require.NoError(t, ch.Free())
		assert.ErrorIs(t, ch.Close(), ErrChannelFreed)
		_, err := ch.Read(make([]byte, 1))
		assert.ErrorIs(t, err, ErrChannelFreed)
		assert.ErrorIs(t, ch.Setenv("A", "1"), ErrChannelFreed)
		assert.ErrorIs(t, ch.SendEOF(), ErrChannelFreed)
	})
	t.Run("after close", func(t *testing.T) {
		s, peer := newTestSession(t)
		ch := openSession(t, s, peer)

		require.NoError(t, driveErr(t, peer, ch.Close))
		require.NoError(t, ch.Free())
		require.NoError(t, peer.Step())
		require.Equal(t, 1, peer.Count(wire.MsgChannelClose))
		require.Nil(t, s.Locate(ch.LocalID()))
	})
	t.Run("discards buffered data", func(t *testing.T) {
		s, peer := newTestSession(t)
		ch := openSession(t, s, peer)
		other := openSession(t, s, peer)

		peer.SendData(ch.LocalID(), []byte("dropped"))
		peer.SendData(other.LocalID(), []byte("kept"))
		require.NoError(t, s.Poll())

		require.NoError(t, driveErr(t, peer, ch.Free))
		require.Len(t, s.inbound, 1)

		buf := make([]byte, 8)
		n, err := other.Read(buf)
		require.NoError(t, err)
		require.Equal(t, "kept", string(buf[:n]))
	})
	t.Run("broken transport", func(t *testing.T) {
		s, peer := newTestSession(t)
		ch := openSession(t, s, peer)
		other := openSession(t, s, peer)

		peer.Pipe.WriteErr = errors.New("connection reset")
		_, err := ch.Write([]byte("x"))
		require.ErrorIs(t, err, ErrTransport)

		require.NoError(t, ch.Free())
		require.NoError(t, other.Free())
		require.Nil(t, s.Locate(ch.LocalID()))
		require.Nil(t, s.Locate(other.LocalID()))
	})
	t.Run("peer never answers close", func(t *testing.T) {
		s, peer := newTestSession(t)
		ch := openSession(t, s, peer)
		peer.NoCloseEcho = true

		for i := 0; i < 3; i++ {
			require.ErrorIs(t, ch.Free(), ErrWouldBlock)
			require.NoError(t, peer.Step())
		}
		require.Same(t, ch, s.Locate(ch.LocalID()))
		require.Equal(t, 1, peer.Count(wire.MsgChannelClose))

		peer.SendClose(ch.LocalID())
		require.NoError(t, ch.Free())
		require.Nil(t, s.Locate(ch.LocalID()))
	})
}
