package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func makePipeTCP() (c1, c2 net.Conn, stop func(), err error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to start TCP listener: %w", err)
	}
	defer l.Close()

	type result struct {
		conn net.Conn
		err  error
	}

	serverResC := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			err = fmt.Errorf("accept error: %w", err)
		}
		serverResC <- result{conn, err}
	}()

	c1, err = net.Dial("tcp", l.Addr().String())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial error: %w", err)
	}
	res := <-serverResC
	if res.err != nil {
		c1.Close()
		return nil, nil, nil, fmt.Errorf("failed to init server-side: %w", res.err)
	}
	c2 = res.conn
	return c1, c2, func() { c1.Close(); c2.Close() }, nil
}

// readPacket polls c until a packet arrives or a second passes.
func readPacket(t *testing.T, c *Conn) []byte {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		p, err := c.ReadPacket()
		if errors.Is(err, ErrWouldBlock) {
			continue
		}
		require.NoError(t, err)
		return p
	}
	t.Fatal("timed out waiting for packet")
	return nil
}

func TestConn(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		c1, c2, stop, err := makePipeTCP()
		require.NoError(t, err)
		defer stop()

		client, server := NewConn(c1, ConnConfig{}), NewConn(c2, ConnConfig{})
		defer client.Close()
		defer server.Close()

		_, err = server.ReadPacket()
		require.ErrorIs(t, err, ErrWouldBlock)

		require.NoError(t, client.WritePacket([]byte("first")))
		require.NoError(t, client.WritePacket([]byte("second")))
		require.Equal(t, "first", string(readPacket(t, server)))
		require.Equal(t, "second", string(readPacket(t, server)))

		require.NoError(t, server.WritePacket([]byte("reply")))
		require.Equal(t, "reply", string(readPacket(t, client)))
	})
	t.Run("partial frame", func(t *testing.T) {
		c1, c2, stop, err := makePipeTCP()
		require.NoError(t, err)
		defer stop()

		server := NewConn(c2, ConnConfig{})
		defer server.Close()

		frame := binary.BigEndian.AppendUint32(nil, 6)
		frame = append(frame, "packet"...)

		_, err = c1.Write(frame[:3])
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
		_, err = server.ReadPacket()
		require.ErrorIs(t, err, ErrWouldBlock)

		_, err = c1.Write(frame[3:7])
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
		_, err = server.ReadPacket()
		require.ErrorIs(t, err, ErrWouldBlock)

		_, err = c1.Write(frame[7:])
		require.NoError(t, err)
		require.Equal(t, "packet", string(readPacket(t, server)))
	})
	t.Run("large packets", func(t *testing.T) {
		c1, c2, stop, err := makePipeTCP()
		require.NoError(t, err)
		defer stop()

		client, server := NewConn(c1, ConnConfig{}), NewConn(c2, ConnConfig{})
		defer client.Close()
		defer server.Close()

		big := bytes.Repeat([]byte("0123456789"), 20*1024)
		received := make(chan []byte, 1)
		go func() {
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				p, err := server.ReadPacket()
				if errors.Is(err, ErrWouldBlock) {
					continue
				}
				if err != nil {
					break
				}
				received <- p
				return
			}
			received <- nil
		}()

		for {
			err := client.WritePacket(big)
			if errors.Is(err, ErrWouldBlock) {
				continue
			}
			require.NoError(t, err)
			break
		}
		for client.Buffered() > 0 {
			err := client.Flush()
			if !errors.Is(err, ErrWouldBlock) {
				require.NoError(t, err)
			}
		}
		require.Equal(t, big, <-received)
	})
	t.Run("oversized", func(t *testing.T) {
		c1, c2, stop, err := makePipeTCP()
		require.NoError(t, err)
		defer stop()

		client := NewConn(c1, ConnConfig{MaxPacketSize: 8})
		server := NewConn(c2, ConnConfig{MaxPacketSize: 8})
		defer client.Close()
		defer server.Close()

		require.Error(t, client.WritePacket(make([]byte, 9)))

		_, err = c1.Write(binary.BigEndian.AppendUint32(nil, 9))
		require.NoError(t, err)
		var readErr error
		for {
			_, readErr = server.ReadPacket()
			if !errors.Is(readErr, ErrWouldBlock) {
				break
			}
		}
		require.Error(t, readErr)

		// The failure is sticky.
		_, err = server.ReadPacket()
		require.Equal(t, readErr, err)
	})
	t.Run("peer closed", func(t *testing.T) {
		c1, c2, stop, err := makePipeTCP()
		require.NoError(t, err)
		defer stop()

		server := NewConn(c2, ConnConfig{})
		defer server.Close()
		require.NoError(t, c1.Close())

		for {
			_, err = server.ReadPacket()
			if !errors.Is(err, ErrWouldBlock) {
				break
			}
		}
		require.Error(t, err)
	})
	t.Run("close", func(t *testing.T) {
		c1, c2, stop, err := makePipeTCP()
		require.NoError(t, err)
		defer stop()
		defer c2.Close()

		client := NewConn(c1, ConnConfig{})
		require.NoError(t, client.Close())
		require.NoError(t, client.Close())
		require.ErrorIs(t, client.WritePacket([]byte("x")), net.ErrClosed)
		_, err = client.ReadPacket()
		require.ErrorIs(t, err, net.ErrClosed)
	})
}
