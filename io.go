package sshmux

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/getlantern/sshmux/internal/wire"
)

// MaxWriteChunk is the most a single Write call consumes from its buffer.
const MaxWriteChunk = 32 * 1024

// Read reads from the primary stream, and from extended streams when the channel is in
// ExtendedMerge mode. It returns io.EOF once the peer sent EOF and everything before it was read,
// and ErrWouldBlock when no data is available yet.
func (c *Channel) Read(p []byte) (int, error) {
	return c.ReadStream(0, p)
}

// ReadStderr reads from the standard error extended stream.
func (c *Channel) ReadStderr(p []byte) (int, error) {
	return c.ReadStream(wire.ExtendedDataStderr, p)
}

// ReadStream reads from stream, where 0 is the primary stream and any other value the extended
// stream with that data type code. Data is returned in arrival order.
func (c *Channel) ReadStream(stream uint32, p []byte) (int, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	s := c.session

	// Finish a window grow left pending by an earlier read before waiting on the peer.
	if c.adjustOp.state != stateIdle {
		c.growWindow()
	}
	drainErr := s.drain()

	n := 0
	for i := 0; i < len(s.inbound) && n < len(p); {
		pk := s.inbound[i]
		if !c.matches(pk, stream) {
			i++
			continue
		}
		copied := copy(p[n:], pk.payload[pk.head:])
		pk.head += copied
		n += copied
		if pk.remaining() == 0 {
			s.removePacket(i)
			continue
		}
		i++
	}

	if n == 0 {
		if c.remoteEOF || c.remoteClose {
			return 0, io.EOF
		}
		if drainErr != nil {
			return 0, drainErr
		}
		if len(p) == 0 {
			return 0, nil
		}
		return 0, ErrWouldBlock
	}
	c.growWindow()
	return n, nil
}

// EOF reports whether the peer sent EOF and no data remains to be read.
func (c *Channel) EOF() bool {
	if !c.remoteEOF && !c.remoteClose {
		return false
	}
	for _, p := range c.session.inbound {
		if p.hasChannel && p.channel == c.localID && p.payload != nil {
			return false
		}
	}
	return true
}

type writeOp struct {
	state  opState
	packet []byte
	n      int
}

// Write writes to the primary stream.
func (c *Channel) Write(p []byte) (int, error) {
	return c.WriteStream(0, p)
}

// WriteStderr writes to the standard error extended stream.
func (c *Channel) WriteStderr(p []byte) (int, error) {
	return c.WriteStream(wire.ExtendedDataStderr, p)
}

// WriteStream writes to stream, where 0 is the primary stream. At most MaxWriteChunk bytes of p
// are consumed per call, split into messages which fit the send window and the peer's packet
// size; callers loop until p is exhausted.
//
// Write returns the number of bytes handed to the transport. When nothing could be sent it
// returns ErrWouldBlock; a message built but not yet accepted is kept and sent first by the next
// call, which must pass the remaining bytes of the same buffer.
func (c *Channel) WriteStream(stream uint32, p []byte) (int, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	if c.closeSent() {
		return 0, fmt.Errorf("%w: write after close", ErrChannelClosed)
	}
	s := c.session
	if c.localEOF {
		s.log.Warn("writing to channel after EOF", zap.Uint32("local", c.localID))
	}
	if len(p) > MaxWriteChunk {
		p = p[:MaxWriteChunk]
	}

	op := &c.writeOp
	written := 0
	for written < len(p) || op.state != stateIdle {
		if op.state == stateIdle {
			// Pick up window adjustments before sizing the next message.
			if err := s.drain(); err != nil {
				return written, err
			}
			if c.sendWindow == 0 {
				break
			}
			chunk := len(p) - written
			if uint64(chunk) > uint64(c.sendWindow) {
				chunk = int(c.sendWindow)
			}
			if c.sendPacket > 0 && uint64(chunk) > uint64(c.sendPacket) {
				chunk = int(c.sendPacket)
			}
			data := p[written : written+chunk]
			if stream == 0 {
				op.packet = ssh.Marshal(&wire.ChannelData{RecipientID: c.remoteID, Data: data})
			} else {
				op.packet = ssh.Marshal(&wire.ChannelExtendedData{RecipientID: c.remoteID, DataType: stream, Data: data})
			}
			op.n = chunk
			op.state = stateCreated
		}

		if err := s.writePacket(op.packet); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				break
			}
			c.writeOp = writeOp{}
			return written, fmt.Errorf("failed to send channel data: %w", err)
		}
		c.sendWindow -= uint32(op.n)
		written += op.n
		s.metrics.sent(op.n)
		s.log.Debug("sent channel data",
			zap.Uint32("local", c.localID), zap.Uint32("stream", stream),
			zap.Int("bytes", op.n), zap.Uint32("window", c.sendWindow))
		c.writeOp = writeOp{}
	}

	if written == 0 && len(p) > 0 {
		return 0, ErrWouldBlock
	}
	return written, nil
}

// SendEOF tells the peer no more data will be written on this channel. It returns
// ErrChannelClosed once this side has sent its close.
func (c *Channel) SendEOF() error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.closeSent() {
		return fmt.Errorf("%w: EOF after close", ErrChannelClosed)
	}
	s := c.session
	op := &c.eofOp
	if op.state == stateIdle {
		op.packet = ssh.Marshal(&wire.ChannelEOF{RecipientID: c.remoteID})
		op.state = stateCreated
	}
	if err := s.writePacket(op.packet); err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return err
		}
		op.reset()
		return fmt.Errorf("failed to send EOF: %w", err)
	}
	op.reset()
	c.localEOF = true
	s.log.Debug("sent EOF", zap.Uint32("local", c.localID))
	return nil
}

// WaitEOF reads from the transport until the peer sends EOF.
func (c *Channel) WaitEOF() error {
	if err := c.usable(); err != nil {
		return err
	}
	for !c.remoteEOF {
		if err := c.session.pump(); err != nil {
			return err
		}
	}
	return nil
}
