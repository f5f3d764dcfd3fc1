package sshmux

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/getlantern/sshmux/internal/wire"
)

// Close sends a close message and reads from the transport until the peer's close arrives.
// Closing a channel which was already closed returns nil.
//
// Once the close message has been accepted by the transport and Close is no longer blocked, the
// channel is marked closed and the close handler, if any, runs. This happens even if the
// transport fails while waiting for the peer, in which case that failure is returned.
func (c *Channel) Close() error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.localClose {
		c.closeOp.reset()
		return nil
	}
	s := c.session
	op := &c.closeOp

	if op.state == stateIdle {
		s.log.Debug("closing channel", zap.Uint32("local", c.localID), zap.Uint32("remote", c.remoteID))
		op.packet = ssh.Marshal(&wire.ChannelClose{RecipientID: c.remoteID})
		op.state = stateCreated
	}

	if op.state == stateCreated {
		if err := s.writePacket(op.packet); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return err
			}
			op.reset()
			return fmt.Errorf("failed to send close: %w", err)
		}
		op.state = stateSent
	}

	var err error
	for !c.remoteClose {
		if err = s.pump(); err != nil {
			break
		}
	}
	if errors.Is(err, ErrWouldBlock) {
		return err
	}

	c.localClose = true
	op.reset()
	if c.onClose != nil {
		c.onClose(c)
	}
	return err
}

// WaitClosed reads from the transport until the peer closes the channel. The channel must be at
// EOF, otherwise WaitClosed returns ErrInvalidArgument.
func (c *Channel) WaitClosed() error {
	if err := c.usable(); err != nil {
		return err
	}
	if !c.EOF() {
		return fmt.Errorf("%w: wait for close on channel not at EOF", ErrInvalidArgument)
	}
	for !c.remoteClose {
		if err := c.session.pump(); err != nil {
			return err
		}
	}
	return nil
}

// Free closes the channel if needed and releases it. Data still buffered for the channel is
// discarded and the channel's id becomes available again. Free succeeds on a session whose
// transport has failed. Freeing a channel twice is a no-op.
func (c *Channel) Free() error {
	if c.freed {
		return nil
	}
	s := c.session
	if !c.localClose && s.err == nil {
		if err := c.Close(); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return err
			}
			if !errors.Is(err, ErrTransport) {
				return err
			}
			s.log.Debug("freeing channel after transport failure", zap.Uint32("local", c.localID), zap.Error(err))
		}
	}

	s.discardPackets(c.localID)
	s.unlink(c)
	c.release()
	s.log.Debug("freed channel", zap.Uint32("local", c.localID), zap.Uint32("remote", c.remoteID))
	return nil
}
