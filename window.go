package sshmux

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/getlantern/sshmux/internal/wire"
)

const (
	// MinAdjust is the smallest window refund sent without force. Smaller refunds accumulate
	// until they reach it.
	MinAdjust = 1024

	// windowLowWater and windowGrow drive the receive window growth performed by reads.
	windowLowWater = 4 * DefaultWindowSize
	windowGrow     = 8 * DefaultWindowSize
)

// Stream selectors for Flush.
const (
	FlushExtendedData = -2
	FlushAll          = -1
)

type adjustOp struct {
	state  opState
	packet []byte
	amount uint32
}

// ReceiveWindowAdjust grants the peer adjustment more bytes of receive window. Unless force is
// set, grants which together with previously queued ones stay below MinAdjust are queued
// instead of sent. It returns the receive window after the call.
//
// The window only grows once the adjust message was accepted by the transport. After
// ErrWouldBlock, the next call finishes the pending adjust and ignores its arguments. If the
// transport fails the amount goes back into the queue.
func (c *Channel) ReceiveWindowAdjust(adjustment uint32, force bool) (uint32, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	s := c.session
	op := &c.adjustOp

	if op.state == stateIdle {
		total := uint64(adjustment) + uint64(c.adjustQueue)
		if !force && total < MinAdjust {
			c.adjustQueue = uint32(total)
			s.log.Debug("queueing window adjust",
				zap.Uint32("local", c.localID), zap.Uint32("queued", c.adjustQueue))
			return c.recvWindow, nil
		}
		if room := uint64(^uint32(0) - c.recvWindow); total > room {
			c.adjustQueue = uint32(total - room)
			total = room
		} else {
			c.adjustQueue = 0
		}
		if total == 0 {
			return c.recvWindow, nil
		}
		op.amount = uint32(total)
		op.packet = ssh.Marshal(&wire.WindowAdjust{RecipientID: c.remoteID, AdditionalBytes: op.amount})
		op.state = stateCreated
	}

	if err := s.writePacket(op.packet); err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return c.recvWindow, err
		}
		c.adjustQueue = addWindow(c.adjustQueue, op.amount)
		c.adjustOp = adjustOp{}
		return c.recvWindow, fmt.Errorf("failed to send window adjust: %w", err)
	}
	c.recvWindow += op.amount
	s.metrics.windowAdjusted()
	s.log.Debug("window adjusted",
		zap.Uint32("local", c.localID), zap.Uint32("amount", op.amount), zap.Uint32("window", c.recvWindow))
	c.adjustOp = adjustOp{}
	return c.recvWindow, nil
}

// growWindow tops up the receive window once it runs low, or finishes a pending adjust.
// Failures are left for the next operation to report.
func (c *Channel) growWindow() {
	if c.adjustOp.state == stateIdle && c.recvWindow >= windowLowWater {
		return
	}
	if _, err := c.ReceiveWindowAdjust(windowGrow, false); err != nil && !errors.Is(err, ErrWouldBlock) {
		c.session.log.Debug("failed to grow window", zap.Uint32("local", c.localID), zap.Error(err))
	}
}

// WindowInfo describes the receive side of a channel.
type WindowInfo struct {
	// Window is the number of bytes the peer may still send.
	Window uint32

	// Available is the number of bytes received and not yet read, across all streams.
	Available int

	// Initial is the window advertised when the channel was opened.
	Initial uint32
}

// WindowRead reports the receive window.
func (c *Channel) WindowRead() WindowInfo {
	info := WindowInfo{Window: c.recvWindow, Initial: c.recvWindowInitial}
	for _, p := range c.session.inbound {
		if p.hasChannel && p.channel == c.localID && p.payload != nil {
			info.Available += p.remaining()
		}
	}
	return info
}

// WindowWrite reports the send window and its initial value.
func (c *Channel) WindowWrite() (window, initial uint32) {
	return c.sendWindow, c.sendWindowInitial
}

type flushOp struct {
	state   opState
	flushed int
}

// Flush discards buffered data. stream selects a single extended stream, or one of FlushAll
// and FlushExtendedData; 0 selects the primary stream. The window taken by the discarded
// bytes is returned to the peer. Flush returns the number of bytes discarded.
func (c *Channel) Flush(stream int) (int, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	s := c.session
	op := &c.flushOp

	if op.state == stateIdle {
		kept := s.inbound[:0]
		for _, p := range s.inbound {
			if p.hasChannel && p.channel == c.localID && p.payload != nil && flushes(p, stream) {
				op.flushed += p.remaining()
				continue
			}
			kept = append(kept, p)
		}
		for i := len(kept); i < len(s.inbound); i++ {
			s.inbound[i] = nil
		}
		s.inbound = kept
		s.metrics.pending(len(s.inbound))
		c.adjustQueue = addWindow(c.adjustQueue, uint32(op.flushed))
		op.state = stateCreated
		s.log.Debug("flushed channel data",
			zap.Uint32("local", c.localID), zap.Int("stream", stream), zap.Int("bytes", op.flushed))
	}

	_, err := c.ReceiveWindowAdjust(0, false)
	if errors.Is(err, ErrWouldBlock) {
		return 0, err
	}
	flushed := op.flushed
	c.flushOp = flushOp{}
	if err != nil {
		return 0, err
	}
	return flushed, nil
}

func flushes(p *packet, stream int) bool {
	switch stream {
	case FlushAll:
		return true
	case FlushExtendedData:
		return p.typ == wire.MsgChannelExtendedData
	case 0:
		return p.typ == wire.MsgChannelData
	default:
		return p.typ == wire.MsgChannelExtendedData && p.stream == uint32(stream)
	}
}

// SetExtendedDataMode changes how extended data is handled. Switching to ExtendedIgnore
// discards extended data already buffered, which may need the transport; the mode is changed
// even if that returns ErrWouldBlock, and calling again finishes the flush.
func (c *Channel) SetExtendedDataMode(mode ExtendedDataMode) error {
	if err := c.usable(); err != nil {
		return err
	}
	c.extMode = mode
	if mode == ExtendedIgnore {
		if _, err := c.Flush(FlushExtendedData); err != nil {
			return err
		}
	}
	return nil
}
