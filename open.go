package sshmux

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/getlantern/sshmux/internal/wire"
)

type openOp struct {
	state   opState
	channel *Channel
	packet  []byte
}

type directOp struct {
	state opState
	extra []byte
}

// Open opens a channel of the given type, advertising window and packetSize as this side's
// receive window and maximum packet payload. extra is appended to the open message as
// type-specific data.
//
// The session tracks one open at a time: after ErrWouldBlock, the next call to Open resumes the
// pending open with the id and message built by the first call, and its arguments are ignored.
//
// A refusal by the peer returns an error wrapping ErrChannelFailure and an
// *ssh.OpenChannelError.
func (s *Session) Open(chanType string, window, packetSize uint32, extra []byte) (*Channel, error) {
	op := &s.openOp
	if op.state == stateIdle {
		if s.err != nil {
			return nil, s.err
		}
		id, err := s.allocID()
		if err != nil {
			s.metrics.channelOpenFailed()
			return nil, err
		}
		ch := newChannel(s, chanType, id, window, packetSize)
		op.packet = ssh.Marshal(&wire.ChannelOpen{
			ChanType:      chanType,
			SenderID:      id,
			Window:        window,
			MaxPacketSize: packetSize,
			Extra:         extra,
		})
		op.channel = ch
		s.channels[id] = ch
		op.state = stateCreated
		s.log.Debug("opening channel",
			zap.String("type", chanType), zap.Uint32("local", id),
			zap.Uint32("window", window), zap.Uint32("packetSize", packetSize))
	}

	if op.state == stateCreated {
		if err := s.writePacket(op.packet); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil, err
			}
			return nil, s.abortOpen(fmt.Errorf("failed to send channel open: %w", err))
		}
		op.state = stateSent
	}

	ch := op.channel
	p, err := s.require(openReplyTypes, true, ch.localID)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return nil, err
		}
		return nil, s.abortOpen(fmt.Errorf("failed waiting for channel open reply: %w", err))
	}

	if p.typ == wire.MsgChannelOpenFailure {
		var msg wire.ChannelOpenFailure
		if err := ssh.Unmarshal(p.data, &msg); err != nil {
			return nil, s.abortOpen(fmt.Errorf("%w: bad channel open failure: %w", ErrProtocol, err))
		}
		return nil, s.abortOpen(fmt.Errorf("%w: %w", ErrChannelFailure, &ssh.OpenChannelError{
			Reason:  ssh.RejectionReason(msg.Reason),
			Message: msg.Message,
		}))
	}

	var msg wire.ChannelOpenConfirm
	if err := ssh.Unmarshal(p.data, &msg); err != nil {
		return nil, s.abortOpen(fmt.Errorf("%w: bad channel open confirmation: %w", ErrProtocol, err))
	}
	ch.remoteID = msg.SenderID
	ch.sendWindow = msg.Window
	ch.sendWindowInitial = msg.Window
	ch.sendPacket = msg.MaxPacketSize
	s.openOp = openOp{}
	s.metrics.channelOpened()
	s.log.Debug("channel open confirmed",
		zap.Uint32("local", ch.localID), zap.Uint32("remote", ch.remoteID),
		zap.Uint32("window", ch.sendWindow), zap.Uint32("packetSize", ch.sendPacket))
	return ch, nil
}

// abortOpen unregisters the channel of the pending open and drops anything buffered for it.
func (s *Session) abortOpen(err error) error {
	ch := s.openOp.channel
	s.discardPackets(ch.localID)
	s.unlink(ch)
	ch.release()
	s.openOp = openOp{}
	s.metrics.channelOpenFailed()
	s.log.Debug("channel open failed", zap.Uint32("local", ch.localID), zap.Error(err))
	return err
}

// OpenSession opens a "session" channel with the configured window and packet size.
func (s *Session) OpenSession() (*Channel, error) {
	return s.Open("session", s.cfg.WindowSize, s.cfg.PacketSize, nil)
}

// DirectTCPIP opens a "direct-tcpip" channel asking the peer to connect to host:port on behalf
// of srcHost:srcPort. Like Open, a pending call is resumed with its original arguments.
func (s *Session) DirectTCPIP(host string, port uint32, srcHost string, srcPort uint32) (*Channel, error) {
	op := &s.directOp
	if op.state == stateIdle {
		op.extra = ssh.Marshal(&wire.TCPIPChannel{
			Addr:       host,
			Port:       port,
			OriginAddr: srcHost,
			OriginPort: srcPort,
		})
		op.state = stateCreated
		s.log.Debug("requesting direct-tcpip",
			zap.String("dest", Endpoint{host, port}.String()), zap.String("src", Endpoint{srcHost, srcPort}.String()))
	}
	ch, err := s.Open("direct-tcpip", s.cfg.WindowSize, s.cfg.PacketSize, op.extra)
	if errors.Is(err, ErrWouldBlock) {
		return nil, err
	}
	s.directOp = directOp{}
	return ch, err
}
