package sshmux

import (
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/getlantern/sshmux/internal/wire"
)

// packet is an inbound message buffered until an operation consumes it.
type packet struct {
	typ        byte
	hasChannel bool
	channel    uint32
	stream     uint32

	// data is the whole message; payload is the channel data it carries, read from head on.
	data    []byte
	payload []byte
	head    int
}

func (p *packet) is(types []byte) bool {
	for _, t := range types {
		if p.typ == t {
			return true
		}
	}
	return false
}

func (p *packet) remaining() int {
	return len(p.payload) - p.head
}

var (
	openReplyTypes    = []byte{wire.MsgChannelOpenConfirm, wire.MsgChannelOpenFailure}
	requestReplyTypes = []byte{wire.MsgChannelSuccess, wire.MsgChannelFailure}
	globalReplyTypes  = []byte{wire.MsgRequestSuccess, wire.MsgRequestFailure}
)

// dispatch applies state changes carried by an inbound message and buffers the messages which
// operations wait for.
func (s *Session) dispatch(p []byte) {
	typ := wire.Type(p)
	switch typ {
	case wire.MsgChannelData, wire.MsgChannelExtendedData:
		s.handleData(p)

	case wire.MsgChannelWindowAdjust:
		var msg wire.WindowAdjust
		if err := ssh.Unmarshal(p, &msg); err != nil {
			s.dropMalformed(typ, err)
			return
		}
		if ch := s.lookup(typ, msg.RecipientID); ch != nil {
			ch.sendWindow = addWindow(ch.sendWindow, msg.AdditionalBytes)
		}

	case wire.MsgChannelEOF:
		var msg wire.ChannelEOF
		if err := ssh.Unmarshal(p, &msg); err != nil {
			s.dropMalformed(typ, err)
			return
		}
		if ch := s.lookup(typ, msg.RecipientID); ch != nil {
			ch.remoteEOF = true
			s.log.Debug("peer sent EOF", zap.Uint32("local", ch.localID))
		}

	case wire.MsgChannelClose:
		var msg wire.ChannelClose
		if err := ssh.Unmarshal(p, &msg); err != nil {
			s.dropMalformed(typ, err)
			return
		}
		if ch := s.lookup(typ, msg.RecipientID); ch != nil {
			ch.remoteEOF = true
			ch.remoteClose = true
			s.log.Debug("peer closed channel", zap.Uint32("local", ch.localID))
		}

	case wire.MsgChannelRequest:
		s.handleChannelRequest(p)

	case wire.MsgChannelOpenConfirm, wire.MsgChannelOpenFailure, wire.MsgChannelSuccess, wire.MsgChannelFailure:
		id, err := wire.RecipientID(p)
		if err != nil {
			s.dropMalformed(typ, err)
			return
		}
		if s.lookup(typ, id) != nil {
			s.queuePacket(&packet{typ: typ, hasChannel: true, channel: id, data: p})
		}

	case wire.MsgRequestSuccess, wire.MsgRequestFailure:
		s.queuePacket(&packet{typ: typ, data: p})

	case wire.MsgGlobalRequest:
		var msg wire.GlobalRequest
		if err := ssh.Unmarshal(p, &msg); err != nil {
			s.dropMalformed(typ, err)
			return
		}
		s.log.Debug("refusing global request", zap.String("request", msg.Type))
		if msg.WantReply {
			s.enqueueReply(&wire.RequestFailure{}, nil)
		}

	case wire.MsgChannelOpen:
		s.handleChannelOpen(p)

	default:
		s.log.Debug("ignoring packet", zap.Uint8("type", typ))
	}
}

func (s *Session) lookup(typ byte, id uint32) *Channel {
	ch := s.Locate(id)
	if ch == nil {
		s.log.Debug("dropping packet for unknown channel", zap.Uint8("type", typ), zap.Uint32("local", id))
	}
	return ch
}

func (s *Session) dropMalformed(typ byte, err error) {
	s.log.Warn("dropping malformed packet", zap.Uint8("type", typ), zap.Error(err))
}

func (s *Session) handleData(p []byte) {
	typ := wire.Type(p)
	stream, data, err := wire.DataPayload(p)
	if err != nil {
		s.dropMalformed(typ, err)
		return
	}
	id, _ := wire.RecipientID(p)
	ch := s.lookup(typ, id)
	if ch == nil {
		return
	}

	if uint64(len(data)) > uint64(ch.recvPacket) {
		s.log.Warn("peer exceeded packet size, truncating",
			zap.Uint32("local", id), zap.Int("len", len(data)), zap.Uint32("packetSize", ch.recvPacket))
		data = data[:ch.recvPacket]
	}
	if uint64(len(data)) > uint64(ch.recvWindow) {
		s.log.Warn("peer exceeded window, truncating",
			zap.Uint32("local", id), zap.Int("len", len(data)), zap.Uint32("window", ch.recvWindow))
		data = data[:ch.recvWindow]
	}
	n := uint32(len(data))
	ch.recvWindow -= n
	s.metrics.received(len(data))

	if typ == wire.MsgChannelExtendedData && ch.extMode == ExtendedIgnore {
		if n > 0 {
			s.enqueueReply(&wire.WindowAdjust{RecipientID: ch.remoteID, AdditionalBytes: n}, func() {
				ch.recvWindow += n
				s.metrics.windowAdjusted()
			})
		}
		return
	}
	if n == 0 {
		return
	}
	s.queuePacket(&packet{
		typ:        typ,
		hasChannel: true,
		channel:    id,
		stream:     stream,
		data:       p,
		payload:    data,
	})
}

func (s *Session) handleChannelRequest(p []byte) {
	var msg wire.ChannelRequest
	if err := ssh.Unmarshal(p, &msg); err != nil {
		s.dropMalformed(wire.MsgChannelRequest, err)
		return
	}
	ch := s.lookup(wire.MsgChannelRequest, msg.RecipientID)
	if ch == nil {
		return
	}

	switch msg.Request {
	case "exit-status":
		var status wire.ExitStatus
		if err := ssh.Unmarshal(msg.Data, &status); err != nil {
			s.dropMalformed(wire.MsgChannelRequest, err)
			break
		}
		ch.exitStatus = int(status.Status)
		ch.hasExitStatus = true
	case "exit-signal":
		var sig wire.ExitSignal
		if err := ssh.Unmarshal(msg.Data, &sig); err != nil {
			s.dropMalformed(wire.MsgChannelRequest, err)
			break
		}
		ch.exitSignal = &ExitSignal{
			Signal:     sig.Signal,
			CoreDumped: sig.CoreDumped,
			Message:    sig.Error,
		}
	default:
		s.log.Debug("refusing channel request",
			zap.Uint32("local", ch.localID), zap.String("request", msg.Request))
	}
	if msg.WantReply {
		s.enqueueReply(&wire.ChannelFailure{RecipientID: ch.remoteID}, nil)
	}
}

func (s *Session) handleChannelOpen(p []byte) {
	var msg wire.ChannelOpen
	if err := ssh.Unmarshal(p, &msg); err != nil {
		s.dropMalformed(wire.MsgChannelOpen, err)
		return
	}
	reject := func(reason ssh.RejectionReason, message string) {
		s.log.Debug("rejecting channel open",
			zap.String("type", msg.ChanType), zap.Stringer("reason", reason), zap.String("message", message))
		s.enqueueReply(&wire.ChannelOpenFailure{
			RecipientID: msg.SenderID,
			Reason:      uint32(reason),
			Message:     message,
		}, nil)
	}

	if msg.ChanType != "forwarded-tcpip" {
		reject(ssh.UnknownChannelType, "unsupported channel type")
		return
	}
	var fwd wire.TCPIPChannel
	if err := ssh.Unmarshal(msg.Extra, &fwd); err != nil {
		reject(ssh.ConnectionFailed, "malformed forwarded-tcpip request")
		return
	}
	l := s.findListener(fwd.Addr, fwd.Port)
	if l == nil {
		reject(ssh.Prohibited, "no listener for forwarded address")
		return
	}
	if len(l.queue) >= l.queueMax {
		reject(ssh.ResourceShortage, "listener queue full")
		return
	}
	id, err := s.allocID()
	if err != nil {
		reject(ssh.ResourceShortage, "no channel id available")
		return
	}

	ch := newChannel(s, msg.ChanType, id, s.cfg.WindowSize, s.cfg.PacketSize)
	ch.remoteID = msg.SenderID
	ch.sendWindow = msg.Window
	ch.sendWindowInitial = msg.Window
	ch.sendPacket = msg.MaxPacketSize
	ch.listener = l
	ch.origin = Endpoint{Host: fwd.OriginAddr, Port: fwd.OriginPort}
	l.queue = append(l.queue, ch)

	s.log.Debug("queued forwarded channel",
		zap.Uint32("local", id), zap.Uint32("remote", ch.remoteID), zap.String("origin", ch.origin.String()))
	s.enqueueReply(&wire.ChannelOpenConfirm{
		RecipientID:   msg.SenderID,
		SenderID:      id,
		Window:        ch.recvWindow,
		MaxPacketSize: ch.recvPacket,
	}, nil)
}

func (s *Session) findListener(host string, port uint32) *Listener {
	for _, l := range s.listeners {
		if l.host == host && l.port == port {
			return l
		}
	}
	return nil
}

func addWindow(window, n uint32) uint32 {
	if window+n < window {
		return ^uint32(0)
	}
	return window + n
}
