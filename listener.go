package sshmux

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/getlantern/sshmux/internal/wire"
)

// DefaultListenHost is the address ForwardListen binds when given an empty host.
const DefaultListenHost = "0.0.0.0"

// Listener is a remote port forward. The peer opens a forwarded-tcpip channel for every
// connection it accepts on the bound address; those channels queue on the listener until
// accepted.
type Listener struct {
	session   *Session
	host      string
	port      uint32
	queueMax  int
	queue     []*Channel
	cancelOp  pendingMessage
	cancelled bool
}

type listenOp struct {
	state    opState
	packet   []byte
	host     string
	port     uint32
	queueMax int
}

// Host returns the bound host.
func (l *Listener) Host() string { return l.host }

// Port returns the bound port, as allocated by the peer when zero was requested.
func (l *Listener) Port() uint32 { return l.port }

// Pending returns the number of queued channels.
func (l *Listener) Pending() int { return len(l.queue) }

// ForwardListen asks the peer to listen on host:port and forward connections back over this
// session. An empty host means DefaultListenHost and port 0 lets the peer pick one. At most
// queueMax connections are queued awaiting Accept; non-positive means the configured default.
//
// The session tracks one listen request at a time: after ErrWouldBlock the next call resumes it
// and ignores its arguments. A refusal returns ErrRequestDenied.
func (s *Session) ForwardListen(host string, port uint32, queueMax int) (*Listener, error) {
	op := &s.listenOp
	if op.state == stateIdle {
		if host == "" {
			host = DefaultListenHost
		}
		if queueMax <= 0 {
			queueMax = s.cfg.ListenQueueSize
		}
		op.host, op.port, op.queueMax = host, port, queueMax
		op.packet = ssh.Marshal(&wire.GlobalRequest{
			Type:      "tcpip-forward",
			WantReply: true,
			Data:      ssh.Marshal(&wire.TCPIPForward{Addr: host, Port: port}),
		})
		op.state = stateCreated
		s.log.Debug("requesting remote forward", zap.String("addr", Endpoint{host, port}.String()))
	}

	if op.state == stateCreated {
		if err := s.writePacket(op.packet); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil, err
			}
			s.listenOp = listenOp{}
			return nil, fmt.Errorf("failed to send forward request: %w", err)
		}
		op.state = stateSent
	}

	p, err := s.require(globalReplyTypes, false, 0)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return nil, err
		}
		s.listenOp = listenOp{}
		return nil, fmt.Errorf("failed waiting for forward reply: %w", err)
	}
	req := *op
	s.listenOp = listenOp{}

	if p.typ == wire.MsgRequestFailure {
		return nil, fmt.Errorf("%w: tcpip-forward %s", ErrRequestDenied, Endpoint{req.host, req.port})
	}

	l := &Listener{
		session:  s,
		host:     req.host,
		port:     req.port,
		queueMax: req.queueMax,
	}
	if req.port == 0 {
		var msg wire.RequestSuccess
		var reply wire.TCPIPForwardReply
		if err := ssh.Unmarshal(p.data, &msg); err != nil {
			return nil, fmt.Errorf("%w: bad forward reply: %w", ErrProtocol, err)
		}
		if err := ssh.Unmarshal(msg.Data, &reply); err != nil {
			return nil, fmt.Errorf("%w: forward reply without bound port: %w", ErrProtocol, err)
		}
		l.port = reply.Port
	}
	s.listeners = append(s.listeners, l)
	s.log.Debug("remote forward established", zap.String("addr", Endpoint{l.host, l.port}.String()))
	return l, nil
}

// Accept returns the next queued forwarded channel, moving it to the session's open channels.
// It returns ErrWouldBlock while none is queued.
func (l *Listener) Accept() (*Channel, error) {
	if l.cancelled {
		return nil, ErrListenerClosed
	}
	s := l.session
	err := s.drain()
	if len(l.queue) > 0 {
		ch := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		ch.listener = nil
		s.channels[ch.localID] = ch
		s.metrics.channelAccepted()
		s.log.Debug("accepted forwarded channel", zap.Uint32("local", ch.localID), zap.String("origin", ch.origin.String()))
		return ch, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChannelUnknown, err)
	}
	return nil, ErrWouldBlock
}

// Cancel asks the peer to stop forwarding, frees every queued channel and removes the listener
// from the session. No reply is expected. After ErrWouldBlock the next call resends the same
// message. On a broken transport the listener is still released locally and the transport error
// is returned; the unsent message is kept on the listener.
func (l *Listener) Cancel() error {
	if l.cancelled {
		return nil
	}
	s := l.session
	op := &l.cancelOp

	if op.state == stateIdle {
		op.packet = ssh.Marshal(&wire.GlobalRequest{
			Type:      "cancel-tcpip-forward",
			WantReply: false,
			Data:      ssh.Marshal(&wire.TCPIPForward{Addr: l.host, Port: l.port}),
		})
		op.state = stateCreated
		s.log.Debug("cancelling remote forward", zap.String("addr", Endpoint{l.host, l.port}.String()))
	}

	if op.state == stateCreated {
		if err := s.writePacket(op.packet); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return err
			}
			s.log.Debug("releasing listener after transport failure",
				zap.String("addr", Endpoint{l.host, l.port}.String()), zap.Error(err))
			sendErr := fmt.Errorf("failed to send forward cancel: %w", err)
			if err := l.release(); err != nil {
				return err
			}
			return sendErr
		}
		op.state = stateSent
	}
	if err := l.release(); err != nil {
		return err
	}
	op.reset()
	return nil
}

// release frees the queued channels and unlinks the listener. A cancel message that could not
// be sent stays in cancelOp.
func (l *Listener) release() error {
	for len(l.queue) > 0 {
		if err := l.queue[0].Free(); err != nil {
			return err
		}
	}
	l.session.removeListener(l)
	l.cancelled = true
	return nil
}
