// Package sshmux multiplexes SSH channels (RFC 4254) over a single keyed and authenticated
// transport.
//
// Every operation is non-blocking. An operation which cannot complete because the transport
// would block returns ErrWouldBlock and keeps its progress on the Session, Channel or Listener;
// calling the same operation again with the same arguments resumes it without repeating any
// side effect. Retry wraps this for callers who prefer to block.
//
// A Session and everything it owns must be used from one goroutine at a time.
package sshmux

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/getlantern/sshmux/transport"
)

const (
	// DefaultWindowSize is the receive window advertised by OpenSession, DirectTCPIP and
	// forwarded channels unless configured otherwise.
	DefaultWindowSize = 64 * 1024

	// DefaultPacketSize is the maximum packet payload advertised to the peer by default.
	DefaultPacketSize = 32 * 1024

	// DefaultListenQueueSize is the number of forwarded channels a listener buffers by default.
	DefaultListenQueueSize = 16
)

// Config configures a Session. The zero value is usable.
type Config struct {
	// Logger receives debug traces of channel state transitions and warnings about peer
	// misbehavior. Defaults to a no-op logger.
	Logger *zap.Logger

	// Metrics, if set, records session statistics.
	Metrics *Metrics

	// WindowSize and PacketSize are advertised for channels opened with OpenSession or
	// DirectTCPIP and for forwarded channels. Default to DefaultWindowSize and
	// DefaultPacketSize.
	WindowSize uint32
	PacketSize uint32

	// ListenQueueSize is used by ForwardListen when called with a non-positive queue size.
	ListenQueueSize int
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.PacketSize == 0 {
		cfg.PacketSize = DefaultPacketSize
	}
	if cfg.ListenQueueSize <= 0 {
		cfg.ListenQueueSize = DefaultListenQueueSize
	}
	return cfg
}

// Session owns the channels and forwarding listeners multiplexed over one transport.
type Session struct {
	t       transport.Transport
	cfg     Config
	log     *zap.Logger
	metrics *Metrics

	channels  map[uint32]*Channel
	listeners []*Listener
	nextID    uint32

	// Inbound packets not yet consumed, in arrival order.
	inbound []*packet

	// Messages owed to the peer, written before anything else.
	outbox []outgoing

	// Sticky transport failure.
	err error

	openOp   openOp
	directOp directOp
	listenOp listenOp
	closed   bool
}

// NewSession creates a session over t.
func NewSession(t transport.Transport, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		t:        t,
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		channels: make(map[uint32]*Channel),
	}
}

// Poll reads and dispatches every packet currently available from the transport. Inbound
// channel opens, window adjustments, EOF and close notifications are only observed while some
// operation reads from the transport, so idle callers should poll periodically.
func (s *Session) Poll() error {
	return s.drain()
}

// Err returns the transport failure which broke the session, if any.
func (s *Session) Err() error {
	return s.err
}

// Locate returns the channel with the given local id. Open channels are searched first, then
// the queues of forwarding listeners. Locate returns nil if no such channel exists.
func (s *Session) Locate(id uint32) *Channel {
	if ch, ok := s.channels[id]; ok {
		return ch
	}
	for _, l := range s.listeners {
		for _, ch := range l.queue {
			if ch.localID == id {
				return ch
			}
		}
	}
	return nil
}

// Listeners returns the active forwarding listeners.
func (s *Session) Listeners() []*Listener {
	return append([]*Listener(nil), s.listeners...)
}

// Close releases every channel and listener without performing close handshakes and closes the
// transport if it implements io.Closer. The session is unusable afterwards.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.err == nil {
		s.err = fmt.Errorf("%w: session closed", ErrTransport)
	}

	for _, l := range s.listeners {
		for _, ch := range l.queue {
			ch.release()
		}
		l.queue = nil
		l.cancelled = true
	}
	s.listeners = nil
	for id, ch := range s.channels {
		ch.release()
		delete(s.channels, id)
	}
	s.inbound = nil
	s.outbox = nil
	s.openOp = openOp{}
	s.directOp = directOp{}
	s.listenOp = listenOp{}
	s.metrics.pending(0)

	s.log.Debug("session closed")
	if c, ok := s.t.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// allocID returns an id not referenced by any open or queued channel. Ids increase
// monotonically; once the id space is exhausted the search wraps and skips ids still in use.
func (s *Session) allocID() (uint32, error) {
	id := s.nextID
	var maxID uint32
	var inUse bool
	for cid := range s.channels {
		if !inUse || cid > maxID {
			maxID, inUse = cid, true
		}
	}
	for _, l := range s.listeners {
		for _, ch := range l.queue {
			if !inUse || ch.localID > maxID {
				maxID, inUse = ch.localID, true
			}
		}
	}
	if inUse && maxID >= id && maxID != ^uint32(0) {
		id = maxID + 1
	}

	// At most one id per live channel can be taken.
	limit := len(s.channels) + 1
	for _, l := range s.listeners {
		limit += len(l.queue)
	}
	for i := 0; i < limit; i++ {
		if s.Locate(id) == nil {
			s.nextID = id + 1
			return id, nil
		}
		id++
	}
	return 0, ErrAllocation
}

// fail records a transport failure and returns the wrapped error.
func (s *Session) fail(err error) error {
	if s.err == nil {
		s.err = fmt.Errorf("%w: %w", ErrTransport, err)
		s.log.Debug("transport failed", zap.Error(err))
	}
	return s.err
}

// outgoing is a message the session owes the peer, such as a reply to a peer request.
type outgoing struct {
	data []byte
	sent func()
}

func (s *Session) enqueueReply(msg interface{}, sent func()) {
	s.outbox = append(s.outbox, outgoing{data: ssh.Marshal(msg), sent: sent})
}

func (s *Session) flushOutbox() error {
	for len(s.outbox) > 0 {
		o := s.outbox[0]
		if err := s.t.WritePacket(o.data); err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				return ErrWouldBlock
			}
			return s.fail(err)
		}
		s.outbox[0] = outgoing{}
		s.outbox = s.outbox[1:]
		if o.sent != nil {
			o.sent()
		}
	}
	return nil
}

// writePacket sends p once any owed replies have been sent. It returns nil only if the
// transport accepted p.
func (s *Session) writePacket(p []byte) error {
	if s.err != nil {
		return s.err
	}
	if err := s.flushOutbox(); err != nil {
		return err
	}
	if err := s.t.WritePacket(p); err != nil {
		if errors.Is(err, transport.ErrWouldBlock) {
			return ErrWouldBlock
		}
		return s.fail(err)
	}
	return nil
}

// pump reads and dispatches one packet.
func (s *Session) pump() error {
	if s.err != nil {
		return s.err
	}
	if err := s.flushOutbox(); err != nil && !errors.Is(err, ErrWouldBlock) {
		return err
	}
	p, err := s.t.ReadPacket()
	if err != nil {
		if errors.Is(err, transport.ErrWouldBlock) {
			return ErrWouldBlock
		}
		return s.fail(err)
	}
	s.dispatch(p)
	return nil
}

// drain pumps until the transport has nothing more to read.
func (s *Session) drain() error {
	for {
		if err := s.pump(); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil
			}
			return err
		}
	}
}

// require returns and removes the first queued packet with one of the given types, addressed
// to channel id if keyed. It reads from the transport until such a packet arrives or the
// transport would block.
func (s *Session) require(types []byte, keyed bool, id uint32) (*packet, error) {
	for {
		for i, p := range s.inbound {
			if !p.is(types) || (keyed && p.channel != id) {
				continue
			}
			s.removePacket(i)
			return p, nil
		}
		if err := s.pump(); err != nil {
			return nil, err
		}
	}
}

func (s *Session) queuePacket(p *packet) {
	s.inbound = append(s.inbound, p)
	s.metrics.pending(len(s.inbound))
}

func (s *Session) removePacket(i int) {
	copy(s.inbound[i:], s.inbound[i+1:])
	s.inbound[len(s.inbound)-1] = nil
	s.inbound = s.inbound[:len(s.inbound)-1]
	s.metrics.pending(len(s.inbound))
}

// discardPackets drops every queued packet addressed to channel id.
func (s *Session) discardPackets(id uint32) {
	kept := s.inbound[:0]
	for _, p := range s.inbound {
		if !p.hasChannel || p.channel != id {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(s.inbound); i++ {
		s.inbound[i] = nil
	}
	s.inbound = kept
	s.metrics.pending(len(s.inbound))
}

// unlink removes ch from the open channels or from its listener's queue.
func (s *Session) unlink(ch *Channel) {
	if s.channels[ch.localID] == ch {
		delete(s.channels, ch.localID)
		return
	}
	if l := ch.listener; l != nil {
		for i, queued := range l.queue {
			if queued == ch {
				l.queue = append(l.queue[:i], l.queue[i+1:]...)
				break
			}
		}
		ch.listener = nil
	}
}

func (s *Session) removeListener(l *Listener) {
	for i, candidate := range s.listeners {
		if candidate == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}
