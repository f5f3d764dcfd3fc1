package sshmux

import (
	"net"
	"strconv"

	"github.com/getlantern/sshmux/internal/wire"
)

// ExtendedDataMode controls what happens to extended data (such as stderr) received on a
// channel.
type ExtendedDataMode int

const (
	// ExtendedNormal buffers extended data separately; read it with ReadStderr or ReadStream.
	ExtendedNormal ExtendedDataMode = iota

	// ExtendedMerge delivers extended data through Read together with the primary stream.
	ExtendedMerge

	// ExtendedIgnore discards extended data and returns its window to the peer.
	ExtendedIgnore
)

// opState tracks a resumable operation. Each operation starts idle, moves to created once its
// message is built and to sent once the transport accepted the message.
type opState int

const (
	stateIdle opState = iota
	stateCreated
	stateSent
)

// pendingMessage is a built message waiting to be sent, plus the state of its operation.
type pendingMessage struct {
	state  opState
	packet []byte
}

func (m *pendingMessage) reset() {
	*m = pendingMessage{}
}

// ExitSignal describes a signal which terminated the remote process.
type ExitSignal struct {
	Signal     string
	CoreDumped bool
	Message    string
}

// Endpoint is a host and port pair.
type Endpoint struct {
	Host string
	Port uint32
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.FormatUint(uint64(e.Port), 10))
}

// Channel is one multiplexed stream. Channels are created by Session.Open and friends, or
// accepted from a Listener, and must be released with Free.
type Channel struct {
	session  *Session
	listener *Listener
	chanType string
	origin   Endpoint

	localID  uint32
	remoteID uint32

	// Bytes the peer may still send us, and the largest payload we accept.
	recvWindow        uint32
	recvWindowInitial uint32
	recvPacket        uint32

	// Bytes we may still send, and the largest payload the peer accepts.
	sendWindow        uint32
	sendWindowInitial uint32
	sendPacket        uint32

	localEOF    bool
	remoteEOF   bool
	localClose  bool
	remoteClose bool

	extMode       ExtendedDataMode
	exitStatus    int
	hasExitStatus bool
	exitSignal    *ExitSignal

	// Window refund not yet sent to the peer.
	adjustQueue uint32

	onClose func(*Channel)
	freed   bool

	setenvOp  pendingMessage
	ptyOp     pendingMessage
	resizeOp  pendingMessage
	x11Op     pendingMessage
	processOp pendingMessage
	eofOp     pendingMessage
	closeOp   pendingMessage
	adjustOp  adjustOp
	writeOp   writeOp
	flushOp   flushOp
}

func newChannel(s *Session, chanType string, id, window, packetSize uint32) *Channel {
	return &Channel{
		session:           s,
		chanType:          chanType,
		localID:           id,
		recvWindow:        window,
		recvWindowInitial: window,
		recvPacket:        packetSize,
	}
}

// LocalID returns the id this side assigned to the channel.
func (c *Channel) LocalID() uint32 { return c.localID }

// RemoteID returns the id the peer assigned to the channel.
func (c *Channel) RemoteID() uint32 { return c.remoteID }

// Type returns the channel type, such as "session" or "forwarded-tcpip".
func (c *Channel) Type() string { return c.chanType }

// Origin returns the originator of a forwarded-tcpip channel.
func (c *Channel) Origin() Endpoint { return c.origin }

// ExitStatus returns the exit status reported by the peer, if any.
func (c *Channel) ExitStatus() (int, bool) {
	return c.exitStatus, c.hasExitStatus
}

// ExitSignal returns the signal reported by the peer, or nil.
func (c *Channel) ExitSignal() *ExitSignal {
	return c.exitSignal
}

// SetCloseHandler registers f to be called once, when Close completes, including the Close that
// Free performs. It is not called for channels released without a close handshake, as happens
// on a broken transport or by Session.Close. A nil f removes the handler.
func (c *Channel) SetCloseHandler(f func(*Channel)) {
	c.onClose = f
}

// closeSent reports whether this side's close message has gone out, whether or not the peer
// has answered it.
func (c *Channel) closeSent() bool {
	return c.localClose || c.closeOp.state == stateSent
}

func (c *Channel) usable() error {
	if c.freed {
		return ErrChannelFreed
	}
	return nil
}

// release drops every scratch buffer and marks the channel freed.
func (c *Channel) release() {
	c.setenvOp.reset()
	c.ptyOp.reset()
	c.resizeOp.reset()
	c.x11Op.reset()
	c.processOp.reset()
	c.eofOp.reset()
	c.closeOp.reset()
	c.adjustOp = adjustOp{}
	c.writeOp = writeOp{}
	c.flushOp = flushOp{}
	c.listener = nil
	c.onClose = nil
	c.freed = true
}

// matches reports whether the buffered packet p holds data for stream on this channel.
func (c *Channel) matches(p *packet, stream uint32) bool {
	if !p.hasChannel || p.channel != c.localID || p.payload == nil {
		return false
	}
	if stream == 0 {
		return p.typ == wire.MsgChannelData || (p.typ == wire.MsgChannelExtendedData && c.extMode == ExtendedMerge)
	}
	return p.typ == wire.MsgChannelExtendedData && p.stream == stream
}
