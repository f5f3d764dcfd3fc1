package sshtest

import (
	"bytes"
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/getlantern/sshmux/internal/wire"
)

const (
	defaultPeerWindow     = 1 << 20
	defaultPeerPacketSize = 32 * 1024
)

// Channel is the peer's view of one channel.
type Channel struct {
	Type  string
	Extra []byte

	// LocalID is the session's id for the channel, PeerID the peer's.
	LocalID uint32
	PeerID  uint32

	// RecvWindow is what the peer may still send to the session, as advertised by the session.
	RecvWindow uint32

	// SendWindow is what the session may still send to the peer.
	SendWindow uint32

	Data   bytes.Buffer
	Stderr bytes.Buffer
	Chunks []int

	Requests []wire.ChannelRequest
	Adjusted uint64

	Confirmed bool
	EOF       bool
	Closed    bool
	SentClose bool
}

// Peer plays the remote side of a session. It processes whatever the session wrote each time
// Step is called and answers the way an OpenSSH server would, within the limits set by its
// fields.
type Peer struct {
	Pipe *Pipe

	// Window and PacketSize are granted to channels the session opens.
	Window     uint32
	PacketSize uint32

	// RejectOpen refuses channel opens of the listed types with the given reason.
	RejectOpen map[string]ssh.RejectionReason

	// DenyRequests answers the listed channel requests with a failure.
	DenyRequests map[string]bool

	// DenyForward refuses tcpip-forward requests.
	DenyForward bool

	// BoundPort is reported when the session asks to forward port 0.
	BoundPort uint32

	// NoCloseEcho stops the peer from answering a close with its own close.
	NoCloseEcho bool

	// Forwards holds the active remote forwards; Cancelled the cancelled ones.
	Forwards  []wire.TCPIPForward
	Cancelled []wire.TCPIPForward

	// OpenFailures records refusals of channels the peer opened, by peer id.
	OpenFailures map[uint32]wire.ChannelOpenFailure

	// GlobalReplies records the types of replies to the peer's global requests.
	GlobalReplies []byte

	// Received lists the type of every message processed, in order.
	Received []byte

	channels map[uint32]*Channel
	nextID   uint32
}

// NewPeer creates a peer with a fresh pipe.
func NewPeer() *Peer {
	return &Peer{
		Pipe:         &Pipe{},
		Window:       defaultPeerWindow,
		PacketSize:   defaultPeerPacketSize,
		RejectOpen:   make(map[string]ssh.RejectionReason),
		DenyRequests: make(map[string]bool),
		OpenFailures: make(map[uint32]wire.ChannelOpenFailure),
		channels:     make(map[uint32]*Channel),
		nextID:       100,
	}
}

// Channel returns the channel the session knows by localID, or nil.
func (p *Peer) Channel(localID uint32) *Channel {
	for _, ch := range p.channels {
		if ch.Confirmed && ch.LocalID == localID {
			return ch
		}
	}
	return nil
}

// ChannelByPeerID returns the channel with the peer's id, or nil.
func (p *Peer) ChannelByPeerID(peerID uint32) *Channel {
	return p.channels[peerID]
}

// Count returns how many messages of type typ the peer processed.
func (p *Peer) Count(typ byte) int {
	return bytes.Count(p.Received, []byte{typ})
}

// Step processes every packet the session wrote.
func (p *Peer) Step() error {
	for len(p.Pipe.toPeer) > 0 {
		pkt := p.Pipe.toPeer[0]
		p.Pipe.toPeer = p.Pipe.toPeer[1:]
		if err := p.handle(pkt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) send(msg interface{}) {
	p.Pipe.toSession = append(p.Pipe.toSession, ssh.Marshal(msg))
}

func (p *Peer) channel(peerID uint32) (*Channel, error) {
	ch, ok := p.channels[peerID]
	if !ok {
		return nil, fmt.Errorf("message for unknown channel %d", peerID)
	}
	return ch, nil
}

func (p *Peer) handle(pkt []byte) error {
	typ := wire.Type(pkt)
	p.Received = append(p.Received, typ)

	switch typ {
	case wire.MsgChannelOpen:
		var msg wire.ChannelOpen
		if err := ssh.Unmarshal(pkt, &msg); err != nil {
			return err
		}
		if reason, ok := p.RejectOpen[msg.ChanType]; ok {
			p.send(&wire.ChannelOpenFailure{RecipientID: msg.SenderID, Reason: uint32(reason), Message: "rejected"})
			return nil
		}
		ch := &Channel{
			Type:       msg.ChanType,
			Extra:      msg.Extra,
			LocalID:    msg.SenderID,
			PeerID:     p.nextID,
			RecvWindow: msg.Window,
			SendWindow: p.Window,
			Confirmed:  true,
		}
		p.nextID++
		p.channels[ch.PeerID] = ch
		p.send(&wire.ChannelOpenConfirm{
			RecipientID:   msg.SenderID,
			SenderID:      ch.PeerID,
			Window:        p.Window,
			MaxPacketSize: p.PacketSize,
		})

	case wire.MsgChannelOpenConfirm:
		var msg wire.ChannelOpenConfirm
		if err := ssh.Unmarshal(pkt, &msg); err != nil {
			return err
		}
		ch, err := p.channel(msg.RecipientID)
		if err != nil {
			return err
		}
		ch.LocalID = msg.SenderID
		ch.RecvWindow = msg.Window
		ch.Confirmed = true

	case wire.MsgChannelOpenFailure:
		var msg wire.ChannelOpenFailure
		if err := ssh.Unmarshal(pkt, &msg); err != nil {
			return err
		}
		p.OpenFailures[msg.RecipientID] = msg
		delete(p.channels, msg.RecipientID)

	case wire.MsgChannelWindowAdjust:
		var msg wire.WindowAdjust
		if err := ssh.Unmarshal(pkt, &msg); err != nil {
			return err
		}
		ch, err := p.channel(msg.RecipientID)
		if err != nil {
			return err
		}
		ch.RecvWindow += msg.AdditionalBytes
		ch.Adjusted += uint64(msg.AdditionalBytes)

	case wire.MsgChannelData, wire.MsgChannelExtendedData:
		stream, data, err := wire.DataPayload(pkt)
		if err != nil {
			return err
		}
		id, _ := wire.RecipientID(pkt)
		ch, err := p.channel(id)
		if err != nil {
			return err
		}
		if uint32(len(data)) > ch.SendWindow {
			return fmt.Errorf("channel %d: %d bytes sent with window %d", id, len(data), ch.SendWindow)
		}
		if uint32(len(data)) > p.PacketSize {
			return fmt.Errorf("channel %d: %d bytes exceed packet size %d", id, len(data), p.PacketSize)
		}
		ch.SendWindow -= uint32(len(data))
		ch.Chunks = append(ch.Chunks, len(data))
		if stream == 0 {
			ch.Data.Write(data)
		} else {
			ch.Stderr.Write(data)
		}

	case wire.MsgChannelEOF:
		id, err := wire.RecipientID(pkt)
		if err != nil {
			return err
		}
		ch, err := p.channel(id)
		if err != nil {
			return err
		}
		ch.EOF = true

	case wire.MsgChannelClose:
		id, err := wire.RecipientID(pkt)
		if err != nil {
			return err
		}
		ch, err := p.channel(id)
		if err != nil {
			return err
		}
		ch.Closed = true
		if !ch.SentClose && !p.NoCloseEcho {
			p.send(&wire.ChannelClose{RecipientID: ch.LocalID})
			ch.SentClose = true
		}

	case wire.MsgChannelRequest:
		var msg wire.ChannelRequest
		if err := ssh.Unmarshal(pkt, &msg); err != nil {
			return err
		}
		ch, err := p.channel(msg.RecipientID)
		if err != nil {
			return err
		}
		ch.Requests = append(ch.Requests, msg)
		if msg.WantReply {
			if p.DenyRequests[msg.Request] {
				p.send(&wire.ChannelFailure{RecipientID: ch.LocalID})
			} else {
				p.send(&wire.ChannelSuccess{RecipientID: ch.LocalID})
			}
		}

	case wire.MsgChannelSuccess, wire.MsgChannelFailure:
		// Replies to requests the peer sent; recorded in Received.

	case wire.MsgGlobalRequest:
		var msg wire.GlobalRequest
		if err := ssh.Unmarshal(pkt, &msg); err != nil {
			return err
		}
		return p.handleGlobalRequest(msg)

	case wire.MsgRequestSuccess, wire.MsgRequestFailure:
		p.GlobalReplies = append(p.GlobalReplies, typ)

	default:
		return fmt.Errorf("unexpected message type %d", typ)
	}
	return nil
}

func (p *Peer) handleGlobalRequest(msg wire.GlobalRequest) error {
	switch msg.Type {
	case "tcpip-forward":
		var fwd wire.TCPIPForward
		if err := ssh.Unmarshal(msg.Data, &fwd); err != nil {
			return err
		}
		if p.DenyForward {
			p.send(&wire.RequestFailure{})
			return nil
		}
		if fwd.Port == 0 {
			fwd.Port = p.BoundPort
			p.send(&wire.RequestSuccess{Data: ssh.Marshal(&wire.TCPIPForwardReply{Port: fwd.Port})})
		} else {
			p.send(&wire.RequestSuccess{})
		}
		p.Forwards = append(p.Forwards, fwd)

	case "cancel-tcpip-forward":
		var fwd wire.TCPIPForward
		if err := ssh.Unmarshal(msg.Data, &fwd); err != nil {
			return err
		}
		for i, active := range p.Forwards {
			if active == fwd {
				p.Forwards = append(p.Forwards[:i], p.Forwards[i+1:]...)
				break
			}
		}
		p.Cancelled = append(p.Cancelled, fwd)
		if msg.WantReply {
			p.send(&wire.RequestSuccess{})
		}

	default:
		if msg.WantReply {
			p.send(&wire.RequestFailure{})
		}
	}
	return nil
}

// SendData sends data on the primary stream of the session's channel localID.
func (p *Peer) SendData(localID uint32, data []byte) {
	p.consumeWindow(localID, len(data))
	p.send(&wire.ChannelData{RecipientID: localID, Data: data})
}

// SendExtended sends data on an extended stream of the session's channel localID.
func (p *Peer) SendExtended(localID, dataType uint32, data []byte) {
	p.consumeWindow(localID, len(data))
	p.send(&wire.ChannelExtendedData{RecipientID: localID, DataType: dataType, Data: data})
}

func (p *Peer) consumeWindow(localID uint32, n int) {
	if ch := p.Channel(localID); ch != nil {
		if uint32(n) > ch.RecvWindow {
			ch.RecvWindow = 0
		} else {
			ch.RecvWindow -= uint32(n)
		}
	}
}

// SendEOF sends EOF on the session's channel localID.
func (p *Peer) SendEOF(localID uint32) {
	p.send(&wire.ChannelEOF{RecipientID: localID})
}

// SendClose closes the session's channel localID from the peer's side.
func (p *Peer) SendClose(localID uint32) {
	if ch := p.Channel(localID); ch != nil {
		ch.SentClose = true
	}
	p.send(&wire.ChannelClose{RecipientID: localID})
}

// SendWindowAdjust grants the session n more bytes on channel localID.
func (p *Peer) SendWindowAdjust(localID, n uint32) {
	if ch := p.Channel(localID); ch != nil {
		ch.SendWindow += n
	}
	p.send(&wire.WindowAdjust{RecipientID: localID, AdditionalBytes: n})
}

// SendExitStatus reports the exit status of the process on channel localID.
func (p *Peer) SendExitStatus(localID, status uint32) {
	p.send(&wire.ChannelRequest{
		RecipientID: localID,
		Request:     "exit-status",
		Data:        ssh.Marshal(&wire.ExitStatus{Status: status}),
	})
}

// SendExitSignal reports the signal which killed the process on channel localID.
func (p *Peer) SendExitSignal(localID uint32, signal, message string) {
	p.send(&wire.ChannelRequest{
		RecipientID: localID,
		Request:     "exit-signal",
		Data:        ssh.Marshal(&wire.ExitSignal{Signal: signal, Error: message}),
	})
}

// SendChannelRequest sends an arbitrary request on channel localID.
func (p *Peer) SendChannelRequest(localID uint32, request string, wantReply bool) {
	p.send(&wire.ChannelRequest{RecipientID: localID, Request: request, WantReply: wantReply})
}

// SendGlobalRequest sends a global request.
func (p *Peer) SendGlobalRequest(request string, wantReply bool) {
	p.send(&wire.GlobalRequest{Type: request, WantReply: wantReply})
}

// SendRaw queues b for the session verbatim.
func (p *Peer) SendRaw(b []byte) {
	p.Pipe.toSession = append(p.Pipe.toSession, b)
}

// OpenForwarded opens a forwarded-tcpip channel to the session as if a client connected to
// addr:port from origin. It returns the peer's id for the channel.
func (p *Peer) OpenForwarded(addr string, port uint32, originAddr string, originPort uint32) uint32 {
	return p.OpenChannel("forwarded-tcpip", ssh.Marshal(&wire.TCPIPChannel{
		Addr:       addr,
		Port:       port,
		OriginAddr: originAddr,
		OriginPort: originPort,
	}))
}

// OpenChannel opens a channel of any type to the session and returns the peer's id for it.
func (p *Peer) OpenChannel(chanType string, extra []byte) uint32 {
	ch := &Channel{
		Type:       chanType,
		Extra:      extra,
		PeerID:     p.nextID,
		SendWindow: p.Window,
	}
	p.nextID++
	p.channels[ch.PeerID] = ch
	p.send(&wire.ChannelOpen{
		ChanType:      chanType,
		SenderID:      ch.PeerID,
		Window:        p.Window,
		MaxPacketSize: p.PacketSize,
		Extra:         extra,
	})
	return ch.PeerID
}
