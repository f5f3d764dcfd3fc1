// Package wire defines the SSH connection protocol messages (RFC 4254) exchanged by a session.
//
// Messages are encoded with ssh.Marshal and decoded with ssh.Unmarshal; the first field of each
// message struct carries the message number in its sshtype tag.
package wire

import (
	"encoding/binary"
	"errors"
	"sort"

	"golang.org/x/crypto/ssh"
)

// Message numbers.
const (
	MsgGlobalRequest       = 80
	MsgRequestSuccess      = 81
	MsgRequestFailure      = 82
	MsgChannelOpen         = 90
	MsgChannelOpenConfirm  = 91
	MsgChannelOpenFailure  = 92
	MsgChannelWindowAdjust = 93
	MsgChannelData         = 94
	MsgChannelExtendedData = 95
	MsgChannelEOF          = 96
	MsgChannelClose        = 97
	MsgChannelRequest      = 98
	MsgChannelSuccess      = 99
	MsgChannelFailure      = 100
)

// ExtendedDataStderr is the data type code used for standard error.
const ExtendedDataStderr = 1

// ErrShortPacket is returned when a packet is too short to carry the field being read.
var ErrShortPacket = errors.New("short packet")

// GlobalRequest is SSH_MSG_GLOBAL_REQUEST, RFC 4254 section 4.
type GlobalRequest struct {
	Type      string `sshtype:"80"`
	WantReply bool
	Data      []byte `ssh:"rest"`
}

// RequestSuccess is SSH_MSG_REQUEST_SUCCESS, RFC 4254 section 4.
type RequestSuccess struct {
	Data []byte `ssh:"rest" sshtype:"81"`
}

// RequestFailure is SSH_MSG_REQUEST_FAILURE, RFC 4254 section 4.
type RequestFailure struct {
	Data []byte `ssh:"rest" sshtype:"82"`
}

// ChannelOpen is SSH_MSG_CHANNEL_OPEN, RFC 4254 section 5.1.
type ChannelOpen struct {
	ChanType      string `sshtype:"90"`
	SenderID      uint32
	Window        uint32
	MaxPacketSize uint32
	Extra         []byte `ssh:"rest"`
}

// ChannelOpenConfirm is SSH_MSG_CHANNEL_OPEN_CONFIRMATION, RFC 4254 section 5.1.
type ChannelOpenConfirm struct {
	RecipientID   uint32 `sshtype:"91"`
	SenderID      uint32
	Window        uint32
	MaxPacketSize uint32
	Extra         []byte `ssh:"rest"`
}

// ChannelOpenFailure is SSH_MSG_CHANNEL_OPEN_FAILURE, RFC 4254 section 5.1.
type ChannelOpenFailure struct {
	RecipientID uint32 `sshtype:"92"`
	Reason      uint32
	Message     string
	Language    string
}

// WindowAdjust is SSH_MSG_CHANNEL_WINDOW_ADJUST, RFC 4254 section 5.2.
type WindowAdjust struct {
	RecipientID     uint32 `sshtype:"93"`
	AdditionalBytes uint32
}

// ChannelData is SSH_MSG_CHANNEL_DATA, RFC 4254 section 5.2.
type ChannelData struct {
	RecipientID uint32 `sshtype:"94"`
	Data        []byte
}

// ChannelExtendedData is SSH_MSG_CHANNEL_EXTENDED_DATA, RFC 4254 section 5.2.
type ChannelExtendedData struct {
	RecipientID uint32 `sshtype:"95"`
	DataType    uint32
	Data        []byte
}

// ChannelEOF is SSH_MSG_CHANNEL_EOF, RFC 4254 section 5.3.
type ChannelEOF struct {
	RecipientID uint32 `sshtype:"96"`
}

// ChannelClose is SSH_MSG_CHANNEL_CLOSE, RFC 4254 section 5.3.
type ChannelClose struct {
	RecipientID uint32 `sshtype:"97"`
}

// ChannelRequest is SSH_MSG_CHANNEL_REQUEST, RFC 4254 section 5.4.
type ChannelRequest struct {
	RecipientID uint32 `sshtype:"98"`
	Request     string
	WantReply   bool
	Data        []byte `ssh:"rest"`
}

// ChannelSuccess is SSH_MSG_CHANNEL_SUCCESS, RFC 4254 section 5.4.
type ChannelSuccess struct {
	RecipientID uint32 `sshtype:"99"`
}

// ChannelFailure is SSH_MSG_CHANNEL_FAILURE, RFC 4254 section 5.4.
type ChannelFailure struct {
	RecipientID uint32 `sshtype:"100"`
}

// Request payloads.

// Env is the "env" request payload, RFC 4254 section 6.4.
type Env struct {
	Name  string
	Value string
}

// PtyRequest is the "pty-req" request payload, RFC 4254 section 6.2.
type PtyRequest struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

// WindowChange is the "window-change" request payload, RFC 4254 section 6.7.
type WindowChange struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

// X11Request is the "x11-req" request payload, RFC 4254 section 6.3.1.
type X11Request struct {
	SingleConnection bool
	AuthProtocol     string
	AuthCookie       string
	ScreenNumber     uint32
}

// Command is the payload of both "exec" and "subsystem" requests.
type Command struct {
	Command string
}

// ExitStatus is the "exit-status" request payload, RFC 4254 section 6.10.
type ExitStatus struct {
	Status uint32
}

// ExitSignal is the "exit-signal" request payload, RFC 4254 section 6.10.
type ExitSignal struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

// TCPIPForward is the "tcpip-forward" and "cancel-tcpip-forward" request data, RFC 4254
// section 7.1.
type TCPIPForward struct {
	Addr string
	Port uint32
}

// TCPIPForwardReply carries the port the peer bound when port 0 was requested.
type TCPIPForwardReply struct {
	Port uint32
}

// TCPIPChannel is the extra data of "direct-tcpip" and "forwarded-tcpip" channel opens.
type TCPIPChannel struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

const ttyOpEnd = 0

// EncodeModes serializes terminal modes as an encoded modelist, ordered by opcode.
func EncodeModes(modes ssh.TerminalModes) string {
	opcodes := make([]int, 0, len(modes))
	for k := range modes {
		opcodes = append(opcodes, int(k))
	}
	sort.Ints(opcodes)

	var tm []byte
	for _, op := range opcodes {
		kv := struct {
			Key byte
			Val uint32
		}{byte(op), modes[uint8(op)]}
		tm = append(tm, ssh.Marshal(&kv)...)
	}
	return string(append(tm, ttyOpEnd))
}

// Type returns the message number of p, or 0 for an empty packet.
func Type(p []byte) byte {
	if len(p) == 0 {
		return 0
	}
	return p[0]
}

// RecipientID reads the channel id which immediately follows the message number in every
// channel message.
func RecipientID(p []byte) (uint32, error) {
	if len(p) < 5 {
		return 0, ErrShortPacket
	}
	return binary.BigEndian.Uint32(p[1:5]), nil
}

// DataPayload returns the payload of a DATA or EXTENDED_DATA packet without copying, together
// with its stream id (0 for DATA).
func DataPayload(p []byte) (stream uint32, data []byte, err error) {
	switch Type(p) {
	case MsgChannelData:
		if len(p) < 9 {
			return 0, nil, ErrShortPacket
		}
		n := binary.BigEndian.Uint32(p[5:9])
		if uint64(len(p)-9) < uint64(n) {
			return 0, nil, ErrShortPacket
		}
		return 0, p[9 : 9+n], nil
	case MsgChannelExtendedData:
		if len(p) < 13 {
			return 0, nil, ErrShortPacket
		}
		stream = binary.BigEndian.Uint32(p[5:9])
		n := binary.BigEndian.Uint32(p[9:13])
		if uint64(len(p)-13) < uint64(n) {
			return 0, nil, ErrShortPacket
		}
		return stream, p[13 : 13+n], nil
	}
	return 0, nil, errors.New("not a data packet")
}
