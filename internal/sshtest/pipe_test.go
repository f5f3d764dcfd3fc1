package sshtest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/getlantern/sshmux/internal/wire"
	"github.com/getlantern/sshmux/transport"
)

func TestPipe(t *testing.T) {
	p := &Pipe{BlockWrites: 1, BlockReads: 1}

	require.ErrorIs(t, p.WritePacket([]byte{1}), transport.ErrWouldBlock)
	require.NoError(t, p.WritePacket([]byte{2}))
	require.Equal(t, 1, p.Writes)
	require.Equal(t, 1, p.PendingToPeer())

	p.toSession = append(p.toSession, []byte{3})
	_, err := p.ReadPacket()
	require.ErrorIs(t, err, transport.ErrWouldBlock)
	b, err := p.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte{3}, b)
	_, err = p.ReadPacket()
	require.ErrorIs(t, err, transport.ErrWouldBlock)

	broken := errors.New("broken")
	p.ReadErr = broken
	_, err = p.ReadPacket()
	require.ErrorIs(t, err, broken)

	require.NoError(t, p.Close())
	require.True(t, p.Closed())
	require.ErrorIs(t, p.WritePacket([]byte{4}), ErrPipeClosed)
}

func TestPeerOpen(t *testing.T) {
	peer := NewPeer()
	peer.RejectOpen["x11"] = ssh.Prohibited
	require.NoError(t, peer.Pipe.WritePacket(ssh.Marshal(&wire.ChannelOpen{ChanType: "session", SenderID: 7, Window: 1000, MaxPacketSize: 100})))
	require.NoError(t, peer.Pipe.WritePacket(ssh.Marshal(&wire.ChannelOpen{ChanType: "x11", SenderID: 8, Window: 1000, MaxPacketSize: 100})))
	require.NoError(t, peer.Step())
	require.Equal(t, 2, peer.Count(wire.MsgChannelOpen))

	b, err := peer.Pipe.ReadPacket()
	require.NoError(t, err)
	var confirm wire.ChannelOpenConfirm
	require.NoError(t, ssh.Unmarshal(b, &confirm))
	require.Equal(t, uint32(7), confirm.RecipientID)

	ch := peer.Channel(7)
	require.NotNil(t, ch)
	require.Equal(t, "session", ch.Type)
	require.Equal(t, confirm.SenderID, ch.PeerID)
	require.Equal(t, uint32(1000), ch.RecvWindow)
	require.Equal(t, peer.Window, ch.SendWindow)

	b, err = peer.Pipe.ReadPacket()
	require.NoError(t, err)
	var failure wire.ChannelOpenFailure
	require.NoError(t, ssh.Unmarshal(b, &failure))
	require.Equal(t, uint32(8), failure.RecipientID)
	require.Equal(t, uint32(ssh.Prohibited), failure.Reason)
	require.Nil(t, peer.Channel(8))
}
