// Package sshtest provides an in-memory transport and a scripted SSH peer for exercising
// sessions without a network.
package sshtest

import (
	"errors"

	"github.com/getlantern/sshmux/transport"
)

// ErrPipeClosed is returned by a closed Pipe.
var ErrPipeClosed = errors.New("pipe closed")

// Pipe is a non-blocking in-memory transport.Transport. The session side uses WritePacket and
// ReadPacket; the peer side is driven by a Peer. Reads report ErrWouldBlock whenever nothing is
// queued, so a session never waits on a Pipe.
type Pipe struct {
	toPeer    [][]byte
	toSession [][]byte

	// BlockWrites makes the next BlockWrites session writes return ErrWouldBlock.
	BlockWrites int

	// BlockReads makes the next BlockReads session reads return ErrWouldBlock.
	BlockReads int

	// WriteErr and ReadErr, if set, are returned by every session write or read.
	WriteErr error
	ReadErr  error

	// Writes counts packets accepted from the session.
	Writes int

	closed bool
}

// WritePacket implements transport.Transport.
func (p *Pipe) WritePacket(b []byte) error {
	if p.closed {
		return ErrPipeClosed
	}
	if p.WriteErr != nil {
		return p.WriteErr
	}
	if p.BlockWrites > 0 {
		p.BlockWrites--
		return transport.ErrWouldBlock
	}
	p.toPeer = append(p.toPeer, append([]byte(nil), b...))
	p.Writes++
	return nil
}

// ReadPacket implements transport.Transport.
func (p *Pipe) ReadPacket() ([]byte, error) {
	if p.closed {
		return nil, ErrPipeClosed
	}
	if p.ReadErr != nil {
		return nil, p.ReadErr
	}
	if p.BlockReads > 0 {
		p.BlockReads--
		return nil, transport.ErrWouldBlock
	}
	if len(p.toSession) == 0 {
		return nil, transport.ErrWouldBlock
	}
	b := p.toSession[0]
	p.toSession = p.toSession[1:]
	return b, nil
}

// Close marks the pipe closed.
func (p *Pipe) Close() error {
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *Pipe) Closed() bool {
	return p.closed
}

// PendingToPeer returns the number of session packets the peer has not processed.
func (p *Pipe) PendingToPeer() int {
	return len(p.toPeer)
}

// PendingToSession returns the number of peer packets the session has not read.
func (p *Pipe) PendingToSession() int {
	return len(p.toSession)
}
