// Package transport defines the packet transport consumed by an sshmux session, and provides a
// framed implementation over a net.Conn.
package transport

import "errors"

// ErrWouldBlock is returned by non-blocking operations which cannot make progress yet. It is not
// a failure: the caller should retry the same call later.
var ErrWouldBlock = errors.New("operation would block")

// Transport sends and receives whole SSH connection-layer packets over an already keyed and
// authenticated connection.
//
// Implementations must be non-blocking. WritePacket either accepts the entire packet or returns
// ErrWouldBlock having accepted nothing; an accepted packet may still be buffered internally and
// is flushed by later calls. ReadPacket returns exactly one packet or ErrWouldBlock. Any other
// error is a transport failure.
type Transport interface {
	WritePacket(p []byte) error
	ReadPacket() ([]byte, error)
}
