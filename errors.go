package sshmux

import (
	"errors"

	"github.com/getlantern/sshmux/transport"
)

// ErrWouldBlock signals that an operation cannot make progress until the transport can. It is
// not a failure: call the same operation again, with the same arguments, later.
var ErrWouldBlock = transport.ErrWouldBlock

var (
	// ErrAllocation is returned when no channel id can be allocated.
	ErrAllocation = errors.New("channel allocation failed")

	// ErrTransport wraps failures of the underlying transport. A session which has seen a
	// transport failure is broken and returns an ErrTransport error from every operation.
	ErrTransport = errors.New("transport failure")

	// ErrRequestDenied is returned when the peer answers a request with a failure message.
	ErrRequestDenied = errors.New("request denied")

	// ErrChannelFailure is returned when the peer refuses to open a channel. The error also
	// wraps an *ssh.OpenChannelError carrying the peer's reason.
	ErrChannelFailure = errors.New("channel open failed")

	// ErrProtocol is returned for unexpected or malformed replies.
	ErrProtocol = errors.New("protocol violation")

	// ErrChannelClosed is returned when writing to a channel after it was closed locally.
	ErrChannelClosed = errors.New("channel closed")

	// ErrChannelUnknown is returned by Accept when no channel is pending and the transport
	// failed.
	ErrChannelUnknown = errors.New("channel unknown")

	// ErrChannelFreed is returned by operations on a freed channel.
	ErrChannelFreed = errors.New("channel freed")

	// ErrListenerClosed is returned by operations on a cancelled listener.
	ErrListenerClosed = errors.New("listener closed")

	// ErrInvalidArgument is returned when an operation is invoked in a state which does not allow
	// it, for example WaitClosed before EOF.
	ErrInvalidArgument = errors.New("invalid argument")
)
