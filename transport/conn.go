package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

const (
	defaultPollTimeout   = time.Millisecond
	defaultMaxPacketSize = 256 * 1024
	frameHeaderLen       = 4
)

// ConnConfig configures a Conn. The zero value is usable.
type ConnConfig struct {
	// PollTimeout bounds how long a single read or write on the underlying connection may wait
	// before the operation reports ErrWouldBlock. Defaults to 1ms.
	PollTimeout time.Duration

	// MaxPacketSize is the largest packet accepted in either direction. Defaults to 256 KiB.
	MaxPacketSize int
}

func (cfg ConnConfig) withDefaults() ConnConfig {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = defaultMaxPacketSize
	}
	return cfg
}

// Conn is a Transport over a stream connection. Each packet is framed with a big-endian uint32
// length. Conn does no encryption; it expects the connection to be secured already (for example
// a TLS connection or a loopback socket).
//
// Partially read frames and partially written frames are kept on the Conn between calls, so a
// poll timeout never loses or duplicates bytes. A Conn is not safe for concurrent use.
type Conn struct {
	conn net.Conn
	cfg  ConnConfig

	// Inbound frame being assembled.
	hdr      [frameHeaderLen]byte
	hdrN     int
	payload  []byte
	payloadN int

	// Outbound bytes accepted but not yet written.
	wbuf []byte
	wpos int

	// Sticky I/O failure.
	err error

	closeOnce *once
}

// NewConn wraps conn. The Conn owns conn from this point on and sets its deadlines.
func NewConn(conn net.Conn, cfg ConnConfig) *Conn {
	return &Conn{
		conn:      conn,
		cfg:       cfg.withDefaults(),
		closeOnce: newOnce(),
	}
}

// WritePacket implements Transport.
func (c *Conn) WritePacket(p []byte) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	if len(p) > c.cfg.MaxPacketSize {
		return fmt.Errorf("packet of %d bytes exceeds maximum of %d", len(p), c.cfg.MaxPacketSize)
	}
	if err := c.flush(); err != nil {
		return err
	}
	c.wbuf = binary.BigEndian.AppendUint32(c.wbuf[:0], uint32(len(p)))
	c.wbuf = append(c.wbuf, p...)
	c.wpos = 0
	// The packet is accepted at this point; whatever remains is written by later calls.
	if err := c.flush(); err != nil && !errors.Is(err, ErrWouldBlock) {
		return err
	}
	return nil
}

// ReadPacket implements Transport. It also makes progress on any buffered outbound bytes.
func (c *Conn) ReadPacket() ([]byte, error) {
	if err := c.checkUsable(); err != nil {
		return nil, err
	}
	if err := c.flush(); err != nil && !errors.Is(err, ErrWouldBlock) {
		return nil, err
	}

	for {
		if c.payload == nil {
			if c.hdrN < frameHeaderLen {
				n, err := c.read(c.hdr[c.hdrN:])
				c.hdrN += n
				if err != nil {
					return nil, err
				}
				continue
			}
			size := binary.BigEndian.Uint32(c.hdr[:])
			if size == 0 || uint64(size) > uint64(c.cfg.MaxPacketSize) {
				c.err = fmt.Errorf("invalid frame length %d", size)
				return nil, c.err
			}
			c.payload = make([]byte, size)
			c.payloadN = 0
		}

		n, err := c.read(c.payload[c.payloadN:])
		c.payloadN += n
		if c.payloadN == len(c.payload) {
			p := c.payload
			c.payload, c.payloadN, c.hdrN = nil, 0, 0
			return p, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Flush writes buffered outbound bytes. It returns ErrWouldBlock if some remain.
func (c *Conn) Flush() error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	return c.flush()
}

// Buffered returns the number of accepted outbound bytes not yet written.
func (c *Conn) Buffered() int {
	return len(c.wbuf) - c.wpos
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	return c.closeOnce.do(c.conn.Close)
}

func (c *Conn) checkUsable() error {
	if c.closeOnce.isDone() {
		return net.ErrClosed
	}
	return c.err
}

func (c *Conn) read(b []byte) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PollTimeout)); err != nil {
		c.err = fmt.Errorf("failed to set read deadline: %w", err)
		return 0, c.err
	}
	n, err := c.conn.Read(b)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if n > 0 {
			return n, nil
		}
		return 0, ErrWouldBlock
	}
	c.err = fmt.Errorf("failed to read from connection: %w", err)
	return n, c.err
}

func (c *Conn) flush() error {
	for c.wpos < len(c.wbuf) {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.PollTimeout)); err != nil {
			c.err = fmt.Errorf("failed to set write deadline: %w", err)
			return c.err
		}
		n, err := c.conn.Write(c.wbuf[c.wpos:])
		c.wpos += n
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if c.wpos < len(c.wbuf) {
					return ErrWouldBlock
				}
				break
			}
			c.err = fmt.Errorf("failed to write to connection: %w", err)
			return c.err
		}
	}
	c.wbuf = c.wbuf[:0]
	c.wpos = 0
	return nil
}
