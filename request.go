package sshmux

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/getlantern/sshmux/internal/wire"
)

// DefaultX11AuthProtocol is used by RequestX11 when no protocol is given.
const DefaultX11AuthProtocol = "MIT-MAGIC-COOKIE-1"

// request drives a channel request through its states. build is called only when the request
// is not already in flight. Without wantReply the request completes once sent.
func (c *Channel) request(op *pendingMessage, name string, wantReply bool, build func() interface{}) error {
	if err := c.usable(); err != nil {
		return err
	}
	s := c.session

	if op.state == stateIdle {
		var payload []byte
		if build != nil {
			payload = ssh.Marshal(build())
		}
		op.packet = ssh.Marshal(&wire.ChannelRequest{
			RecipientID: c.remoteID,
			Request:     name,
			WantReply:   wantReply,
			Data:        payload,
		})
		op.state = stateCreated
		s.log.Debug("channel request", zap.Uint32("local", c.localID), zap.String("request", name))
	}

	if op.state == stateCreated {
		if err := s.writePacket(op.packet); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return err
			}
			op.reset()
			return fmt.Errorf("%w: failed to send %s request: %w", ErrRequestDenied, name, err)
		}
		if !wantReply {
			op.reset()
			return nil
		}
		op.state = stateSent
	}

	p, err := s.require(requestReplyTypes, true, c.localID)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return err
		}
		op.reset()
		return fmt.Errorf("%w: failed waiting for %s reply: %w", ErrRequestDenied, name, err)
	}
	op.reset()
	if p.typ != wire.MsgChannelSuccess {
		return fmt.Errorf("%w: %s", ErrRequestDenied, name)
	}
	return nil
}

// Setenv asks the peer to set an environment variable for the process started on this channel.
func (c *Channel) Setenv(name, value string) error {
	return c.request(&c.setenvOp, "env", true, func() interface{} {
		return &wire.Env{Name: name, Value: value}
	})
}

// RequestPTY asks the peer to allocate a pseudo-terminal. Size is given in characters and
// pixels; either may be zero.
func (c *Channel) RequestPTY(term string, modes ssh.TerminalModes, cols, rows, widthPx, heightPx uint32) error {
	return c.request(&c.ptyOp, "pty-req", true, func() interface{} {
		return &wire.PtyRequest{
			Term:     term,
			Columns:  cols,
			Rows:     rows,
			Width:    widthPx,
			Height:   heightPx,
			Modelist: wire.EncodeModes(modes),
		}
	})
}

// ResizePTY tells the peer the terminal size changed. No reply is expected.
func (c *Channel) ResizePTY(cols, rows, widthPx, heightPx uint32) error {
	return c.request(&c.resizeOp, "window-change", false, func() interface{} {
		return &wire.WindowChange{Columns: cols, Rows: rows, Width: widthPx, Height: heightPx}
	})
}

// RequestX11 asks the peer to forward X11 connections. An empty protocol defaults to
// DefaultX11AuthProtocol and an empty cookie to 32 random hex digits.
func (c *Channel) RequestX11(singleConnection bool, protocol, cookie string, screen uint32) error {
	return c.request(&c.x11Op, "x11-req", true, func() interface{} {
		if protocol == "" {
			protocol = DefaultX11AuthProtocol
		}
		if cookie == "" {
			cookie = randomCookie()
		}
		return &wire.X11Request{
			SingleConnection: singleConnection,
			AuthProtocol:     protocol,
			AuthCookie:       cookie,
			ScreenNumber:     screen,
		}
	})
}

func randomCookie() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(fmt.Sprintf("failed to generate X11 cookie: %v", err))
	}
	return hex.EncodeToString(b)
}

// ProcessStartup asks the peer to start a process on this channel. request is "shell", "exec"
// or "subsystem"; message is the command or subsystem name and is omitted when empty.
func (c *Channel) ProcessStartup(request, message string) error {
	var build func() interface{}
	if message != "" {
		build = func() interface{} { return &wire.Command{Command: message} }
	}
	return c.request(&c.processOp, request, true, build)
}

// Shell starts the user's default shell.
func (c *Channel) Shell() error {
	return c.ProcessStartup("shell", "")
}

// Exec runs command.
func (c *Channel) Exec(command string) error {
	return c.ProcessStartup("exec", command)
}

// Subsystem starts the named subsystem, such as "sftp".
func (c *Channel) Subsystem(name string) error {
	return c.ProcessStartup("subsystem", name)
}
