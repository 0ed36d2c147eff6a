package htif

import (
	"net"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Channel is a duplex byte stream owned by exactly one Session. Send must
// push the whole buffer in one write; Receive performs a single read and
// returns whatever it got, without looping.
type Channel interface {
	Send(buf []byte) error
	Receive(maxLen int) ([]byte, error)
}

// FDChannel talks over a pair of raw file descriptors, e.g. the pipes to a
// co-located simulator process.
type FDChannel struct {
	fdin  int
	fdout int
}

func NewFDChannel(fdin, fdout int) *FDChannel {
	return &FDChannel{
		fdin:  fdin,
		fdout: fdout,
	}
}

func (c *FDChannel) Send(buf []byte) error {
	n, err := unix.Write(c.fdout, buf)
	if err != nil {
		return &IoError{Op: "write", Err: err}
	}
	if n < len(buf) {
		return &IoError{Op: "write", Err: shortWrite(n, len(buf))}
	}
	return nil
}

func (c *FDChannel) Receive(maxLen int) ([]byte, error) {
	buf := make([]byte, maxLen)
	for {
		n, err := unix.Read(c.fdin, buf)
		// an interrupted read transferred nothing, so retrying is still one read
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, &IoError{Op: "read", Err: err}
		}
		return buf[:n], nil
	}
}

func (c *FDChannel) Close() error {
	if c.fdin == c.fdout {
		return unix.Close(c.fdin)
	}
	return multierr.Combine(unix.Close(c.fdin), unix.Close(c.fdout))
}

// ConnChannel wraps a stream connection. With a non-zero read timeout every
// Receive is bounded by a deadline; otherwise it blocks until the peer answers.
type ConnChannel struct {
	conn        net.Conn
	readTimeout time.Duration
}

func NewConnChannel(conn net.Conn, readTimeout time.Duration) *ConnChannel {
	return &ConnChannel{
		conn:        conn,
		readTimeout: readTimeout,
	}
}

func (c *ConnChannel) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *ConnChannel) Send(buf []byte) error {
	n, err := c.conn.Write(buf)
	if err != nil {
		return &IoError{Op: "write", Err: err}
	}
	if n < len(buf) {
		return &IoError{Op: "write", Err: shortWrite(n, len(buf))}
	}
	return nil
}

func (c *ConnChannel) Receive(maxLen int) ([]byte, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, &IoError{Op: "set read deadline", Err: err}
		}
	}
	buf := make([]byte, maxLen)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, &IoError{Op: "read", Err: err}
	}
	return buf[:n], nil
}

func (c *ConnChannel) Close() error {
	return c.conn.Close()
}
