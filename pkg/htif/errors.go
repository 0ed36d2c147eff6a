package htif

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrIO              = errors.New("htif: io error")
	ErrBadSeqno        = errors.New("htif: bad sequence number")
	ErrPacket          = errors.New("htif: bad packet")
	ErrFraming         = errors.New("htif: short packet")
	ErrPayloadTooLarge = errors.New("htif: payload too large")
	ErrMisaligned      = errors.New("htif: misaligned transfer")
)

const (
	ReasonBadPayloadSize = "bad payload size"
	ReasonNack           = "nack"
	ReasonIllegalCommand = "illegal command"
)

// IoError is a transport failure. The session should not be reused after one.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("htif: %s failed", e.Op)
	}
	return fmt.Sprintf("htif: %s failed: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

func (e *IoError) Is(target error) bool { return target == ErrIO }

// BadSeqnoError means the channel has desynchronized.
type BadSeqnoError struct {
	Expected uint16
	Received uint16
}

func (e *BadSeqnoError) Error() string {
	return fmt.Sprintf("htif: bad seqno: expected %d, received %d", e.Expected, e.Received)
}

func (e *BadSeqnoError) Is(target error) bool { return target == ErrBadSeqno }

type PacketError struct {
	Reason  string
	Command Command
}

func (e *PacketError) Error() string {
	return fmt.Sprintf("htif: %s (response %v)", e.Reason, e.Command)
}

func (e *PacketError) Is(target error) bool { return target == ErrPacket }

type FramingError struct {
	Len int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("htif: packet of %d bytes is shorter than the %d byte header", e.Len, HeaderSize)
}

func (e *FramingError) Is(target error) bool { return target == ErrFraming }

// IsFatal reports whether err leaves the session unusable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIO) || errors.Is(err, ErrBadSeqno)
}

func shortWrite(n, want int) error {
	return errors.Newf("short write: %d of %d bytes", n, want)
}
