package htif

import "fmt"

type Command uint16

const (
	CommandReadMem Command = iota
	CommandWriteMem
	CommandReadControlReg
	CommandWriteControlReg
	CommandStart
	CommandStop
	CommandAck
	CommandNack
)

const (
	// HeaderSize is command(2) + seqno(2) + data_size(4) + addr(8).
	HeaderSize = 2 + 2 + 4 + 8
)

func (c Command) String() string {
	switch c {
	case CommandReadMem:
		return "read-mem"
	case CommandWriteMem:
		return "write-mem"
	case CommandReadControlReg:
		return "read-cr"
	case CommandWriteControlReg:
		return "write-cr"
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandAck:
		return "ack"
	case CommandNack:
		return "nack"
	}
	return fmt.Sprintf("unknown(%d)", uint16(c))
}

// IsWrite reports whether the command carries a payload on the wire.
func (c Command) IsWrite() bool {
	return c == CommandWriteMem || c == CommandWriteControlReg
}

// HasPayload reports whether Encode appends the packet data. Write requests
// do, and so do acks sent by the target; everything else is header only.
func (c Command) HasPayload() bool {
	return c.IsWrite() || c == CommandAck
}

func (c Command) IsRequest() bool {
	return c <= CommandStop
}

// Packet is one HTIF message. For responses DataSize is the value declared in
// the header while Data holds whatever actually followed the header.
type Packet struct {
	Command  Command
	Seqno    uint16
	DataSize uint32
	Addr     uint64
	Data     []byte
}
