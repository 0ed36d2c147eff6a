package htif

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// Encode serializes p. Requests carry a payload only for WriteMem and
// WriteControlReg. Acks also carry theirs so the target side can return read
// data. Every other packet is exactly HeaderSize bytes long.
func Encode(p *Packet) ([]byte, error) {
	if p == nil {
		return nil, errors.New("cannot encode nil packet")
	}

	size := HeaderSize
	if p.Command.HasPayload() {
		if int(p.DataSize) > len(p.Data) {
			return nil, errors.Wrapf(ErrPayloadTooLarge, "%v packet declares %d bytes but carries %d",
				p.Command, p.DataSize, len(p.Data))
		}
		size += int(p.DataSize)
	}

	buf := make([]byte, size)
	offset := 0

	binary.LittleEndian.PutUint16(buf[offset:], uint16(p.Command))
	offset += 2

	binary.LittleEndian.PutUint16(buf[offset:], p.Seqno)
	offset += 2

	binary.LittleEndian.PutUint32(buf[offset:], p.DataSize)
	offset += 4

	binary.LittleEndian.PutUint64(buf[offset:], p.Addr)
	offset += 8

	if p.Command.HasPayload() {
		copy(buf[offset:], p.Data[:p.DataSize])
	}
	return buf, nil
}

// Decode parses one packet out of buf. Bytes after the header become the
// payload regardless of the declared data size.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, &FramingError{Len: len(buf)}
	}

	var p Packet
	offset := 0

	p.Command = Command(binary.LittleEndian.Uint16(buf[offset:]))
	offset += 2

	p.Seqno = binary.LittleEndian.Uint16(buf[offset:])
	offset += 2

	p.DataSize = binary.LittleEndian.Uint32(buf[offset:])
	offset += 4

	p.Addr = binary.LittleEndian.Uint64(buf[offset:])
	offset += 8

	if len(buf) > offset {
		p.Data = make([]byte, len(buf)-offset)
		copy(p.Data, buf[offset:])
	}
	return &p, nil
}
