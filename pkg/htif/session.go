package htif

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/longhorn/htif/pkg/types"
	"github.com/longhorn/htif/pkg/util"
)

// anySize disables the expected payload size check for an Ack.
const anySize = -1

type SessionConfig struct {
	MaxDataSize   int
	DataAlign     int
	RegisterWidth int
	Metrics       *Metrics
}

// Session is the client end of the protocol. It keeps exactly one request
// outstanding and is not safe for concurrent use; give every caller its own
// Session over its own Channel.
type Session struct {
	ch            Channel
	seqno         uint16
	maxDataSize   int
	dataAlign     int
	registerWidth int
	metrics       *Metrics
	log           *logrus.Entry
}

func NewSession(ch Channel, cfg SessionConfig) *Session {
	if cfg.MaxDataSize <= 0 {
		cfg.MaxDataSize = types.DefaultMaxDataSize
	}
	if cfg.DataAlign <= 0 {
		cfg.DataAlign = types.DefaultDataAlign
	}
	if cfg.RegisterWidth <= 0 {
		cfg.RegisterWidth = types.RegisterWidth
	}
	log := logrus.WithField("session", util.UUID())

	// every chunk boundary must stay aligned
	if rem := cfg.MaxDataSize % cfg.DataAlign; rem != 0 {
		aligned := max(cfg.MaxDataSize-rem, cfg.DataAlign)
		log.Warnf("Max data size %d is not a multiple of alignment %d, using %d",
			cfg.MaxDataSize, cfg.DataAlign, aligned)
		cfg.MaxDataSize = aligned
	}
	return &Session{
		ch:            ch,
		seqno:         1,
		maxDataSize:   cfg.MaxDataSize,
		dataAlign:     cfg.DataAlign,
		registerWidth: cfg.RegisterWidth,
		metrics:       cfg.Metrics,
		log:           log,
	}
}

// NextSeqno returns the sequence number the next request will carry.
func (s *Session) NextSeqno() uint16 {
	return s.seqno
}

func (s *Session) ChunkAlignment() int {
	return s.dataAlign
}

func (s *Session) MaxDataSize() int {
	return s.maxDataSize
}

func (s *Session) Start() error {
	if _, err := s.exchange(&Packet{Command: CommandStart}, 0); err != nil {
		return errors.Wrap(err, "failed to start target")
	}
	return nil
}

func (s *Session) Stop() error {
	if _, err := s.exchange(&Packet{Command: CommandStop}, 0); err != nil {
		return errors.Wrap(err, "failed to stop target")
	}
	return nil
}

// ReadChunk fills dst from the target starting at addr, splitting the
// transfer into MaxDataSize exchanges.
func (s *Session) ReadChunk(addr uint64, dst []byte, kind types.RegionKind) error {
	cmd, err := s.requestCommand(kind, false)
	if err != nil {
		return err
	}
	if err := s.checkAlignment(addr, len(dst), kind); err != nil {
		return err
	}

	offset := 0
	for offset < len(dst) {
		size := min(len(dst)-offset, s.maxDataSize)
		req := &Packet{
			Command:  cmd,
			DataSize: uint32(size),
			Addr:     addr + uint64(offset),
		}
		resp, err := s.exchange(req, size)
		if err != nil {
			return errors.Wrapf(err, "failed to read %v at 0x%x", kind, req.Addr)
		}
		copy(dst[offset:offset+size], resp.Data)
		offset += size
	}
	return nil
}

// WriteChunk sends src to the target starting at addr. The response payload
// of each exchange is ignored.
func (s *Session) WriteChunk(addr uint64, src []byte, kind types.RegionKind) error {
	cmd, err := s.requestCommand(kind, true)
	if err != nil {
		return err
	}
	if err := s.checkAlignment(addr, len(src), kind); err != nil {
		return err
	}

	offset := 0
	for offset < len(src) {
		size := min(len(src)-offset, s.maxDataSize)
		req := &Packet{
			Command:  cmd,
			DataSize: uint32(size),
			Addr:     addr + uint64(offset),
			Data:     src[offset : offset+size],
		}
		if _, err := s.exchange(req, anySize); err != nil {
			return errors.Wrapf(err, "failed to write %v at 0x%x", kind, req.Addr)
		}
		offset += size
	}
	return nil
}

func (s *Session) ReadMemory(addr uint64, dst []byte) error {
	return s.ReadChunk(addr, dst, types.RegionMemory)
}

func (s *Session) WriteMemory(addr uint64, src []byte) error {
	return s.WriteChunk(addr, src, types.RegionMemory)
}

// ControlRegisterAddr builds the composite identifier of a control register.
func ControlRegisterAddr(coreID, regNum uint32) uint64 {
	return uint64(coreID)<<32 | uint64(regNum)
}

func (s *Session) ReadControlRegister(coreID, regNum uint32) (uint64, error) {
	buf := make([]byte, s.registerWidth)
	if err := s.ReadChunk(ControlRegisterAddr(coreID, regNum), buf, types.RegionControlRegister); err != nil {
		return 0, err
	}
	if s.registerWidth == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (s *Session) WriteControlRegister(coreID, regNum uint32, value uint64) error {
	buf := make([]byte, s.registerWidth)
	if s.registerWidth == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(value))
	} else {
		binary.LittleEndian.PutUint64(buf, value)
	}
	return s.WriteChunk(ControlRegisterAddr(coreID, regNum), buf, types.RegionControlRegister)
}

// Load copies size bytes from r into target memory at addr. progress, if
// set, is called with the byte count of every completed chunk.
func (s *Session) Load(addr uint64, r io.Reader, size int64, progress func(int)) error {
	if err := s.checkAlignment(addr, int(size), types.RegionMemory); err != nil {
		return err
	}

	buf := make([]byte, s.maxDataSize)
	for done := int64(0); done < size; {
		n := int(min(size-done, int64(s.maxDataSize)))
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return errors.Wrapf(err, "failed to read source data at offset %d", done)
		}
		if err := s.WriteChunk(addr+uint64(done), buf[:n], types.RegionMemory); err != nil {
			return err
		}
		done += int64(n)
		if progress != nil {
			progress(n)
		}
	}
	return nil
}

// Dump copies size bytes of target memory starting at addr into w.
func (s *Session) Dump(addr uint64, w io.Writer, size int64, progress func(int)) error {
	if err := s.checkAlignment(addr, int(size), types.RegionMemory); err != nil {
		return err
	}

	buf := make([]byte, s.maxDataSize)
	for done := int64(0); done < size; {
		n := int(min(size-done, int64(s.maxDataSize)))
		if err := s.ReadChunk(addr+uint64(done), buf[:n], types.RegionMemory); err != nil {
			return err
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return errors.Wrapf(err, "failed to write dump data at offset %d", done)
		}
		done += int64(n)
		if progress != nil {
			progress(n)
		}
	}
	return nil
}

func (s *Session) requestCommand(kind types.RegionKind, write bool) (Command, error) {
	switch kind {
	case types.RegionMemory:
		if write {
			return CommandWriteMem, nil
		}
		return CommandReadMem, nil
	case types.RegionControlRegister:
		if write {
			return CommandWriteControlReg, nil
		}
		return CommandReadControlReg, nil
	}
	return 0, errors.AssertionFailedf("invalid region kind %d", int(kind))
}

// checkAlignment rejects caller misuse before anything goes on the wire.
// Control register addresses are composite identifiers and are not checked.
func (s *Session) checkAlignment(addr uint64, length int, kind types.RegionKind) error {
	if kind != types.RegionMemory {
		return nil
	}
	if !util.IsAligned(addr, s.dataAlign) || !util.IsAligned(uint64(length), s.dataAlign) {
		return errors.Mark(
			errors.AssertionFailedf("transfer of %d bytes at 0x%x is not aligned to %d bytes", length, addr, s.dataAlign),
			ErrMisaligned)
	}
	return nil
}

// exchange sends req with the current sequence number and validates the
// response. The counter only moves forward when the exchange succeeds.
func (s *Session) exchange(req *Packet, expected int) (*Packet, error) {
	req.Seqno = s.seqno
	log := s.log.WithFields(logrus.Fields{
		"seq":  req.Seqno,
		"cmd":  req.Command,
		"addr": req.Addr,
		"size": req.DataSize,
	})

	resp, err := s.roundTrip(req, expected)
	if err != nil {
		log.WithError(err).Debug("HTIF exchange failed")
		s.metrics.exchangeFailed(err)
		return nil, err
	}

	s.seqno++
	log.Debug("HTIF exchange done")
	s.metrics.exchangeDone(req.Command, int(req.DataSize))
	return resp, nil
}

func (s *Session) roundTrip(req *Packet, expected int) (*Packet, error) {
	buf, err := Encode(req)
	if err != nil {
		return nil, err
	}
	if err := s.ch.Send(buf); err != nil {
		return nil, err
	}

	buf, err = s.ch.Receive(HeaderSize + s.maxDataSize)
	if err != nil {
		return nil, err
	}
	if len(buf) < HeaderSize {
		return nil, &IoError{Op: "read", Err: &FramingError{Len: len(buf)}}
	}
	resp, err := Decode(buf)
	if err != nil {
		return nil, &IoError{Op: "decode", Err: err}
	}

	if resp.Seqno != req.Seqno {
		return nil, &BadSeqnoError{Expected: req.Seqno, Received: resp.Seqno}
	}

	switch resp.Command {
	case CommandAck:
		if int(resp.DataSize) != len(resp.Data) {
			return nil, &PacketError{Reason: ReasonBadPayloadSize, Command: resp.Command}
		}
		if expected != anySize && len(resp.Data) != expected {
			return nil, &PacketError{Reason: ReasonBadPayloadSize, Command: resp.Command}
		}
	case CommandNack:
		return nil, &PacketError{Reason: ReasonNack, Command: resp.Command}
	default:
		return nil, &PacketError{Reason: ReasonIllegalCommand, Command: resp.Command}
	}
	return resp, nil
}
