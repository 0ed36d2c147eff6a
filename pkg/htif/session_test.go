package htif

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/longhorn/htif/pkg/target"
	"github.com/longhorn/htif/pkg/types"

	. "gopkg.in/check.v1"
)

const (
	testMaxDataSize = 64
	testDataAlign   = 8
)

type responder func(req *Packet) []byte

// scriptedChannel records every request and answers with the next responder
// in line.
type scriptedChannel struct {
	raw        [][]byte
	sent       []*Packet
	responders []responder
	sendErr    error
}

func (ch *scriptedChannel) Send(buf []byte) error {
	if ch.sendErr != nil {
		return ch.sendErr
	}
	ch.raw = append(ch.raw, append([]byte(nil), buf...))
	p, err := Decode(buf)
	if err != nil {
		return err
	}
	ch.sent = append(ch.sent, p)
	return nil
}

func (ch *scriptedChannel) Receive(maxLen int) ([]byte, error) {
	if len(ch.responders) == 0 {
		return nil, &IoError{Op: "read", Err: io.EOF}
	}
	next := ch.responders[0]
	ch.responders = ch.responders[1:]
	out := next(ch.sent[len(ch.sent)-1])
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return out, nil
}

func encode(p *Packet) []byte {
	buf, err := Encode(p)
	if err != nil {
		panic(err)
	}
	return buf
}

func ack(data []byte) responder {
	return func(req *Packet) []byte {
		return encode(&Packet{Command: CommandAck, Seqno: req.Seqno, DataSize: uint32(len(data)), Data: data})
	}
}

func reply(cmd Command, seqno uint16, dataSize uint32, data []byte) responder {
	return func(req *Packet) []byte {
		buf := encode(&Packet{Command: CommandStart, Seqno: seqno, DataSize: dataSize})
		binary.LittleEndian.PutUint16(buf, uint16(cmd))
		return append(buf, data...)
	}
}

// loopbackChannel hands every request straight to a Server backed by a
// simulated device.
type loopbackChannel struct {
	server *Server
	sent   []*Packet
	raw    [][]byte
	resp   []byte
}

func newLoopback(device *target.Device) *loopbackChannel {
	return &loopbackChannel{
		server: NewServer(nil, device, testMaxDataSize, nil),
	}
}

func (ch *loopbackChannel) Send(buf []byte) error {
	ch.raw = append(ch.raw, append([]byte(nil), buf...))
	req, err := Decode(buf)
	if err != nil {
		return err
	}
	ch.sent = append(ch.sent, req)
	ch.resp = encode(ch.server.handle(req))
	return nil
}

func (ch *loopbackChannel) Receive(maxLen int) ([]byte, error) {
	out := ch.resp
	ch.resp = nil
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return out, nil
}

func newTestSession(ch Channel) *Session {
	return NewSession(ch, SessionConfig{
		MaxDataSize: testMaxDataSize,
		DataAlign:   testDataAlign,
	})
}

type SessionSuite struct{}

var _ = Suite(&SessionSuite{})

func (s *SessionSuite) TestDefaults(c *C) {
	session := NewSession(&scriptedChannel{}, SessionConfig{})
	c.Assert(session.NextSeqno(), Equals, uint16(1))
	c.Assert(session.ChunkAlignment(), Equals, types.DefaultDataAlign)
	c.Assert(session.MaxDataSize(), Equals, types.DefaultMaxDataSize)
}

func (s *SessionSuite) TestStart(c *C) {
	ch := &scriptedChannel{responders: []responder{ack(nil)}}
	session := newTestSession(ch)

	c.Assert(session.Start(), IsNil)
	c.Assert(ch.sent, HasLen, 1)
	c.Assert(ch.sent[0].Command, Equals, CommandStart)
	c.Assert(ch.sent[0].Seqno, Equals, uint16(1))
	c.Assert(ch.sent[0].DataSize, Equals, uint32(0))
	c.Assert(ch.raw[0], HasLen, HeaderSize)
	c.Assert(session.NextSeqno(), Equals, uint16(2))
}

func (s *SessionSuite) TestStopAfterStart(c *C) {
	ch := &scriptedChannel{responders: []responder{ack(nil), ack(nil)}}
	session := newTestSession(ch)

	c.Assert(session.Start(), IsNil)
	c.Assert(session.Stop(), IsNil)
	c.Assert(ch.sent[1].Command, Equals, CommandStop)
	c.Assert(ch.sent[1].Seqno, Equals, uint16(2))
	c.Assert(session.NextSeqno(), Equals, uint16(3))
}

func (s *SessionSuite) TestSeqnoWraps(c *C) {
	ch := &scriptedChannel{responders: []responder{ack(nil), ack(nil)}}
	session := newTestSession(ch)
	session.seqno = 0xffff

	c.Assert(session.Start(), IsNil)
	c.Assert(session.NextSeqno(), Equals, uint16(0))
	c.Assert(session.Stop(), IsNil)
	c.Assert(ch.sent[0].Seqno, Equals, uint16(0xffff))
	c.Assert(ch.sent[1].Seqno, Equals, uint16(0))
	c.Assert(session.NextSeqno(), Equals, uint16(1))
}

func (s *SessionSuite) TestMaxDataSizeKeepsChunksAligned(c *C) {
	ch := newLoopback(target.NewDevice(4096, testDataAlign))
	session := NewSession(ch, SessionConfig{MaxDataSize: 12, DataAlign: testDataAlign})
	c.Assert(session.MaxDataSize(), Equals, 8)

	c.Assert(session.WriteMemory(0, make([]byte, 16)), IsNil)
	c.Assert(ch.sent, HasLen, 2)
	c.Assert(ch.sent[0].Addr, Equals, uint64(0))
	c.Assert(ch.sent[0].DataSize, Equals, uint32(8))
	c.Assert(ch.sent[1].Addr, Equals, uint64(8))
	c.Assert(ch.sent[1].DataSize, Equals, uint32(8))

	session = NewSession(ch, SessionConfig{MaxDataSize: 4, DataAlign: testDataAlign})
	c.Assert(session.MaxDataSize(), Equals, testDataAlign)
}

func (s *SessionSuite) TestBadSeqno(c *C) {
	ch := &scriptedChannel{responders: []responder{reply(CommandAck, 2, 0, nil)}}
	session := newTestSession(ch)

	err := session.Start()
	c.Assert(err, NotNil)
	c.Assert(errors.Is(err, ErrBadSeqno), Equals, true)
	c.Assert(IsFatal(err), Equals, true)

	var seqErr *BadSeqnoError
	c.Assert(errors.As(err, &seqErr), Equals, true)
	c.Assert(seqErr.Expected, Equals, uint16(1))
	c.Assert(seqErr.Received, Equals, uint16(2))
	c.Assert(session.NextSeqno(), Equals, uint16(1))
}

func (s *SessionSuite) TestNack(c *C) {
	nack := func(req *Packet) []byte {
		return encode(&Packet{Command: CommandNack, Seqno: req.Seqno})
	}
	ops := map[string]func(*Session) error{
		"start": func(session *Session) error { return session.Start() },
		"stop":  func(session *Session) error { return session.Stop() },
		"read-mem": func(session *Session) error {
			return session.ReadChunk(0, make([]byte, 8), types.RegionMemory)
		},
		"write-mem": func(session *Session) error {
			return session.WriteChunk(0, make([]byte, 8), types.RegionMemory)
		},
		"read-cr": func(session *Session) error {
			_, err := session.ReadControlRegister(0, 1)
			return err
		},
		"write-cr": func(session *Session) error {
			return session.WriteControlRegister(0, 1, 2)
		},
	}

	for name, op := range ops {
		ch := &scriptedChannel{responders: []responder{nack}}
		session := newTestSession(ch)

		err := op(session)
		c.Assert(err, NotNil, Commentf("op %v", name))
		c.Assert(errors.Is(err, ErrPacket), Equals, true, Commentf("op %v", name))
		c.Assert(IsFatal(err), Equals, false)

		var packetErr *PacketError
		c.Assert(errors.As(err, &packetErr), Equals, true)
		c.Assert(packetErr.Reason, Equals, ReasonNack)
		c.Assert(session.NextSeqno(), Equals, uint16(1))
		c.Assert(ch.sent, HasLen, 1)
	}
}

func (s *SessionSuite) TestIllegalCommand(c *C) {
	for _, cmd := range []Command{CommandReadMem, CommandStart, Command(99)} {
		ch := &scriptedChannel{responders: []responder{reply(cmd, 1, 0, nil)}}
		session := newTestSession(ch)

		err := session.Stop()
		c.Assert(err, NotNil)

		var packetErr *PacketError
		c.Assert(errors.As(err, &packetErr), Equals, true)
		c.Assert(packetErr.Reason, Equals, ReasonIllegalCommand)
		c.Assert(packetErr.Command, Equals, cmd)
		c.Assert(session.NextSeqno(), Equals, uint16(1))
	}
}

func (s *SessionSuite) TestBadPayloadSize(c *C) {
	// header claims more than what was received
	ch := &scriptedChannel{responders: []responder{reply(CommandAck, 1, 8, []byte{1, 2, 3, 4})}}
	session := newTestSession(ch)
	_, err := session.ReadControlRegister(0, 0)
	c.Assert(err, NotNil)
	var packetErr *PacketError
	c.Assert(errors.As(err, &packetErr), Equals, true)
	c.Assert(packetErr.Reason, Equals, ReasonBadPayloadSize)
	c.Assert(session.NextSeqno(), Equals, uint16(1))

	// consistent ack, but start expects no payload
	ch = &scriptedChannel{responders: []responder{ack(make([]byte, 8))}}
	session = newTestSession(ch)
	err = session.Start()
	c.Assert(errors.As(err, &packetErr), Equals, true)
	c.Assert(packetErr.Reason, Equals, ReasonBadPayloadSize)

	// consistent ack, but shorter than the chunk asked for
	ch = &scriptedChannel{responders: []responder{ack(make([]byte, 8))}}
	session = newTestSession(ch)
	err = session.ReadChunk(0, make([]byte, 16), types.RegionMemory)
	c.Assert(errors.As(err, &packetErr), Equals, true)
	c.Assert(packetErr.Reason, Equals, ReasonBadPayloadSize)

	// write acks may carry anything as long as they are self-consistent
	ch = &scriptedChannel{responders: []responder{ack(make([]byte, 8))}}
	session = newTestSession(ch)
	c.Assert(session.WriteChunk(0, make([]byte, 16), types.RegionMemory), IsNil)
	c.Assert(session.NextSeqno(), Equals, uint16(2))
}

func (s *SessionSuite) TestShortResponse(c *C) {
	short := func(req *Packet) []byte {
		return encode(&Packet{Command: CommandAck, Seqno: req.Seqno})[:HeaderSize-2]
	}
	ch := &scriptedChannel{responders: []responder{short}}
	session := newTestSession(ch)

	err := session.Start()
	c.Assert(err, NotNil)
	c.Assert(errors.Is(err, ErrIO), Equals, true)
	c.Assert(errors.Is(err, ErrFraming), Equals, true)
	c.Assert(session.NextSeqno(), Equals, uint16(1))
}

func (s *SessionSuite) TestSendFailure(c *C) {
	ch := &scriptedChannel{sendErr: &IoError{Op: "write", Err: io.ErrClosedPipe}}
	session := newTestSession(ch)

	err := session.WriteChunk(0, make([]byte, 8), types.RegionMemory)
	c.Assert(err, NotNil)
	c.Assert(errors.Is(err, ErrIO), Equals, true)
	c.Assert(errors.Is(err, io.ErrClosedPipe), Equals, true)
	c.Assert(session.NextSeqno(), Equals, uint16(1))
}

func (s *SessionSuite) TestReceiveFailure(c *C) {
	ch := &scriptedChannel{}
	session := newTestSession(ch)

	_, err := session.ReadControlRegister(1, 1)
	c.Assert(err, NotNil)
	c.Assert(errors.Is(err, ErrIO), Equals, true)
	c.Assert(ch.sent, HasLen, 1)
	c.Assert(session.NextSeqno(), Equals, uint16(1))
}

func (s *SessionSuite) TestChunking(c *C) {
	ch := newLoopback(target.NewDevice(1<<20, testDataAlign))
	session := newTestSession(ch)

	src := make([]byte, 200)
	for i := range src {
		src[i] = byte(i)
	}
	c.Assert(session.WriteChunk(0x1000, src, types.RegionMemory), IsNil)

	expectedSizes := []uint32{64, 64, 64, 8}
	c.Assert(ch.sent, HasLen, len(expectedSizes))
	addr := uint64(0x1000)
	for i, p := range ch.sent {
		c.Assert(p.Command, Equals, CommandWriteMem)
		c.Assert(p.Seqno, Equals, uint16(i+1))
		c.Assert(p.DataSize, Equals, expectedSizes[i])
		c.Assert(p.Addr, Equals, addr)
		c.Assert(ch.raw[i], HasLen, HeaderSize+int(expectedSizes[i]))
		addr += uint64(p.DataSize)
	}
	c.Assert(session.NextSeqno(), Equals, uint16(5))

	ch.sent, ch.raw = nil, nil
	dst := make([]byte, 200)
	c.Assert(session.ReadChunk(0x1000, dst, types.RegionMemory), IsNil)
	c.Assert(dst, DeepEquals, src)

	c.Assert(ch.sent, HasLen, len(expectedSizes))
	addr = 0x1000
	for i, p := range ch.sent {
		c.Assert(p.Command, Equals, CommandReadMem)
		c.Assert(p.Seqno, Equals, uint16(i+5))
		c.Assert(p.DataSize, Equals, expectedSizes[i])
		c.Assert(p.Addr, Equals, addr)
		c.Assert(ch.raw[i], HasLen, HeaderSize)
		addr += uint64(p.DataSize)
	}
	c.Assert(session.NextSeqno(), Equals, uint16(9))
}

func (s *SessionSuite) TestRoundTrip(c *C) {
	for _, length := range []int{0, 8, 56, 64, 72, 128, 1024} {
		ch := newLoopback(target.NewDevice(1<<20, testDataAlign))
		session := newTestSession(ch)

		src := bytes.Repeat([]byte{byte(length), 0x5a}, length/2)
		c.Assert(session.WriteMemory(0x2000, src), IsNil)
		out := make([]byte, length)
		c.Assert(session.ReadMemory(0x2000, out), IsNil)
		c.Assert(out, DeepEquals, src, Commentf("length %v", length))

		exchanges := (length + testMaxDataSize - 1) / testMaxDataSize
		c.Assert(ch.sent, HasLen, 2*exchanges)
		c.Assert(session.NextSeqno(), Equals, uint16(1+2*exchanges))
	}
}

func (s *SessionSuite) TestReadControlRegister(c *C) {
	value := make([]byte, 8)
	binary.LittleEndian.PutUint64(value, 42)
	ch := &scriptedChannel{responders: []responder{ack(value)}}
	session := newTestSession(ch)

	v, err := session.ReadControlRegister(0, 5)
	c.Assert(err, IsNil)
	c.Assert(v, Equals, uint64(42))

	c.Assert(ch.sent, HasLen, 1)
	c.Assert(ch.sent[0].Command, Equals, CommandReadControlReg)
	c.Assert(ch.sent[0].Addr, Equals, uint64(5))
	c.Assert(ch.sent[0].DataSize, Equals, uint32(8))
	c.Assert(ch.raw[0], HasLen, HeaderSize)
	c.Assert(session.NextSeqno(), Equals, uint16(2))
}

func (s *SessionSuite) TestControlRegisterAddr(c *C) {
	c.Assert(ControlRegisterAddr(0, 5), Equals, uint64(5))
	c.Assert(ControlRegisterAddr(3, 7), Equals, uint64(3)<<32|7)
	c.Assert(ControlRegisterAddr(0xffffffff, 0xffffffff), Equals, ^uint64(0))
}

func (s *SessionSuite) TestWriteControlRegister(c *C) {
	ch := newLoopback(target.NewDevice(4096, testDataAlign))
	session := newTestSession(ch)

	c.Assert(session.WriteControlRegister(2, 9, 0x1122334455667788), IsNil)
	c.Assert(ch.sent[0].Command, Equals, CommandWriteControlReg)
	c.Assert(ch.sent[0].Addr, Equals, uint64(2)<<32|9)
	c.Assert(ch.raw[0], HasLen, HeaderSize+types.RegisterWidth)

	v, err := session.ReadControlRegister(2, 9)
	c.Assert(err, IsNil)
	c.Assert(v, Equals, uint64(0x1122334455667788))

	v, err = session.ReadControlRegister(2, 10)
	c.Assert(err, IsNil)
	c.Assert(v, Equals, uint64(0))
}

func (s *SessionSuite) TestNarrowControlRegister(c *C) {
	ch := newLoopback(target.NewDevice(4096, testDataAlign))
	session := NewSession(ch, SessionConfig{MaxDataSize: testMaxDataSize, DataAlign: testDataAlign, RegisterWidth: 4})

	c.Assert(session.WriteControlRegister(0, 1, 0xaabbccdd11), IsNil)
	c.Assert(ch.sent[0].DataSize, Equals, uint32(4))

	v, err := session.ReadControlRegister(0, 1)
	c.Assert(err, IsNil)
	c.Assert(v, Equals, uint64(0xbbccdd11))
}

func (s *SessionSuite) TestMisaligned(c *C) {
	ch := &scriptedChannel{}
	session := newTestSession(ch)

	for _, tc := range []struct {
		addr   uint64
		length int
	}{
		{4, 8},
		{0, 12},
		{1, 1},
	} {
		err := session.ReadChunk(tc.addr, make([]byte, tc.length), types.RegionMemory)
		c.Assert(err, NotNil)
		c.Assert(errors.Is(err, ErrMisaligned), Equals, true)
		c.Assert(errors.HasAssertionFailure(err), Equals, true)

		err = session.WriteChunk(tc.addr, make([]byte, tc.length), types.RegionMemory)
		c.Assert(errors.Is(err, ErrMisaligned), Equals, true)
	}
	c.Assert(ch.sent, HasLen, 0)
	c.Assert(session.NextSeqno(), Equals, uint16(1))

	err := session.ReadChunk(0, make([]byte, 8), types.RegionKind(7))
	c.Assert(err, NotNil)
	c.Assert(errors.HasAssertionFailure(err), Equals, true)
	c.Assert(ch.sent, HasLen, 0)
}

func (s *SessionSuite) TestControlRegisterIgnoresAlignment(c *C) {
	ch := &scriptedChannel{responders: []responder{ack(make([]byte, 3))}}
	session := newTestSession(ch)

	c.Assert(session.ReadChunk(5, make([]byte, 3), types.RegionControlRegister), IsNil)
	c.Assert(ch.sent[0].Addr, Equals, uint64(5))
}

func (s *SessionSuite) TestLoadDump(c *C) {
	ch := newLoopback(target.NewDevice(1<<16, testDataAlign))
	session := newTestSession(ch)

	src := make([]byte, 328)
	for i := range src {
		src[i] = byte(i * 7)
	}

	loaded := 0
	c.Assert(session.Load(0x400, bytes.NewReader(src), int64(len(src)), func(n int) { loaded += n }), IsNil)
	c.Assert(loaded, Equals, len(src))

	var out bytes.Buffer
	dumped := 0
	c.Assert(session.Dump(0x400, &out, int64(len(src)), func(n int) { dumped += n }), IsNil)
	c.Assert(dumped, Equals, len(src))
	c.Assert(out.Bytes(), DeepEquals, src)

	err := session.Load(0x400, bytes.NewReader(src[:10]), 16, nil)
	c.Assert(err, NotNil)

	err = session.Dump(0x404, &out, 8, nil)
	c.Assert(errors.Is(err, ErrMisaligned), Equals, true)
}

func (s *SessionSuite) TestMetrics(c *C) {
	reg := prometheus.NewRegistry()
	metrics, err := NewClientMetrics(reg)
	c.Assert(err, IsNil)

	nack := func(req *Packet) []byte {
		return encode(&Packet{Command: CommandNack, Seqno: req.Seqno})
	}
	ch := &scriptedChannel{responders: []responder{ack(nil), ack(nil), ack(make([]byte, 16)), nack}}
	session := NewSession(ch, SessionConfig{MaxDataSize: testMaxDataSize, DataAlign: testDataAlign, Metrics: metrics})

	c.Assert(session.Start(), IsNil)
	c.Assert(session.WriteMemory(0, make([]byte, 16)), IsNil)
	c.Assert(session.ReadMemory(0, make([]byte, 16)), IsNil)
	c.Assert(session.Stop(), NotNil)

	c.Assert(testutil.ToFloat64(metrics.exchanges.WithLabelValues("start")), Equals, float64(1))
	c.Assert(testutil.ToFloat64(metrics.exchanges.WithLabelValues("write-mem")), Equals, float64(1))
	c.Assert(testutil.ToFloat64(metrics.payloadBytes.WithLabelValues("read")), Equals, float64(16))
	c.Assert(testutil.ToFloat64(metrics.payloadBytes.WithLabelValues("write")), Equals, float64(16))
	c.Assert(testutil.ToFloat64(metrics.exchangeErrors.WithLabelValues("packet")), Equals, float64(1))

	_, err = NewClientMetrics(reg)
	c.Assert(err, NotNil)
	serverMetrics, err := NewServerMetrics(reg)
	c.Assert(err, IsNil)

	// server counters are not fed by a session
	ch = &scriptedChannel{responders: []responder{ack(nil)}}
	session = NewSession(ch, SessionConfig{Metrics: serverMetrics})
	c.Assert(session.Start(), IsNil)
}
