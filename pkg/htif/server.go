package htif

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/longhorn/htif/pkg/types"
)

// Server answers HTIF requests on behalf of a target device. It handles one
// request at a time, in the order they arrive.
type Server struct {
	ch          Channel
	target      types.TargetProcessor
	maxDataSize int
	metrics     *Metrics

	done     chan struct{}
	stopOnce sync.Once
}

func NewServer(ch Channel, target types.TargetProcessor, maxDataSize int, metrics *Metrics) *Server {
	if maxDataSize <= 0 {
		maxDataSize = types.DefaultMaxDataSize
	}
	return &Server{
		ch:          ch,
		target:      target,
		maxDataSize: maxDataSize,
		metrics:     metrics,
		done:        make(chan struct{}),
	}
}

// Serve runs until the peer closes the channel, Stop is called, or the
// transport fails.
func (s *Server) Serve() error {
	for {
		if s.stopped() {
			logrus.Info("HTIF server stopped")
			return nil
		}

		buf, err := s.ch.Receive(HeaderSize + s.maxDataSize)
		if err != nil {
			if s.stopped() || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if len(buf) == 0 {
			return nil
		}

		var resp *Packet
		if req, err := Decode(buf); err != nil {
			logrus.WithError(err).Warn("Rejecting malformed HTIF request")
			resp = malformed(buf)
		} else {
			resp = s.handle(req)
		}

		out, err := Encode(resp)
		if err != nil {
			return err
		}
		if err := s.ch.Send(out); err != nil {
			if s.stopped() {
				return nil
			}
			return err
		}
	}
}

// Stop ends Serve. A channel that can be closed is closed as well, which
// unblocks a Receive already waiting for the peer.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if closer, ok := s.ch.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				logrus.WithError(err).Debug("Failed to close HTIF server channel")
			}
		}
	})
}

func (s *Server) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// malformed answers a request too short to decode with a Nack, echoing its
// sequence number when enough of the header arrived, so the peer does not
// wait forever.
func malformed(buf []byte) *Packet {
	resp := &Packet{Command: CommandNack}
	if len(buf) >= 4 {
		resp.Seqno = binary.LittleEndian.Uint16(buf[2:])
	}
	return resp
}

func (s *Server) handle(req *Packet) *Packet {
	resp := &Packet{
		Command: CommandAck,
		Seqno:   req.Seqno,
		Addr:    req.Addr,
	}

	data, err := s.dispatch(req)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"seq":  req.Seqno,
			"cmd":  req.Command,
			"addr": req.Addr,
			"size": req.DataSize,
		}).Warn("Rejecting HTIF request")
		resp.Command = CommandNack
	} else {
		resp.Data = data
		resp.DataSize = uint32(len(data))
	}

	s.metrics.requestServed(req.Command, resp.Command)
	return resp
}

func (s *Server) dispatch(req *Packet) ([]byte, error) {
	if !req.Command.IsRequest() {
		return nil, errors.Newf("%s %v: not a request", ReasonIllegalCommand, req.Command)
	}
	switch req.Command {
	case CommandStart:
		return nil, s.target.Start()
	case CommandStop:
		return nil, s.target.Stop()
	case CommandReadMem, CommandReadControlReg:
		if int(req.DataSize) > s.maxDataSize {
			return nil, errors.Wrapf(ErrPayloadTooLarge, "read of %d bytes", req.DataSize)
		}
		buf := make([]byte, req.DataSize)
		if req.Command == CommandReadMem {
			return buf, s.target.ReadMemory(req.Addr, buf)
		}
		return buf, s.target.ReadControlRegister(req.Addr, buf)
	case CommandWriteMem, CommandWriteControlReg:
		if int(req.DataSize) != len(req.Data) {
			return nil, errors.Newf("write declares %d bytes but carries %d", req.DataSize, len(req.Data))
		}
		if req.Command == CommandWriteMem {
			return nil, s.target.WriteMemory(req.Addr, req.Data)
		}
		return nil, s.target.WriteControlRegister(req.Addr, req.Data)
	}
	return nil, errors.Newf("%s %v", ReasonIllegalCommand, req.Command)
}
