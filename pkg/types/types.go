package types

const (
	// DefaultMaxDataSize is the largest payload carried by a single packet.
	DefaultMaxDataSize = 64
	// DefaultDataAlign is the access granularity of target memory.
	DefaultDataAlign = 8
	// RegisterWidth is the size in bytes of one control register value.
	RegisterWidth = 8

	DefaultURL = "unix:///tmp/htif.sock"
)

type RegionKind int

const (
	RegionMemory RegionKind = iota
	RegionControlRegister
)

func (k RegionKind) String() string {
	switch k {
	case RegionMemory:
		return "memory"
	case RegionControlRegister:
		return "control-register"
	}
	return "unknown"
}

// TargetProcessor is the device side of the protocol: whatever answers the
// requests a Session sends.
type TargetProcessor interface {
	Start() error
	Stop() error
	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, data []byte) error
	ReadControlRegister(addr uint64, buf []byte) error
	WriteControlRegister(addr uint64, data []byte) error
}
