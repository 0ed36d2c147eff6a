package target

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/longhorn/htif/pkg/types"
	"github.com/longhorn/htif/pkg/util"
)

const pageSize = 4096

var (
	ErrOutOfRange = errors.New("access out of range")
	ErrMisaligned = errors.New("misaligned access")
)

var _ types.TargetProcessor = (*Device)(nil)

type Stats struct {
	Running        bool   `json:"running"`
	MemorySize     uint64 `json:"memorySize"`
	PagesAllocated int    `json:"pagesAllocated"`
	Registers      int    `json:"registers"`
	Starts         uint64 `json:"starts"`
	Stops          uint64 `json:"stops"`
	BytesRead      uint64 `json:"bytesRead"`
	BytesWritten   uint64 `json:"bytesWritten"`
}

// Device is an in-memory stand-in for a simulated core: sparse memory, a
// control register file and a run flag.
type Device struct {
	lock      sync.RWMutex
	size      uint64
	align     int
	pages     map[uint64][]byte
	registers map[uint64][]byte
	stats     Stats
}

func NewDevice(size uint64, align int) *Device {
	if align <= 0 {
		align = 1
	}
	return &Device{
		size:      size,
		align:     align,
		pages:     map[uint64][]byte{},
		registers: map[uint64][]byte{},
		stats: Stats{
			MemorySize: size,
		},
	}
}

func (d *Device) Start() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.stats.Running = true
	d.stats.Starts++
	logrus.Debug("Target device started")
	return nil
}

func (d *Device) Stop() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.stats.Running = false
	d.stats.Stops++
	logrus.Debug("Target device stopped")
	return nil
}

func (d *Device) ReadMemory(addr uint64, buf []byte) error {
	if err := d.checkAccess(addr, len(buf)); err != nil {
		return err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	for done := 0; done < len(buf); {
		cur := addr + uint64(done)
		base, offset := cur&^uint64(pageSize-1), int(cur%pageSize)
		n := min(len(buf)-done, pageSize-offset)
		if page, ok := d.pages[base]; ok {
			copy(buf[done:done+n], page[offset:offset+n])
		} else {
			clear(buf[done : done+n])
		}
		done += n
	}
	d.stats.BytesRead += uint64(len(buf))
	return nil
}

func (d *Device) WriteMemory(addr uint64, data []byte) error {
	if err := d.checkAccess(addr, len(data)); err != nil {
		return err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	for done := 0; done < len(data); {
		cur := addr + uint64(done)
		base, offset := cur&^uint64(pageSize-1), int(cur%pageSize)
		n := min(len(data)-done, pageSize-offset)
		page, ok := d.pages[base]
		if !ok {
			page = make([]byte, pageSize)
			d.pages[base] = page
			d.stats.PagesAllocated++
		}
		copy(page[offset:offset+n], data[done:done+n])
		done += n
	}
	d.stats.BytesWritten += uint64(len(data))
	return nil
}

// ReadControlRegister returns zero for registers that were never written.
func (d *Device) ReadControlRegister(addr uint64, buf []byte) error {
	d.lock.RLock()
	defer d.lock.RUnlock()

	clear(buf)
	if value, ok := d.registers[addr]; ok {
		copy(buf, value)
	}
	return nil
}

func (d *Device) WriteControlRegister(addr uint64, data []byte) error {
	if len(data) == 0 {
		return errors.Newf("empty write to control register 0x%x", addr)
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	value := make([]byte, len(data))
	copy(value, data)
	if _, ok := d.registers[addr]; !ok {
		d.stats.Registers++
	}
	d.registers[addr] = value
	return nil
}

func (d *Device) Stats() Stats {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.stats
}

func (d *Device) checkAccess(addr uint64, length int) error {
	if !util.IsAligned(addr, d.align) || !util.IsAligned(uint64(length), d.align) {
		return errors.Wrapf(ErrMisaligned, "%d bytes at 0x%x with alignment %d", length, addr, d.align)
	}
	end := addr + uint64(length)
	if end < addr || end > d.size {
		return errors.Wrapf(ErrOutOfRange, "%d bytes at 0x%x beyond memory size %d", length, addr, d.size)
	}
	return nil
}
