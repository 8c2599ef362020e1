package driver

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the system page size (typically 4096 bytes)
const PageSize = 4096

// Memory is a CPU- and device-visible contiguous region: the CPU view is
// Data, the device sees the same bytes starting at Bus.
type Memory struct {
	data          []byte
	bus           uint64
	size          uint64
	allocatedSize uint64
	owned         bool
	mu            sync.Mutex
}

// AllocMemory allocates a page-aligned region of size bytes whose device
// view starts at bus
func AllocMemory(size uint64, bus uint64) (*Memory, error) {
	if size == 0 {
		return nil, fmt.Errorf("memory size cannot be zero")
	}

	alignedSize := ((size + PageSize - 1) / PageSize) * PageSize

	data, err := unix.Mmap(-1, 0, int(alignedSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return nil, StatusFromErrno(errno, "mmap")
		}
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	return &Memory{
		data:          data[:size],
		bus:           bus,
		size:          size,
		allocatedSize: alignedSize,
		owned:         true,
	}, nil
}

// WrapMemory describes an existing region, e.g. one mapped by a kernel
// allocator, without taking ownership of it
func WrapMemory(data []byte, bus uint64) *Memory {
	return &Memory{
		data:          data,
		bus:           bus,
		size:          uint64(len(data)),
		allocatedSize: uint64(len(data)),
	}
}

// Data returns the CPU view
func (m *Memory) Data() []byte {
	return m.data
}

// Bus returns the device address of the first byte
func (m *Memory) Bus() uint64 {
	return m.bus
}

// Size returns the usable size
func (m *Memory) Size() uint64 {
	return m.size
}

// Contains reports whether the device address addr lies inside the region
func (m *Memory) Contains(addr uint64) bool {
	return addr >= m.bus && addr < m.bus+m.size
}

// Slice returns the CPU view of [addr, addr+n) given as device addresses
func (m *Memory) Slice(addr uint64, n uint64) ([]byte, bool) {
	if !m.Contains(addr) || addr+n > m.bus+m.size {
		return nil, false
	}
	off := addr - m.bus
	return m.data[off : off+n], true
}

// Close releases the region if it was allocated by AllocMemory
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owned && len(m.data) > 0 {
		originalData := unsafe.Slice(&m.data[0], int(m.allocatedSize))
		if err := unix.Munmap(originalData); err != nil {
			return fmt.Errorf("munmap failed: %w", err)
		}
	}
	m.data = nil
	return nil
}

// Load32 atomically reads the aligned word at b[off:]. Memory shared with
// the device is accessed a word at a time, the way the device sees it.
func Load32(b []byte, off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[off])))
}

// Store32 atomically writes the aligned word at b[off:]
func Store32(b []byte, off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[off])), v)
}

// StoreJump patches a live jump instruction. The target words are written
// before the control word so a reader that sees RDY also sees the target.
func StoreJump(b []byte, off int, j Jump) {
	Store32(b, off+4, uint32(j.NextAddr))
	Store32(b, off+8, uint32(j.NextAddr>>32))
	Store32(b, off+12, j.NextID)
	w0 := OpcodeJmp | uint32(j.NextLen)
	if j.Ready {
		w0 |= JumpRdyBit
	}
	if j.IE {
		w0 |= JumpIEBit
	}
	Store32(b, off, w0)
}

// LoadJump reads a live jump instruction, control word first
func LoadJump(b []byte, off int) Jump {
	w0 := Load32(b, off)
	lo := Load32(b, off+4)
	hi := Load32(b, off+8)
	return Jump{
		Ready:    w0&JumpRdyBit != 0,
		IE:       w0&JumpIEBit != 0,
		NextLen:  uint16(w0 & JumpLengthMask),
		NextAddr: uint64(hi)<<32 | uint64(lo),
		NextID:   Load32(b, off+12),
	}
}
