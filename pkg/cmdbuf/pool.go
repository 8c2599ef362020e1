// Package cmdbuf manages the fixed pool of command buffer slots. Each slot
// is a SlotSize region of op-codes plus a StatusSize region of status
// output, carved from two contiguous memory regions shared with the device.
package cmdbuf

import (
	"context"
	"fmt"
	"sync"

	"github.com/emergingrobotics/go-vcmd/pkg/driver"
)

// Params describes the pool geometry as seen by clients
type Params struct {
	SlotSize       int
	StatusSlotSize int
	SlotCount      int
	ContentBus     uint64
	ContentSize    uint64
	StatusBus      uint64
	StatusSize     uint64
}

// TotalSize is the number of bytes of op-code memory in the pool
func (p Params) TotalSize() uint64 {
	return uint64(p.SlotSize) * uint64(p.SlotCount)
}

// Pool hands out slot ids in round-robin order
type Pool struct {
	mu         sync.Mutex
	content    *driver.Memory
	status     *driver.Memory
	slotSize   int
	statusSize int
	used       []bool
	free       int
	next       int
	freed      chan struct{} // closed and replaced on every Release
}

// New carves as many slots as fit in both content and status
func New(content, status *driver.Memory, slotSize, statusSize int) (*Pool, error) {
	if slotSize <= 0 || slotSize%driver.WordSize != 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, "slot size must be a positive multiple of 4")
	}
	if statusSize <= 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, "status size must be positive")
	}
	count := int(content.Size()) / slotSize
	if c := int(status.Size()) / statusSize; c < count {
		count = c
	}
	if count == 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, "memory too small for one slot")
	}
	return &Pool{
		content:    content,
		status:     status,
		slotSize:   slotSize,
		statusSize: statusSize,
		used:       make([]bool, count),
		free:       count,
		freed:      make(chan struct{}),
	}, nil
}

// Params returns the pool geometry
func (p *Pool) Params() Params {
	return Params{
		SlotSize:       p.slotSize,
		StatusSlotSize: p.statusSize,
		SlotCount:      len(p.used),
		ContentBus:     p.content.Bus(),
		ContentSize:    uint64(p.slotSize) * uint64(len(p.used)),
		StatusBus:      p.status.Bus(),
		StatusSize:     uint64(p.statusSize) * uint64(len(p.used)),
	}
}

// Len returns the number of slots
func (p *Pool) Len() int {
	return len(p.used)
}

// TryReserve takes the next free slot after the last one handed out, or
// fails with StatusNoSpace
func (p *Pool) TryReserve(size int) (int, error) {
	if size <= 0 || size > p.slotSize {
		return -1, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("requested size %d exceeds slot size %d", size, p.slotSize))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.take()
	if !ok {
		return -1, driver.NewError(driver.StatusNoSpace, "reserving command buffer")
	}
	return id, nil
}

func (p *Pool) take() (int, bool) {
	if p.free == 0 {
		return -1, false
	}
	n := len(p.used)
	for i := 0; i < n; i++ {
		id := (p.next + i) % n
		if !p.used[id] {
			p.used[id] = true
			p.free--
			p.next = (id + 1) % n
			return id, true
		}
	}
	return -1, false
}

// Reserve is TryReserve that waits for a Release while the pool is
// exhausted. It fails with StatusInterrupted when ctx ends first.
func (p *Pool) Reserve(ctx context.Context, size int) (int, error) {
	if size <= 0 || size > p.slotSize {
		return -1, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("requested size %d exceeds slot size %d", size, p.slotSize))
	}
	for {
		p.mu.Lock()
		id, ok := p.take()
		freed := p.freed
		p.mu.Unlock()
		if ok {
			return id, nil
		}
		select {
		case <-freed:
		case <-ctx.Done():
			return -1, driver.NewErrorWithCause(driver.StatusInterrupted, "waiting for command buffer", ctx.Err())
		}
	}
}

// Release returns a slot to the pool and wakes reservers
func (p *Pool) Release(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.used) {
		return driver.NewError(driver.StatusInvalidBufferID, fmt.Sprintf("releasing slot %d", id))
	}
	if !p.used[id] {
		return driver.NewError(driver.StatusInvalidBufferID, fmt.Sprintf("slot %d is not reserved", id))
	}
	p.used[id] = false
	p.free++
	close(p.freed)
	p.freed = make(chan struct{})
	return nil
}

// InUse reports whether id is currently reserved
func (p *Pool) InUse(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return id >= 0 && id < len(p.used) && p.used[id]
}

// Counts returns the number of free and reserved slots
func (p *Pool) Counts() (free, used int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free, len(p.used) - p.free
}

// Content returns the op-code region of slot id
func (p *Pool) Content(id int) []byte {
	off := id * p.slotSize
	return p.content.Data()[off : off+p.slotSize]
}

// Status returns the status output region of slot id
func (p *Pool) Status(id int) []byte {
	off := id * p.statusSize
	return p.status.Data()[off : off+p.statusSize]
}

// ContentBus returns the device address of slot id's op-codes
func (p *Pool) ContentBus(id int) uint64 {
	return p.content.Bus() + uint64(id*p.slotSize)
}

// StatusBus returns the device address of slot id's status output
func (p *Pool) StatusBus(id int) uint64 {
	return p.status.Bus() + uint64(id*p.statusSize)
}

// SlotForAddress maps a device address inside the op-code region to the
// slot containing it
func (p *Pool) SlotForAddress(addr uint64) (int, bool) {
	base := p.content.Bus()
	if addr < base {
		return -1, false
	}
	id := int((addr - base) / uint64(p.slotSize))
	if id >= len(p.used) {
		return -1, false
	}
	return id, true
}
