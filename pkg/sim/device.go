// Package sim simulates a VCMD device: a set of cores that fetch and run
// command buffers from simulated bus memory, follow jump chains, and raise
// interrupts the way the hardware does.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emergingrobotics/go-vcmd/pkg/driver"
	"github.com/platinasystems/log"
)

// Config describes the simulated device
type Config struct {
	Cores     int
	HwVersion uint32
	// Tick is the wall time one STALL tick takes
	Tick    time.Duration
	BusBase uint64
}

// DefaultConfig is a single core of the current hardware revision
func DefaultConfig() Config {
	return Config{
		Cores:     1,
		HwVersion: driver.HwVersionIDWriteback,
		BusBase:   0x4000_0000,
	}
}

// Device is a simulated VCMD device. It implements driver.Registers and
// delivers interrupts through ServeInterrupts.
type Device struct {
	cfg Config

	mu      sync.Mutex
	regions []*driver.Memory
	owned   []*driver.Memory
	nextBus uint64

	cores []*core
	irq   chan struct{}
	wg    sync.WaitGroup
}

// New starts a device with cfg.Cores idle cores, each with its register
// mirror region already on the bus.
func New(cfg Config) (*Device, error) {
	if cfg.Cores <= 0 || cfg.Cores > driver.MaxCores {
		return nil, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("core count %d out of range", cfg.Cores))
	}
	d := &Device{
		cfg:     cfg,
		nextBus: cfg.BusBase,
		irq:     make(chan struct{}, 1),
	}
	for i := 0; i < cfg.Cores; i++ {
		mirror, err := d.Alloc(driver.MirrorRegionSize)
		if err != nil {
			d.Close()
			return nil, err
		}
		c := newCore(d, i, mirror)
		d.cores = append(d.cores, c)
	}
	for _, c := range d.cores {
		d.wg.Add(1)
		go c.run()
	}
	return d, nil
}

// Close stops the cores and frees the memory the device allocated
func (d *Device) Close() error {
	for _, c := range d.cores {
		c.mu.Lock()
		c.closed = true
		c.cond.Broadcast()
		c.mu.Unlock()
	}
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, m := range d.owned {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.owned = nil
	d.regions = nil
	return firstErr
}

// Alloc allocates size bytes of memory visible to the cores
func (d *Device) Alloc(size uint64) (*driver.Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := driver.AllocMemory(size, d.nextBus)
	if err != nil {
		return nil, err
	}
	aligned := (size + driver.PageSize - 1) / driver.PageSize * driver.PageSize
	d.nextBus += aligned + driver.PageSize
	d.regions = append(d.regions, m)
	d.owned = append(d.owned, m)
	return m, nil
}

// Attach makes an existing region visible to the cores
func (d *Device) Attach(m *driver.Memory) {
	d.mu.Lock()
	d.regions = append(d.regions, m)
	d.mu.Unlock()
}

// Mirror returns the register mirror region of core i
func (d *Device) Mirror(i int) *driver.Memory {
	return d.cores[i].mirror
}

// Mirrors returns the register mirror regions of all cores
func (d *Device) Mirrors() []*driver.Memory {
	out := make([]*driver.Memory, len(d.cores))
	for i, c := range d.cores {
		out[i] = c.mirror
	}
	return out
}

// Cores returns the number of cores
func (d *Device) Cores() int {
	return len(d.cores)
}

// lookup resolves [addr, addr+n) to a region and an offset into it
func (d *Device) lookup(addr uint64, n uint64) ([]byte, int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.regions {
		if m.Contains(addr) && addr+n <= m.Bus()+m.Size() {
			return m.Data(), int(addr - m.Bus()), true
		}
	}
	return nil, 0, false
}

// Read32 reads a core register
func (d *Device) Read32(core int, offset uint32) uint32 {
	c := d.cores[core]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[offset/driver.WordSize]
}

// Write32 writes a core register, with the side effects of the control,
// interrupt status and ready count registers
func (d *Device) Write32(core int, offset uint32, value uint32) {
	c := d.cores[core]
	c.mu.Lock()
	defer c.mu.Unlock()
	c.write(offset, value)
}

// Poke sets a register without side effects
func (d *Device) Poke(core int, offset uint32, value uint32) {
	c := d.cores[core]
	c.mu.Lock()
	c.regs[offset/driver.WordSize] = value
	c.mu.Unlock()
}

// ServeInterrupts calls handler for every core with an enabled interrupt
// pending, until ctx is done. The handler runs without any device lock
// held and is expected to acknowledge what it reads.
func (d *Device) ServeInterrupts(ctx context.Context, handler func(core int)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.irq:
		}
		for i, c := range d.cores {
			for n := 0; c.pending(); n++ {
				if n == maxDeliveries {
					log.Print("daemon", "err", fmt.Sprintf("sim: core %d: interrupt not acknowledged", i))
					break
				}
				handler(i)
			}
		}
	}
}

const maxDeliveries = 64

func (d *Device) signal() {
	select {
	case d.irq <- struct{}{}:
	default:
	}
}

// Pause stops core i at its next instruction boundary
func (d *Device) Pause(i int) {
	c := d.cores[i]
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume lets a paused core continue
func (d *Device) Resume(i int) {
	c := d.cores[i]
	c.mu.Lock()
	c.paused = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Trace returns the ids of the buffers core i completed, in order
func (d *Device) Trace(i int) []uint32 {
	c := d.cores[i]
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.trace...)
}

// State returns the work state of core i
func (d *Device) State(i int) driver.WorkState {
	return driver.WorkState(d.Read32(i, driver.RegWorkState))
}

// InjectReset makes core i reset itself, as after an internal fault
func (d *Device) InjectReset(i int) {
	c := d.cores[i]
	c.mu.Lock()
	c.reset()
	c.raise(driver.IrqReset)
	c.mu.Unlock()
}

// WaitParked blocks until core i has stopped moving: idle, paused, or
// parked on a jump that is not ready.
func (d *Device) WaitParked(i int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c := d.cores[i]
		c.mu.Lock()
		still := !c.running || c.paused || (c.parked && !c.kicked)
		c.mu.Unlock()
		if still {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}
