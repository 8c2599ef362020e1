package sim

import (
	"sync"
	"time"

	"github.com/emergingrobotics/go-vcmd/pkg/driver"
)

type core struct {
	d      *Device
	id     int
	mirror *driver.Memory

	mu   sync.Mutex
	cond *sync.Cond
	regs [driver.RegisterWindowSize / driver.WordSize]uint32
	sub  map[uint32]uint32 // submodule registers written by WREG

	running bool
	parked  bool // waiting on a jump whose RDY bit is clear
	kicked  bool
	abort   bool
	paused  bool
	closed  bool

	pc     uint64
	curID  uint32
	stall  uint32 // ticks stalled in the current buffer
	trace  []uint32
}

func newCore(d *Device, id int, mirror *driver.Memory) *core {
	c := &core{
		d:      d,
		id:     id,
		mirror: mirror,
		sub:    make(map[uint32]uint32),
	}
	c.cond = sync.NewCond(&c.mu)
	c.regs[driver.RegHwID/driver.WordSize] = driver.HwIDVcmd<<16 | uint32(id)
	c.regs[driver.RegHwVersion/driver.WordSize] = d.cfg.HwVersion
	return c
}

func (c *core) reg(off uint32) *uint32 {
	return &c.regs[off/driver.WordSize]
}

func (c *core) write(off uint32, v uint32) {
	switch off {
	case driver.RegIrqStatus:
		*c.reg(off) &^= v
	case driver.RegIrqEnable:
		*c.reg(off) = v
		c.notify()
	case driver.RegSwRdyNum:
		*c.reg(off) = v
		c.kicked = true
		c.cond.Broadcast()
	case driver.RegControl:
		switch {
		case v&driver.ControlReset != 0:
			c.reset()
		case v&driver.ControlStart != 0:
			c.start()
		case v&driver.ControlAbort != 0:
			if c.running {
				c.abort = true
				*c.reg(driver.RegWorkState) = uint32(driver.WorkStateAborting)
				c.cond.Broadcast()
			}
		}
	case driver.RegHwID, driver.RegHwVersion, driver.RegExeCount, driver.RegExeID,
		driver.RegExeAddrLo, driver.RegExeAddrHi, driver.RegWorkState:
		// read only
	default:
		*c.reg(off) = v
	}
}

func (c *core) start() {
	lo := *c.reg(driver.RegStartAddrLo)
	hi := *c.reg(driver.RegStartAddrHi)
	c.pc = uint64(hi)<<32 | uint64(lo)
	c.curID = *c.reg(driver.RegStartID)
	c.stall = 0
	c.running = true
	c.parked = false
	c.kicked = false
	c.abort = false
	*c.reg(driver.RegExeCount) = 0
	*c.reg(driver.RegExeID) = c.curID
	c.setExeAddr(c.pc)
	*c.reg(driver.RegWorkState) = uint32(driver.WorkStateWorking)
	c.cond.Broadcast()
}

func (c *core) reset() {
	c.running = false
	c.parked = false
	c.kicked = false
	c.abort = false
	c.stall = 0
	*c.reg(driver.RegExeCount) = 0
	*c.reg(driver.RegIrqStatus) = 0
	*c.reg(driver.RegWorkState) = uint32(driver.WorkStateIdle)
	c.cond.Broadcast()
}

func (c *core) setExeAddr(a uint64) {
	*c.reg(driver.RegExeAddrLo) = uint32(a)
	*c.reg(driver.RegExeAddrHi) = uint32(a >> 32)
}

func (c *core) raise(bits uint32) {
	*c.reg(driver.RegIrqStatus) |= bits
	c.notify()
}

func (c *core) notify() {
	if *c.reg(driver.RegIrqStatus)&*c.reg(driver.RegIrqEnable) != 0 {
		c.d.signal()
	}
}

func (c *core) pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.reg(driver.RegIrqStatus)&*c.reg(driver.RegIrqEnable) != 0
}

// stop idles the core and raises bits
func (c *core) stop(bits uint32) {
	c.running = false
	c.parked = false
	c.abort = false
	*c.reg(driver.RegWorkState) = uint32(driver.WorkStateIdle)
	c.raise(bits)
}

// complete records the end of the current buffer at instruction address at
func (c *core) complete(at uint64) {
	*c.reg(driver.RegExeCount)++
	c.trace = append(c.trace, c.curID)
	c.stall = 0
	data := c.mirror.Data()
	if c.d.cfg.HwVersion >= driver.HwVersionIDWriteback {
		driver.Store32(data, driver.MirrorExeIDOffset, c.curID)
	} else {
		driver.Store32(data, driver.MirrorExeAddrOffset, uint32(at))
		driver.Store32(data, driver.MirrorExeAddrOffset+4, uint32(at>>32))
	}
}

func (c *core) follow(j driver.Jump) {
	c.pc = j.NextAddr
	c.curID = j.NextID
	c.parked = false
	*c.reg(driver.RegExeID) = c.curID
	c.setExeAddr(c.pc)
}

func (c *core) run() {
	defer c.d.wg.Done()
	for {
		c.mu.Lock()
		for !c.closed && (!c.running || c.paused || (c.parked && !c.kicked && !c.abort)) {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		var sleep time.Duration
		if c.parked {
			c.resume()
		} else {
			sleep = c.step()
		}
		c.mu.Unlock()
		if sleep > 0 {
			time.Sleep(sleep)
		}
	}
}

// resume re-reads the jump a parked core is waiting on
func (c *core) resume() {
	c.kicked = false
	if c.abort {
		c.stop(driver.IrqAbort)
		return
	}
	mem, off, ok := c.d.lookup(c.pc, driver.JumpSize)
	if !ok {
		c.stop(driver.IrqBusErr)
		return
	}
	if j := driver.LoadJump(mem, off); j.Ready {
		c.follow(j)
	}
}

// step executes one instruction and returns how long it takes
func (c *core) step() time.Duration {
	mem, off, ok := c.d.lookup(c.pc, 2*driver.WordSize)
	if !ok {
		c.stop(driver.IrqBusErr)
		return 0
	}
	c.setExeAddr(c.pc)
	w0 := driver.Load32(mem, off)

	switch driver.Opcode(w0) {
	case driver.OpcodeWReg:
		n := (w0 >> driver.WRegCountShift) & driver.WRegCountMask
		reg := w0 & driver.WRegOffsetMask
		size := uint64(1+n) * driver.WordSize
		body, boff, ok := c.d.lookup(c.pc, size)
		if !ok {
			c.stop(driver.IrqBusErr)
			return 0
		}
		if n == 0 || !writable(reg, n) {
			c.stop(driver.IrqCmdErr)
			return 0
		}
		for i := uint32(0); i < n; i++ {
			c.sub[reg+i*driver.WordSize] = driver.Load32(body, boff+int(i+1)*driver.WordSize)
		}
		c.pc += size

	case driver.OpcodeRReg:
		n := (w0 >> driver.WRegCountShift) & driver.WRegCountMask
		reg := w0 & driver.WRegOffsetMask
		body, boff, ok := c.d.lookup(c.pc, driver.RRegWords*driver.WordSize)
		if !ok {
			c.stop(driver.IrqBusErr)
			return 0
		}
		dst := uint64(driver.Load32(body, boff+12))<<32 | uint64(driver.Load32(body, boff+8))
		out, ooff, ok := c.d.lookup(dst, uint64(n)*driver.WordSize)
		if !ok {
			c.stop(driver.IrqBusErr)
			return 0
		}
		for i := uint32(0); i < n; i++ {
			driver.Store32(out, ooff+int(i)*driver.WordSize, c.readReg(reg+i*driver.WordSize))
		}
		c.pc += driver.RRegWords * driver.WordSize

	case driver.OpcodeStall:
		ticks := w0 & driver.StallTicksMask
		c.stall += ticks
		if limit := *c.reg(driver.RegTimeout); limit != 0 && c.stall > limit {
			c.stop(driver.IrqTimeout)
			return 0
		}
		c.pc += driver.StallWords * driver.WordSize
		return time.Duration(ticks) * c.d.cfg.Tick

	case driver.OpcodeNop:
		c.pc += driver.NopWords * driver.WordSize

	case driver.OpcodeInt:
		c.raise(driver.IrqJmp)
		c.pc += driver.IntWords * driver.WordSize

	case driver.OpcodeClrInt:
		*c.reg(driver.RegIrqStatus) &^= driver.Load32(mem, off+driver.WordSize)
		c.pc += driver.ClrIntWords * driver.WordSize

	case driver.OpcodeEnd:
		c.complete(c.pc)
		bits := driver.IrqEnd
		if c.abort {
			bits |= driver.IrqAbort
		}
		c.stop(bits)

	case driver.OpcodeJmp:
		body, boff, ok := c.d.lookup(c.pc, driver.JumpSize)
		if !ok {
			c.stop(driver.IrqBusErr)
			return 0
		}
		j := driver.LoadJump(body, boff)
		c.complete(c.pc)
		if j.IE {
			c.raise(driver.IrqJmp)
		}
		switch {
		case c.abort:
			c.stop(driver.IrqAbort)
		case j.Ready:
			c.follow(j)
		default:
			c.parked = true
			c.kicked = false
		}

	default:
		c.stop(driver.IrqCmdErr)
	}
	return 0
}

func (c *core) readReg(off uint32) uint32 {
	if off < driver.RegisterWindowSize {
		return *c.reg(off)
	}
	return c.sub[off]
}

// writable reports whether n registers from off lie inside one submodule
func writable(off, n uint32) bool {
	s := driver.DefaultSubmoduleOffsets
	end := off + n*driver.WordSize
	for _, base := range []uint16{s.Main, s.Dec400, s.L2Cache, s.MMU} {
		b := uint32(base)
		if off >= b && end <= b+driver.SubmoduleSpan {
			return true
		}
	}
	return false
}
