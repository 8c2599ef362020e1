package vcmd

import (
	"sync"

	"github.com/emergingrobotics/go-vcmd/pkg/driver"
	"github.com/emergingrobotics/go-vcmd/pkg/list"
)

// core is the software side of one VCMD core. Everything below mu is
// guarded by it, including the execution state of the buffers on list.
type core struct {
	id        int
	module    driver.ModuleType
	hwVersion uint32
	mirror    *driver.Memory

	mu           sync.Mutex
	list         *list.List
	working      bool
	abortPending bool
	abortWaiters int
	swReady      uint32
	lastLinked   int
	sinceInt     uint64 // cost executed since the last requested interrupt
	idle         *notifier

	completed uint64
	errors    uint64
	aborts    uint64
	timeouts  uint64
	resets    uint64
	spurious  uint64
}

func (s *Scheduler) firstPending(c *core) int {
	for n := c.list.Head(); n != list.None; n = c.list.Next(n) {
		if !s.bufs[n].done {
			return n
		}
	}
	return list.None
}

func (s *Scheduler) firstPendingNormal(c *core) int {
	for n := c.list.Head(); n != list.None; n = c.list.Next(n) {
		if b := s.bufs[n]; !b.done && b.priority == PriorityNormal {
			return n
		}
	}
	return list.None
}

// start points the core at node n and sets it running
func (s *Scheduler) start(c *core, n int) {
	b := s.bufs[n]
	addr := s.pool.ContentBus(n)
	s.regs.Write32(c.id, driver.RegStartAddrLo, uint32(addr))
	s.regs.Write32(c.id, driver.RegStartAddrHi, uint32(addr>>32))
	s.regs.Write32(c.id, driver.RegStartLen, uint32(driver.JumpLength(b.size)))
	s.regs.Write32(c.id, driver.RegStartID, uint32(n))
	s.regs.Write32(c.id, driver.RegSwRdyNum, c.swReady)
	s.regs.Write32(c.id, driver.RegIrqEnable, driver.IrqAll)
	s.regs.Write32(c.id, driver.RegTimeout, s.cfg.CoreTimeout)
	s.regs.Write32(c.id, driver.RegControl, driver.ControlStart)
	c.working = true
}

func (s *Scheduler) requestAbort(c *core) {
	c.abortPending = true
	s.regs.Write32(c.id, driver.RegControl, driver.ControlAbort)
}

// restart resumes an idle core at its oldest unfinished buffer, relinking
// the chain from there.
func (s *Scheduler) restart(c *core) {
	if c.working || c.abortPending {
		return
	}
	first := s.firstPending(c)
	if first == list.None {
		return
	}
	s.unlinkFrom(c, first)
	s.linkTail(c)
	s.start(c, first)
}

// executing reports whether the core is running buffer n right now
func (s *Scheduler) executing(c *core, n int) bool {
	return c.working && int(s.regs.Read32(c.id, driver.RegExeID)) == n
}

// nodeAt finds the buffer on c whose op-codes contain bus address addr
func (s *Scheduler) nodeAt(c *core, addr uint64) int {
	for n := c.list.Head(); n != list.None; n = c.list.Next(n) {
		base := s.pool.ContentBus(n)
		if addr >= base && addr < base+uint64(s.bufs[n].size) {
			return n
		}
	}
	return list.None
}

func (s *Scheduler) exeAddr(c *core) uint64 {
	lo := s.regs.Read32(c.id, driver.RegExeAddrLo)
	hi := s.regs.Read32(c.id, driver.RegExeAddrHi)
	return uint64(hi)<<32 | uint64(lo)
}

func (s *Scheduler) snapshot(c *core) CoreStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	queued := 0
	for n := c.list.Head(); n != list.None; n = c.list.Next(n) {
		if !s.bufs[n].done {
			queued++
		}
	}
	return CoreStats{
		ID:        c.id,
		Module:    c.module,
		Working:   c.working,
		Aborting:  c.abortPending,
		Queued:    queued,
		Ready:     c.swReady,
		Completed: c.completed,
		Errors:    c.errors,
		Aborts:    c.aborts,
		Timeouts:  c.timeouts,
		Resets:    c.resets,
		Spurious:  c.spurious,
	}
}
