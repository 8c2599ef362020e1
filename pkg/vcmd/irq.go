package vcmd

import (
	"fmt"

	"github.com/emergingrobotics/go-vcmd/pkg/driver"
	"github.com/emergingrobotics/go-vcmd/pkg/list"
	"github.com/platinasystems/log"
)

// HandleInterrupt services the pending interrupt of one core. Only the
// highest priority event is acted on; every bit read is acknowledged.
// Priority: reset, abort, bus or command error, timeout, completion.
func (s *Scheduler) HandleInterrupt(coreID int) {
	if coreID < 0 || coreID >= len(s.cores) {
		log.Print("daemon", "err", fmt.Sprintf("vcmd: interrupt for unknown core %d", coreID))
		return
	}
	c := s.cores[coreID]

	c.mu.Lock()
	status := s.regs.Read32(c.id, driver.RegIrqStatus)
	if status == 0 {
		c.mu.Unlock()
		return
	}
	s.regs.Write32(c.id, driver.RegIrqStatus, status)

	wasAborting := c.abortPending
	switch {
	case status&driver.IrqReset != 0:
		c.resets++
		log.Printf("vcmd: core %d: hardware reset, restarting pending work", c.id)
		s.stopped(c)

	case status&driver.IrqAbort != 0:
		if !c.abortPending {
			c.spurious++
			log.Print("daemon", "err", fmt.Sprintf("vcmd: core %d: abort interrupt without a pending abort", c.id))
			break
		}
		c.aborts++
		if n := s.nodeAt(c, s.exeAddr(c)); n != list.None {
			s.finalizeThrough(c, n, ExecOk, true)
		}
		s.stopped(c)

	case status&(driver.IrqBusErr|driver.IrqCmdErr) != 0:
		c.errors++
		st := ExecCommandError
		if status&driver.IrqBusErr != 0 {
			st = ExecBusError
		}
		n := s.nodeAt(c, s.exeAddr(c))
		if n == list.None {
			c.spurious++
			log.Print("daemon", "err", fmt.Sprintf("vcmd: core %d: %s at unknown address %#x", c.id, st, s.exeAddr(c)))
			s.halted(c)
			break
		}
		s.finalizeThrough(c, n, st, true)
		s.stopped(c)

	case status&driver.IrqTimeout != 0:
		c.timeouts++
		addr := s.exeAddr(c)
		n := s.nodeAt(c, addr)
		log.Printf("vcmd: core %d: timeout, resetting core", c.id)
		s.regs.Write32(c.id, driver.RegControl, driver.ControlReset)
		if n == list.None {
			c.spurious++
			log.Print("daemon", "err", fmt.Sprintf("vcmd: core %d: timeout at unknown address %#x", c.id, addr))
			s.halted(c)
			break
		}
		s.finalizeThrough(c, n, ExecOk, true)
		s.stopped(c)

	case status&(driver.IrqJmp|driver.IrqEnd) != 0:
		n := s.completedNode(c)
		if n == list.None {
			c.spurious++
			log.Print("daemon", "err", fmt.Sprintf("vcmd: core %d: completion for a buffer not on its queue", c.id))
		} else {
			s.finalizeThrough(c, n, ExecOk, false)
		}
		if status&driver.IrqEnd != 0 {
			s.stopped(c)
		}

	default:
		c.spurious++
		log.Print("daemon", "err", fmt.Sprintf("vcmd: core %d: unknown interrupt status %#x", c.id, status))
	}

	reaped := s.reap(c)
	wakeIdle := wasAborting && !c.abortPending
	c.mu.Unlock()

	s.free(reaped)
	s.done.wake()
	if wakeIdle {
		c.idle.wake()
	}
}

// stopped records that the hardware went idle. Pending work is restarted
// unless someone is waiting on an abort and will requeue it.
func (s *Scheduler) stopped(c *core) {
	c.working = false
	c.abortPending = false
	if c.abortWaiters == 0 {
		s.restart(c)
	}
}

// halted records that the hardware stopped on a fault no queued buffer
// accounts for. Nothing is finished or restarted: the queue stays put until
// a client releases the offending buffer or submits more work.
func (s *Scheduler) halted(c *core) {
	c.working = false
	c.abortPending = false
}

// finalizeThrough finishes every unfinished buffer from the head of c up
// to and including n. Buffers before n finish Ok, n finishes with st.
// With delink the finished prefix leaves the chain.
func (s *Scheduler) finalizeThrough(c *core, n int, st ExecStatus, delink bool) {
	for m := c.list.Head(); m != list.None; m = c.list.Next(m) {
		b := s.bufs[m]
		if !b.done {
			b.done = true
			b.status = ExecOk
			if m == n {
				b.status = st
			}
			c.completed++
		}
		if delink {
			b.linked = false
		}
		if m == n {
			return
		}
	}
}

// completedNode identifies the buffer that raised a completion interrupt.
// Newer cores write its id to the register mirror, older ones the address
// of the jump they just executed.
func (s *Scheduler) completedNode(c *core) int {
	data := c.mirror.Data()
	if c.hwVersion >= driver.HwVersionIDWriteback {
		id := int(driver.Load32(data, driver.MirrorExeIDOffset))
		if id < 0 || id >= len(s.bufs) || !c.list.Contains(id) {
			return list.None
		}
		return id
	}
	lo := driver.Load32(data, driver.MirrorExeAddrOffset)
	hi := driver.Load32(data, driver.MirrorExeAddrOffset+4)
	return s.nodeAt(c, uint64(hi)<<32|uint64(lo))
}
