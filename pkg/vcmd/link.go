package vcmd

import (
	"github.com/emergingrobotics/go-vcmd/pkg/driver"
	"github.com/emergingrobotics/go-vcmd/pkg/list"
)

// linkTail links every not yet linked buffer after the last linked one,
// patching each predecessor's trailing jump to point at its successor, and
// publishes the new ready count.
func (s *Scheduler) linkTail(c *core) {
	prev := c.lastLinked
	n := c.list.Head()
	if prev != list.None {
		n = c.list.Next(prev)
	}
	linked := false
	for ; n != list.None; n = c.list.Next(n) {
		b := s.bufs[n]
		if b.done {
			continue
		}
		if !b.linked {
			s.linkNode(c, prev, b)
			linked = true
		}
		prev = n
	}
	c.lastLinked = prev
	if linked {
		s.regs.Write32(c.id, driver.RegSwRdyNum, c.swReady)
	}
}

func (s *Scheduler) linkNode(c *core, prev int, b *buffer) {
	ie := true
	if b.noNormalInt {
		c.sinceInt += b.cost
		if c.sinceInt > s.cfg.InterruptCeiling {
			c.sinceInt = 0
		} else {
			ie = false
		}
	} else {
		c.sinceInt = 0
	}
	if !b.endsWithoutJump {
		driver.StoreJump(s.pool.Content(b.id), driver.JumpOffset(b.size), driver.Jump{IE: ie})
	}
	b.linked = true
	c.swReady++

	if prev != list.None && !s.bufs[prev].endsWithoutJump {
		s.patchJump(s.bufs[prev], b)
	}
}

// patchJump points p's trailing jump at next and marks it ready
func (s *Scheduler) patchJump(p, next *buffer) {
	content := s.pool.Content(p.id)
	off := driver.JumpOffset(p.size)
	cur := driver.LoadJump(content, off)
	driver.StoreJump(content, off, driver.Jump{
		Ready:    true,
		IE:       cur.IE,
		NextLen:  driver.JumpLength(next.size),
		NextAddr: s.pool.ContentBus(next.id),
		NextID:   uint32(next.id),
	})
}

func (s *Scheduler) clearReady(p *buffer) {
	content := s.pool.Content(p.id)
	off := driver.JumpOffset(p.size)
	j := driver.LoadJump(content, off)
	j.Ready = false
	driver.StoreJump(content, off, j)
}

// unlinkFrom clears the linked state of n and the linked run after it, and
// resets the ready count so the chain can be relinked from scratch. A None
// n only resets the chain.
func (s *Scheduler) unlinkFrom(c *core, n int) {
	for ; n != list.None && s.bufs[n].linked; n = c.list.Next(n) {
		s.bufs[n].linked = false
	}
	c.swReady = 0
	c.lastLinked = list.None
}

// delinkRemove takes a linked, not running buffer out of the chain: its
// predecessor jumps straight to its successor, or stops if it was the
// tail. The buffer finishes as Ok.
func (s *Scheduler) delinkRemove(c *core, n int) {
	b := s.bufs[n]
	prev, next := c.list.Prev(n), c.list.Next(n)
	if b.linked {
		if prev != list.None && s.bufs[prev].linked && !s.bufs[prev].endsWithoutJump {
			if next != list.None && s.bufs[next].linked {
				s.patchJump(s.bufs[prev], s.bufs[next])
			} else {
				s.clearReady(s.bufs[prev])
			}
		}
		b.linked = false
		if c.swReady > 0 {
			c.swReady--
			s.regs.Write32(c.id, driver.RegSwRdyNum, c.swReady)
		}
	}
	b.done = true
	b.status = ExecOk
	s.dropNode(c, n)
}

// dropNode removes n from c's list, keeping lastLinked on the list
func (s *Scheduler) dropNode(c *core, n int) {
	if c.lastLinked == n {
		c.lastLinked = list.None
		if p := c.list.Prev(n); p != list.None && s.bufs[p].linked {
			c.lastLinked = p
		}
	}
	c.list.Delete(n)
}

// canDrop reports whether finished buffer n may leave the list. A running
// core may be parked on the tail's jump, or still reading the buffer it
// reports as executing.
func (s *Scheduler) canDrop(c *core, n int) bool {
	if !c.working {
		return true
	}
	return n != c.list.Tail() && int(s.regs.Read32(c.id, driver.RegExeID)) != n
}

// reap drops released buffers the core no longer references and returns
// their ids so the caller can free the slots once c.mu is released.
func (s *Scheduler) reap(c *core) []int {
	var ids []int
	for n := c.list.Head(); n != list.None; {
		next := c.list.Next(n)
		b := s.bufs[n]
		if b.done && b.phase.Load() == phaseParked && s.canDrop(c, n) {
			s.dropNode(c, n)
			ids = append(ids, n)
		}
		n = next
	}
	return ids
}
