package vcmd

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/emergingrobotics/go-vcmd/pkg/driver"
	"github.com/emergingrobotics/go-vcmd/pkg/list"
	"github.com/jpillora/backoff"
	"github.com/platinasystems/log"
)

// place picks a core for b among the cores of its module type and queues
// it there. Rules are tried in order and the first match wins:
//
//  1. a core with an empty queue
//  2. a core whose last buffer has already finished
//  3. a core that has executed everything linked to it
//  4. the core with the least outstanding cost; a High buffer counts only
//     the High work ahead of the first Normal buffer and preempts
func (s *Scheduler) place(ctx context.Context, b *buffer) (int, error) {
	cores := s.byModule[b.module]
	if len(cores) == 0 {
		return -1, driver.NewError(driver.StatusNotFound, "no core serves module "+b.module.String())
	}

	match := []func(c *core) bool{
		func(c *core) bool { return c.list.Empty() },
		func(c *core) bool {
			t := c.list.Tail()
			return t != list.None && s.bufs[t].done
		},
		func(c *core) bool {
			return c.working && c.swReady == s.regs.Read32(c.id, driver.RegExeCount)
		},
	}
	for _, rule := range match {
		for _, c := range cores {
			c.mu.Lock()
			if !c.abortPending && rule(c) {
				err := s.enqueue(c, b, list.None)
				c.mu.Unlock()
				return c.id, err
			}
			c.mu.Unlock()
		}
	}

	// The executing id is read without the core lock and only trusted
	// after it is validated again under the lock. A stopped core's id is
	// stale.
	exe := make([]int, len(cores))
	for i, c := range cores {
		c.mu.Lock()
		working := c.working
		c.mu.Unlock()
		if !working {
			exe[i] = list.None
			continue
		}
		id := s.regs.Read32(c.id, driver.RegExeID)
		if int(id) >= len(s.bufs) {
			log.Print("daemon", "err", fmt.Sprintf("vcmd: core %d reports executing buffer %d of %d", c.id, id, len(s.bufs)))
			return -1, driver.NewError(driver.StatusInternalInconsistency,
				fmt.Sprintf("core %d executing id %d out of range", c.id, id))
		}
		exe[i] = int(id)
	}

	high := b.priority == PriorityHigh
	var best *core
	bestCost := uint64(math.MaxUint64)
	for i, c := range cores {
		c.mu.Lock()
		cost := s.outstanding(c, exe[i], high)
		c.mu.Unlock()
		if cost < bestCost {
			best, bestCost = c, cost
		}
	}

	if high {
		if err := s.preempt(ctx, best, b); err != nil {
			return -1, err
		}
		return best.id, nil
	}
	best.mu.Lock()
	err := s.enqueue(best, b, list.None)
	best.mu.Unlock()
	return best.id, err
}

// outstanding sums the cost of unfinished buffers from the executing one
// onwards. With highOnly it stops at the first Normal buffer.
func (s *Scheduler) outstanding(c *core, exe int, highOnly bool) uint64 {
	n := exe
	if !c.list.Contains(n) || s.bufs[n].done {
		n = s.firstPending(c)
	}
	var sum uint64
	for ; n != list.None; n = c.list.Next(n) {
		b := s.bufs[n]
		if b.done {
			continue
		}
		if highOnly && b.priority == PriorityNormal {
			break
		}
		sum += b.cost
	}
	return sum
}

// enqueue puts b on c before anchor (None appends) and makes sure the core
// will run it. A busy core only ever gets buffers appended to its live
// chain; an idle one is relinked from its oldest unfinished buffer and
// started.
func (s *Scheduler) enqueue(c *core, b *buffer, anchor int) error {
	if c.working || c.abortPending {
		if err := c.list.InsertTail(b.id); err != nil {
			return s.queueFailed(c, b, err)
		}
		b.core.Store(int32(c.id))
		b.phase.Store(phaseQueued)
		s.linkTail(c)
		return nil
	}

	s.unlinkFrom(c, s.firstPending(c))
	if err := c.list.InsertBefore(anchor, b.id); err != nil {
		s.restart(c)
		return s.queueFailed(c, b, err)
	}
	b.core.Store(int32(c.id))
	b.phase.Store(phaseQueued)
	s.linkTail(c)
	s.start(c, s.firstPending(c))
	return nil
}

func (s *Scheduler) queueFailed(c *core, b *buffer, err error) error {
	log.Print("daemon", "err", fmt.Sprintf("vcmd: core %d: queue buffer %d: %v", c.id, b.id, err))
	return driver.NewErrorWithCause(driver.StatusInternalInconsistency,
		fmt.Sprintf("queueing buffer %d on core %d", b.id, c.id), err)
}

// preempt queues High buffer b on c ahead of every pending Normal buffer.
// A running core is aborted first; it stops at the next buffer boundary.
func (s *Scheduler) preempt(ctx context.Context, c *core, b *buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	anchor := s.firstPendingNormal(c)
	if anchor == list.None || (!c.working && !c.abortPending) {
		return s.enqueue(c, b, anchor)
	}
	log.Printf("vcmd: core %d: preempting for high priority buffer %d", c.id, b.id)
	if err := s.abortAndWait(ctx, c); err != nil {
		s.restart(c)
		return err
	}
	return s.enqueue(c, b, s.firstPendingNormal(c))
}

// abortAndWait aborts c and waits for it to go idle. It is called and
// returns with c.mu held.
func (s *Scheduler) abortAndWait(ctx context.Context, c *core) error {
	b := &backoff.Backoff{
		Min:    s.cfg.AbortPollMin,
		Max:    s.cfg.AbortPollMax,
		Factor: 2,
	}
	c.abortWaiters++
	defer func() { c.abortWaiters-- }()

	for attempt := 0; ; attempt++ {
		if !c.working && !c.abortPending {
			return nil
		}
		if attempt >= s.cfg.AbortRetries {
			log.Print("daemon", "err", fmt.Sprintf("vcmd: core %d: abort not acknowledged after %d polls", c.id, attempt))
			return driver.NewError(driver.StatusHardwareTimeout, fmt.Sprintf("aborting core %d", c.id))
		}
		if !c.abortPending {
			s.requestAbort(c)
		}
		idle := c.idle.wait()
		c.mu.Unlock()

		t := time.NewTimer(b.Duration())
		var err error
		select {
		case <-idle:
		case <-t.C:
		case <-ctx.Done():
			err = driver.NewErrorWithCause(driver.StatusInterrupted, "waiting for core abort", ctx.Err())
		}
		t.Stop()
		c.mu.Lock()
		if err != nil {
			return err
		}
	}
}
