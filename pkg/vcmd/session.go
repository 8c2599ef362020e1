package vcmd

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/emergingrobotics/go-vcmd/pkg/driver"
	"github.com/platinasystems/log"
)

// Session is one client process's handle on the scheduler. Its methods
// may be called concurrently.
type Session struct {
	s      *Scheduler
	proc   ProcessHandle
	closed atomic.Bool
}

// Open starts a session for proc
func (s *Scheduler) Open(proc ProcessHandle) *Session {
	return &Session{s: s, proc: proc}
}

// Process returns the handle the session was opened with
func (ss *Session) Process() ProcessHandle {
	return ss.proc
}

// Admitted returns the cost currently charged to the session's process
func (ss *Session) Admitted() uint64 {
	return ss.s.ledgers.total(ss.proc)
}

// PoolParams returns the memory layout of the buffer pool
func (ss *Session) PoolParams() PoolParams {
	return ss.s.PoolParams()
}

// HardwareParams describes the cores serving module m
func (ss *Session) HardwareParams(m driver.ModuleType) (HardwareParams, error) {
	return ss.s.HardwareParams(m)
}

// ReserveOption adjusts a reservation
type ReserveOption func(*buffer)

// SuppressInterrupt asks that the buffer's completion not raise an
// interrupt. The scheduler still forces one once the cost run without an
// interrupt exceeds the configured ceiling.
func SuppressInterrupt() ReserveOption {
	return func(b *buffer) { b.noNormalInt = true }
}

// Reserve takes a buffer for module m. It waits while the process is over
// its cost ceiling or the pool is exhausted.
func (ss *Session) Reserve(ctx context.Context, m driver.ModuleType, prio Priority, cost uint64, opts ...ReserveOption) (int, error) {
	if ss.closed.Load() {
		return -1, driver.ErrClosed
	}
	if m >= driver.ModuleTypeCount {
		return -1, driver.NewError(driver.StatusInvalidArgument, "unknown module type")
	}
	s := ss.s
	if err := s.ledgers.admit(ctx, ss.proc, cost); err != nil {
		return -1, err
	}
	id, err := s.pool.Reserve(ctx, s.cfg.SlotSize)
	if err != nil {
		s.ledgers.chargeBack(ss.proc, cost)
		return -1, err
	}

	b := s.bufs[id]
	b.reset()
	b.owner = ss.proc
	b.module = m
	b.priority = prio
	b.cost = cost
	for _, o := range opts {
		o(b)
	}
	b.phase.Store(phaseReserved)
	s.ledgers.attach(ss.proc, id)

	if ss.closed.Load() {
		ss.Release(id)
		return -1, driver.ErrClosed
	}
	return id, nil
}

// Buffer returns the op-code and status regions of buffer id
func (ss *Session) Buffer(id int) (content, status []byte, err error) {
	if !ss.s.ledgers.owns(ss.proc, id) {
		return nil, nil, driver.NewError(driver.StatusInvalidBufferID, fmt.Sprintf("buffer %d", id))
	}
	return ss.s.pool.Content(id), ss.s.pool.Status(id), nil
}

// LinkAndRun submits the first size bytes of buffer id and returns the core
// it was queued on. The buffer must end in END or in a trailing JMP.
func (ss *Session) LinkAndRun(ctx context.Context, id int, size int) (int, error) {
	s := ss.s
	if !s.ledgers.owns(ss.proc, id) {
		return -1, driver.NewError(driver.StatusInvalidBufferID, fmt.Sprintf("buffer %d", id))
	}
	if size < driver.JumpSize || size > s.cfg.SlotSize || size%driver.WordSize != 0 {
		return -1, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("buffer size %d", size))
	}
	b := s.bufs[id]
	if !b.phase.CompareAndSwap(phaseReserved, phaseLinking) {
		return -1, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("buffer %d already submitted", id))
	}
	content := s.pool.Content(id)[:size]
	b.size = size
	b.endsWithoutJump = driver.EndsWithoutJump(content)
	if !b.endsWithoutJump && !driver.IsJumpAt(content, driver.JumpOffset(size)) {
		b.phase.Store(phaseReserved)
		return -1, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("buffer %d does not end in END or JMP", id))
	}

	coreID, err := s.place(ctx, b)
	if err != nil {
		b.phase.CompareAndSwap(phaseLinking, phaseReserved)
	}
	s.done.wake()
	return coreID, err
}

// finished reports whether b is done and its status
func (s *Scheduler) finished(b *buffer) (bool, ExecStatus, error) {
	switch b.phase.Load() {
	case phaseReserved:
		return false, ExecOk, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("buffer %d was not submitted", b.id))
	case phaseQueued, phaseParked:
		c := s.cores[b.core.Load()]
		c.mu.Lock()
		done, st := b.done, b.status
		c.mu.Unlock()
		return done, st, nil
	}
	return false, ExecOk, nil
}

// Wait blocks until buffer id is done and returns it with its status.
// With AnyBuffer it returns the first finished buffer of the session not
// returned before.
func (ss *Session) Wait(ctx context.Context, id int) (int, ExecStatus, error) {
	s := ss.s
	if id != AnyBuffer && !s.ledgers.owns(ss.proc, id) {
		return -1, ExecOk, driver.NewError(driver.StatusInvalidBufferID, fmt.Sprintf("buffer %d", id))
	}
	t := time.NewTimer(s.cfg.WaitTimeout)
	defer t.Stop()

	for {
		wake := s.done.wait()
		if id == AnyBuffer {
			got, st, pending, err := ss.pollAny()
			if err != nil || got >= 0 {
				return got, st, err
			}
			if pending == 0 {
				return -1, ExecOk, driver.NewError(driver.StatusNotFound, "no submitted buffers to wait for")
			}
		} else {
			done, st, err := s.finished(s.bufs[id])
			if err != nil {
				return -1, ExecOk, err
			}
			if done {
				s.bufs[id].reported.Store(true)
				return id, st, nil
			}
		}

		select {
		case <-wake:
		case <-t.C:
			return -1, ExecOk, driver.NewError(driver.StatusHardwareTimeout, "waiting for command buffer")
		case <-ctx.Done():
			return -1, ExecOk, driver.NewErrorWithCause(driver.StatusInterrupted, "waiting for command buffer", ctx.Err())
		}
	}
}

func (ss *Session) pollAny() (int, ExecStatus, int, error) {
	pending := 0
	for _, id := range ss.s.ledgers.buffersOf(ss.proc) {
		b := ss.s.bufs[id]
		if b.phase.Load() == phaseReserved {
			continue
		}
		done, st, err := ss.s.finished(b)
		if err != nil {
			continue
		}
		if !done {
			pending++
			continue
		}
		if b.reported.CompareAndSwap(false, true) {
			return id, st, pending, nil
		}
	}
	return -1, ExecOk, pending, nil
}

// Release returns buffer id to the pool and refunds its cost. A buffer
// still queued is taken off its core first.
func (ss *Session) Release(id int) error {
	s := ss.s
	if !s.ledgers.owns(ss.proc, id) {
		return driver.NewError(driver.StatusInvalidBufferID, fmt.Sprintf("buffer %d", id))
	}
	b := s.bufs[id]
	// The slot may be reserved again as soon as retire frees it.
	cost := b.cost
	if err := s.retire(b); err != nil {
		return err
	}
	s.ledgers.detach(ss.proc, id)
	s.ledgers.chargeBack(ss.proc, cost)
	return nil
}

// retire finishes b wherever it is and frees its slot, or parks it on its
// core until the hardware no longer references it.
func (s *Scheduler) retire(b *buffer) error {
	for {
		switch b.phase.Load() {
		case phaseReserved:
			if !b.phase.CompareAndSwap(phaseReserved, phaseFree) {
				continue
			}
			s.free([]int{b.id})
			return nil
		case phaseLinking:
			wake := s.done.wait()
			if b.phase.Load() == phaseLinking {
				<-wake
			}
			continue
		case phaseQueued:
			return s.retireQueued(b)
		default:
			return driver.NewError(driver.StatusInvalidBufferID, fmt.Sprintf("buffer %d is not reserved", b.id))
		}
	}
}

func (s *Scheduler) retireQueued(b *buffer) error {
	c := s.cores[b.core.Load()]
	c.mu.Lock()
	if b.phase.Load() != phaseQueued {
		c.mu.Unlock()
		return driver.NewError(driver.StatusInvalidBufferID, fmt.Sprintf("buffer %d is already released", b.id))
	}

	aborted := false
	var err error
	if !b.done {
		if s.executing(c, b.id) {
			log.Printf("vcmd: core %d: aborting running buffer %d on release", c.id, b.id)
			err = s.abortAndWait(context.Background(), c)
			aborted = err == nil
		}
		if err == nil && !b.done {
			s.delinkRemove(c, b.id)
		}
	}
	if err != nil {
		s.restart(c)
		c.mu.Unlock()
		return err
	}

	var freed []int
	if c.list.Contains(b.id) {
		if s.canDrop(c, b.id) {
			s.dropNode(c, b.id)
			freed = append(freed, b.id)
		} else {
			b.phase.Store(phaseParked)
		}
	} else {
		freed = append(freed, b.id)
	}
	// A core halted on a fault it could not attribute resumes once the
	// buffer is gone.
	if aborted || c.abortWaiters == 0 {
		s.restart(c)
	}
	freed = append(freed, s.reap(c)...)
	c.mu.Unlock()

	s.free(freed)
	s.done.wake()
	return nil
}

// Close retires every buffer of the session and drops its ledger
func (ss *Session) Close() error {
	if !ss.closed.CompareAndSwap(false, true) {
		return nil
	}
	s := ss.s
	s.ledgers.beginClose(ss.proc)

	var firstErr error
	ids := s.ledgers.buffersOf(ss.proc)
	for _, id := range ids {
		b := s.bufs[id]
		cost := b.cost
		if err := s.retire(b); err != nil && firstErr == nil {
			firstErr = err
		}
		s.ledgers.detach(ss.proc, id)
		s.ledgers.chargeBack(ss.proc, cost)
	}
	s.ledgers.remove(ss.proc)
	if len(ids) > 0 {
		log.Printf("vcmd: process %s closed, retired %d buffers", ss.proc, len(ids))
	}
	return firstErr
}
