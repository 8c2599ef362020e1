package vcmd

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/emergingrobotics/go-vcmd/pkg/driver"
	"github.com/platinasystems/log"
)

// InternalProcess owns buffers the scheduler reserves for itself
const InternalProcess ProcessHandle = "internal"

type ledger struct {
	total   uint64
	buffers map[int]struct{}
	closing bool
}

// ledgers tracks the admitted cost and the buffers of every process
type ledgers struct {
	mu      sync.Mutex
	ceiling uint64
	byProc  map[ProcessHandle]*ledger
	changed *notifier
}

func newLedgers(ceiling uint64) *ledgers {
	l := &ledgers{
		ceiling: ceiling,
		byProc:  make(map[ProcessHandle]*ledger),
		changed: newNotifier(),
	}
	l.byProc[InternalProcess] = &ledger{buffers: make(map[int]struct{})}
	return l
}

func (l *ledgers) get(proc ProcessHandle) *ledger {
	lg, ok := l.byProc[proc]
	if !ok {
		lg = &ledger{buffers: make(map[int]struct{})}
		l.byProc[proc] = lg
	}
	return lg
}

// admit charges cost to proc, waiting while that would push the process
// over the ceiling. A process with nothing admitted is always let in.
func (l *ledgers) admit(ctx context.Context, proc ProcessHandle, cost uint64) error {
	for {
		ch := l.changed.wait()
		l.mu.Lock()
		lg := l.get(proc)
		if lg.closing {
			l.mu.Unlock()
			return driver.NewError(driver.StatusClosed, "process is closing")
		}
		if lg.total == 0 || lg.total+cost <= l.ceiling {
			lg.total += cost
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return driver.NewErrorWithCause(driver.StatusInterrupted, "waiting for process budget", ctx.Err())
		}
	}
}

// chargeBack refunds cost to proc
func (l *ledgers) chargeBack(proc ProcessHandle, cost uint64) {
	l.mu.Lock()
	if lg, ok := l.byProc[proc]; ok {
		if cost > lg.total {
			log.Print("daemon", "err", fmt.Sprintf("vcmd: process %s: refund %d exceeds admitted %d", proc, cost, lg.total))
			cost = lg.total
		}
		lg.total -= cost
	}
	l.mu.Unlock()
	l.changed.wake()
}

func (l *ledgers) attach(proc ProcessHandle, id int) {
	l.mu.Lock()
	l.get(proc).buffers[id] = struct{}{}
	l.mu.Unlock()
}

func (l *ledgers) detach(proc ProcessHandle, id int) {
	l.mu.Lock()
	if lg, ok := l.byProc[proc]; ok {
		delete(lg.buffers, id)
	}
	l.mu.Unlock()
}

func (l *ledgers) owns(proc ProcessHandle, id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lg, ok := l.byProc[proc]
	if !ok {
		return false
	}
	_, ok = lg.buffers[id]
	return ok
}

// buffersOf returns the ids owned by proc in ascending order
func (l *ledgers) buffersOf(proc ProcessHandle) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	lg, ok := l.byProc[proc]
	if !ok {
		return nil
	}
	ids := make([]int, 0, len(lg.buffers))
	for id := range lg.buffers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (l *ledgers) total(proc ProcessHandle) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lg, ok := l.byProc[proc]; ok {
		return lg.total
	}
	return 0
}

// beginClose stops further admissions for proc
func (l *ledgers) beginClose(proc ProcessHandle) {
	l.mu.Lock()
	l.get(proc).closing = true
	l.mu.Unlock()
	l.changed.wake()
}

// remove drops the ledger of a closed process
func (l *ledgers) remove(proc ProcessHandle) {
	if proc == InternalProcess {
		return
	}
	l.mu.Lock()
	delete(l.byProc, proc)
	l.mu.Unlock()
}

func (l *ledgers) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byProc)
}
