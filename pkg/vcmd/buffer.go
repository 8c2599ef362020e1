package vcmd

import (
	"sync"
	"sync/atomic"

	"github.com/emergingrobotics/go-vcmd/pkg/driver"
)

// Buffer life cycle. A slot moves free -> reserved -> linking -> queued and
// back to free on release; a reserved buffer may be released unsubmitted.
// Released buffers still referenced by a running core are parked on its
// queue until the core moves past them.
const (
	phaseFree int32 = iota
	phaseReserved
	phaseLinking
	phaseQueued
	phaseParked
)

// buffer is the scheduler's view of one slot. The attributes set at
// Reserve are read-only until release. Once queued, the execution state is
// guarded by the lock of the core the buffer was queued on.
type buffer struct {
	id       int
	phase    atomic.Int32
	core     atomic.Int32
	reported atomic.Bool

	owner       ProcessHandle
	module      driver.ModuleType
	priority    Priority
	cost        uint64
	noNormalInt bool

	size            int
	endsWithoutJump bool

	linked bool
	done   bool
	status ExecStatus
}

func (b *buffer) reset() {
	b.owner = ""
	b.cost = 0
	b.priority = PriorityNormal
	b.noNormalInt = false
	b.size = 0
	b.endsWithoutJump = false
	b.linked = false
	b.done = false
	b.status = ExecOk
	b.reported.Store(false)
	b.core.Store(-1)
}

// notifier is a broadcast: every waiter holding the channel returned by
// wait is woken by the next wake.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *notifier) wake() {
	n.mu.Lock()
	close(n.ch)
	n.ch = make(chan struct{})
	n.mu.Unlock()
}
