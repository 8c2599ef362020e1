package vcmd

import (
	"github.com/emergingrobotics/go-vcmd/pkg/cmdbuf"
	"github.com/emergingrobotics/go-vcmd/pkg/driver"
	uuid "github.com/satori/go.uuid"
)

// Priority orders buffers within a core's queue
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// ExecStatus is the outcome of a finished buffer
type ExecStatus int

const (
	ExecOk           ExecStatus = 0
	ExecCommandError ExecStatus = 1
	ExecBusError     ExecStatus = 2
)

func (s ExecStatus) String() string {
	switch s {
	case ExecOk:
		return "ok"
	case ExecCommandError:
		return "command error"
	case ExecBusError:
		return "bus error"
	}
	return "unknown"
}

// AnyBuffer asks Wait for whichever buffer of the session finishes first
const AnyBuffer = -1

// ProcessHandle identifies the owner of buffers and a cost ledger
type ProcessHandle string

// NewProcessHandle returns a fresh random handle
func NewProcessHandle() ProcessHandle {
	return ProcessHandle(uuid.NewV4().String())
}

// PoolParams describes the shared memory a client maps to fill buffers
type PoolParams struct {
	cmdbuf.Params
	MirrorBus  []uint64 // per-core register mirror, by core index
	MirrorSize uint64
}

// HardwareParams describes the cores serving one module type
type HardwareParams struct {
	Module     driver.ModuleType
	Submodules driver.SubmoduleOffsets
	HwVersion  uint32
	CoreCount  int
	Cores      []int
}

// CoreStats is a snapshot of one core
type CoreStats struct {
	ID        int
	Module    driver.ModuleType
	Working   bool
	Aborting  bool
	Queued    int
	Ready     uint32
	Completed uint64
	Errors    uint64
	Aborts    uint64
	Timeouts  uint64
	Resets    uint64
	Spurious  uint64
}

// Stats is a snapshot of the scheduler
type Stats struct {
	Cores     []CoreStats
	FreeSlots int
	UsedSlots int
	Processes int
}
