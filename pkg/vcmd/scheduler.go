package vcmd

import (
	"context"
	"fmt"

	"github.com/emergingrobotics/go-vcmd/pkg/cmdbuf"
	"github.com/emergingrobotics/go-vcmd/pkg/driver"
	"github.com/emergingrobotics/go-vcmd/pkg/list"
	"github.com/platinasystems/log"
)

// InterruptSource delivers core interrupts to a handler
type InterruptSource interface {
	ServeInterrupts(ctx context.Context, handler func(core int)) error
}

// Scheduler owns the buffer pool, the per-core queues and the process
// ledgers.
//
// Lock order: a core lock may be taken before the pool or ledger locks,
// never after. Core locks are never nested.
type Scheduler struct {
	cfg      Config
	regs     driver.Registers
	pool     *cmdbuf.Pool
	bufs     []*buffer
	cores    []*core
	byModule [driver.ModuleTypeCount][]*core
	ledgers  *ledgers
	done     *notifier
}

// New builds a scheduler over the register file regs. content and status
// back the buffer pool; mirrors holds one register mirror region per core.
func New(cfg Config, regs driver.Registers, content, status *driver.Memory, mirrors []*driver.Memory) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(mirrors) != len(cfg.Cores) {
		return nil, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("%d mirror regions for %d cores", len(mirrors), len(cfg.Cores)))
	}
	pool, err := cmdbuf.New(content, status, cfg.SlotSize, cfg.StatusSize)
	if err != nil {
		return nil, fmt.Errorf("creating buffer pool: %w", err)
	}

	s := &Scheduler{
		cfg:     cfg,
		regs:    regs,
		pool:    pool,
		bufs:    make([]*buffer, pool.Len()),
		ledgers: newLedgers(cfg.ProcessCeiling),
		done:    newNotifier(),
	}
	for i := range s.bufs {
		s.bufs[i] = &buffer{id: i}
		s.bufs[i].core.Store(-1)
	}

	arena := list.NewArena(pool.Len())
	for i, m := range cfg.Cores {
		if id := regs.Read32(i, driver.RegHwID); id>>16 != driver.HwIDVcmd {
			return nil, driver.NewError(driver.StatusNotFound, fmt.Sprintf("core %d: hardware id %#x is not a VCMD", i, id))
		}
		c := &core{
			id:         i,
			module:     m,
			hwVersion:  regs.Read32(i, driver.RegHwVersion),
			mirror:     mirrors[i],
			list:       arena.New(),
			lastLinked: list.None,
			idle:       newNotifier(),
		}
		regs.Write32(i, driver.RegIrqStatus, driver.IrqAll)
		regs.Write32(i, driver.RegIrqEnable, driver.IrqAll)
		regs.Write32(i, driver.RegTimeout, cfg.CoreTimeout)
		s.cores = append(s.cores, c)
		s.byModule[m] = append(s.byModule[m], c)
	}
	log.Printf("vcmd: %d cores, %d buffers of %d bytes", len(s.cores), pool.Len(), cfg.SlotSize)
	return s, nil
}

// Serve feeds interrupts from src to the scheduler until ctx is done
func (s *Scheduler) Serve(ctx context.Context, src InterruptSource) error {
	return src.ServeInterrupts(ctx, s.HandleInterrupt)
}

// Config returns the configuration the scheduler was built with
func (s *Scheduler) Config() Config {
	return s.cfg
}

// PoolParams returns the memory layout clients need to fill buffers
func (s *Scheduler) PoolParams() PoolParams {
	p := PoolParams{Params: s.pool.Params(), MirrorSize: driver.MirrorRegionSize}
	for _, c := range s.cores {
		p.MirrorBus = append(p.MirrorBus, c.mirror.Bus())
	}
	return p
}

// HardwareParams describes the cores serving module m
func (s *Scheduler) HardwareParams(m driver.ModuleType) (HardwareParams, error) {
	if m >= driver.ModuleTypeCount {
		return HardwareParams{}, driver.NewError(driver.StatusInvalidArgument, "unknown module type")
	}
	cores := s.byModule[m]
	if len(cores) == 0 {
		return HardwareParams{}, driver.NewError(driver.StatusNotFound, "no core serves module "+m.String())
	}
	hp := HardwareParams{
		Module:     m,
		Submodules: driver.DefaultSubmoduleOffsets,
		HwVersion:  cores[0].hwVersion,
		CoreCount:  len(cores),
	}
	for _, c := range cores {
		hp.Cores = append(hp.Cores, c.id)
	}
	return hp, nil
}

// Stats returns a snapshot of every core and the pool
func (s *Scheduler) Stats() Stats {
	var st Stats
	for _, c := range s.cores {
		st.Cores = append(st.Cores, s.snapshot(c))
	}
	st.FreeSlots, st.UsedSlots = s.pool.Counts()
	st.Processes = s.ledgers.count()
	return st
}

// CheckQueues verifies the structure of every core's queue
func (s *Scheduler) CheckQueues() error {
	for _, c := range s.cores {
		c.mu.Lock()
		err := c.list.Check()
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("core %d: %w", c.id, err)
		}
	}
	return nil
}

// free returns slots to the pool
func (s *Scheduler) free(ids []int) {
	for _, id := range ids {
		s.bufs[id].phase.Store(phaseFree)
		if err := s.pool.Release(id); err != nil {
			log.Print("daemon", "err", fmt.Sprintf("vcmd: releasing slot %d: %v", id, err))
		}
	}
}
