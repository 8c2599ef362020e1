//go:build unit

package sim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emergingrobotics/go-vcmd/pkg/driver"
)

func newTestDevice(t *testing.T, cfg Config) (*Device, *driver.Memory) {
	t.Helper()
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mem, err := d.Alloc(4 * 256)
	if err != nil {
		d.Close()
		t.Fatalf("Alloc: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, mem
}

// load copies prog into slot i of mem and returns its bus address
func load(mem *driver.Memory, i int, prog *driver.Program) uint64 {
	copy(mem.Data()[i*256:], prog.Bytes())
	return mem.Bus() + uint64(i*256)
}

func startAt(d *Device, core int, addr uint64, id uint32) {
	d.Write32(core, driver.RegIrqEnable, driver.IrqAll)
	d.Write32(core, driver.RegStartAddrLo, uint32(addr))
	d.Write32(core, driver.RegStartAddrHi, uint32(addr>>32))
	d.Write32(core, driver.RegStartID, id)
	d.Write32(core, driver.RegControl, driver.ControlStart)
}

func waitIrq(t *testing.T, d *Device, core int, bits uint32) uint32 {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		st := d.Read32(core, driver.RegIrqStatus)
		if st&bits == bits {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("core %d: interrupt status %#x, waiting for %#x", core, st, bits)
		}
		time.Sleep(time.Millisecond)
	}
}

func sameIDs(got, want []uint32) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestNewRejectsCoreCount(t *testing.T) {
	for _, n := range []int{0, driver.MaxCores + 1} {
		cfg := DefaultConfig()
		cfg.Cores = n
		if _, err := New(cfg); err == nil {
			t.Errorf("cores=%d: expected error", n)
		}
	}
}

func TestIdentification(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cores = 2
	d, _ := newTestDevice(t, cfg)

	for i := 0; i < 2; i++ {
		id := d.Read32(i, driver.RegHwID)
		if id>>16 != driver.HwIDVcmd || int(id&0xffff) != i {
			t.Errorf("core %d: hardware id %#x", i, id)
		}
		if v := d.Read32(i, driver.RegHwVersion); v != driver.HwVersionIDWriteback {
			t.Errorf("core %d: version %#x", i, v)
		}
	}

	d.Write32(0, driver.RegHwID, 0)
	if d.Read32(0, driver.RegHwID) == 0 {
		t.Error("hardware id register is writable")
	}
}

func TestEndStopsCoreAndWritesMirror(t *testing.T) {
	d, mem := newTestDevice(t, DefaultConfig())

	addr := load(mem, 0, driver.NewProgram().Stall(1).End())
	startAt(d, 0, addr, 5)
	waitIrq(t, d, 0, driver.IrqEnd)

	if !d.WaitParked(0, time.Second) {
		t.Fatal("core did not stop")
	}
	if s := d.State(0); s != driver.WorkStateIdle {
		t.Errorf("state %v after END", s)
	}
	if got := d.Read32(0, driver.RegExeCount); got != 1 {
		t.Errorf("EXE_COUNT %d, expected 1", got)
	}
	if got := driver.Load32(d.Mirror(0).Data(), driver.MirrorExeIDOffset); got != 5 {
		t.Errorf("mirror id %d, expected 5", got)
	}
	if tr := d.Trace(0); !sameIDs(tr, []uint32{5}) {
		t.Errorf("trace %v", tr)
	}
}

func TestJumpChain(t *testing.T) {
	d, mem := newTestDevice(t, DefaultConfig())

	first := driver.NewProgram().Stall(1).Jmp()
	second := driver.NewProgram().Nop().Jmp()
	third := driver.NewProgram().Stall(1).End()
	a := load(mem, 0, first)
	b := load(mem, 1, second)
	c := load(mem, 2, third)
	driver.StoreJump(mem.Data(), driver.JumpOffset(first.Len()), driver.Jump{
		Ready:    true,
		NextLen:  driver.JumpLength(second.Len()),
		NextAddr: b,
		NextID:   1,
	})

	startAt(d, 0, a, 0)
	waitIrq(t, d, 0, driver.IrqJmp)
	deadline := time.Now().Add(time.Second)
	for d.Read32(0, driver.RegExeCount) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("second buffer never completed")
		}
		time.Sleep(time.Millisecond)
	}
	if !d.WaitParked(0, time.Second) {
		t.Fatal("core did not park on the unready jump")
	}
	if s := d.State(0); s != driver.WorkStateWorking {
		t.Errorf("parked core reports %v", s)
	}

	// Patch the parked jump and kick the core.
	driver.StoreJump(mem.Data(), 256+driver.JumpOffset(second.Len()), driver.Jump{
		Ready:    true,
		NextLen:  driver.JumpLength(third.Len()),
		NextAddr: c,
		NextID:   2,
	})
	d.Write32(0, driver.RegSwRdyNum, 3)
	waitIrq(t, d, 0, driver.IrqEnd)

	if tr := d.Trace(0); !sameIDs(tr, []uint32{0, 1, 2}) {
		t.Errorf("trace %v, expected [0 1 2]", tr)
	}
}

func TestLegacyMirrorRecordsAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HwVersion = driver.HwVersionLegacy
	d, mem := newTestDevice(t, cfg)

	prog := driver.NewProgram().Nop().Jmp()
	addr := load(mem, 0, prog)
	startAt(d, 0, addr, 0)
	waitIrq(t, d, 0, driver.IrqJmp)

	data := d.Mirror(0).Data()
	got := uint64(driver.Load32(data, driver.MirrorExeAddrOffset+4))<<32 | uint64(driver.Load32(data, driver.MirrorExeAddrOffset))
	if want := addr + uint64(driver.JumpOffset(prog.Len())); got != want {
		t.Errorf("mirror address %#x, expected %#x", got, want)
	}
}

func TestFaults(t *testing.T) {
	tests := []struct {
		name    string
		prog    *driver.Program
		timeout uint32
		unmap   bool
		want    uint32
	}{
		{"fetch outside memory", nil, 0, true, driver.IrqBusErr},
		{"write outside submodules", driver.NewProgram().WReg(0x0040, 1).End(), 0, false, driver.IrqCmdErr},
		{"read to unmapped address", driver.NewProgram().RReg(0x1000, 1, 0x10).End(), 0, false, driver.IrqBusErr},
		{"unknown opcode", driver.NewProgram().Raw(0x1f << driver.OpcodeShift).Raw(0).End(), 0, false, driver.IrqCmdErr},
		{"stall past timeout", driver.NewProgram().Stall(10).End(), 4, false, driver.IrqTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, mem := newTestDevice(t, DefaultConfig())
			addr := uint64(0x10)
			if !tt.unmap {
				addr = load(mem, 0, tt.prog)
			}
			d.Write32(0, driver.RegTimeout, tt.timeout)
			startAt(d, 0, addr, 0)

			st := waitIrq(t, d, 0, tt.want)
			if st&driver.IrqEnd != 0 {
				t.Errorf("faulting buffer also raised END (%#x)", st)
			}
			if !d.WaitParked(0, time.Second) || d.State(0) != driver.WorkStateIdle {
				t.Error("core did not stop on the fault")
			}
			if len(d.Trace(0)) != 0 {
				t.Errorf("faulting buffer completed: %v", d.Trace(0))
			}
		})
	}
}

func TestSubmoduleWriteThenRead(t *testing.T) {
	d, mem := newTestDevice(t, DefaultConfig())

	out := mem.Bus() + 3*256
	prog := driver.NewProgram().
		WReg(0x2000, 7, 8).
		RReg(0x2000, 2, out).
		End()
	startAt(d, 0, load(mem, 0, prog), 0)
	waitIrq(t, d, 0, driver.IrqEnd)

	data := mem.Data()
	if a, b := driver.Load32(data, 3*256), driver.Load32(data, 3*256+4); a != 7 || b != 8 {
		t.Errorf("read back %d %d, expected 7 8", a, b)
	}
}

func TestAbortWaitsForBufferBoundary(t *testing.T) {
	d, mem := newTestDevice(t, DefaultConfig())

	prog := driver.NewProgram().Stall(1).Jmp()
	d.Pause(0)
	startAt(d, 0, load(mem, 0, prog), 3)
	d.Write32(0, driver.RegControl, driver.ControlAbort)
	if s := d.State(0); s != driver.WorkStateAborting {
		t.Fatalf("state %v after abort request", s)
	}
	d.Resume(0)

	st := waitIrq(t, d, 0, driver.IrqAbort)
	if st&driver.IrqJmp == 0 {
		t.Errorf("status %#x: the finished buffer's jump interrupt is missing", st)
	}
	if tr := d.Trace(0); !sameIDs(tr, []uint32{3}) {
		t.Errorf("trace %v, expected the running buffer to finish", tr)
	}
}

func TestAbortWhileIdleIsIgnored(t *testing.T) {
	d, _ := newTestDevice(t, DefaultConfig())

	d.Write32(0, driver.RegIrqEnable, driver.IrqAll)
	d.Write32(0, driver.RegControl, driver.ControlAbort)
	if s := d.State(0); s != driver.WorkStateIdle {
		t.Errorf("state %v", s)
	}
	if st := d.Read32(0, driver.RegIrqStatus); st != 0 {
		t.Errorf("idle abort raised %#x", st)
	}
}

func TestInterruptStatusWriteOneToClear(t *testing.T) {
	d, _ := newTestDevice(t, DefaultConfig())

	d.InjectReset(0)
	d.Poke(0, driver.RegIrqStatus, driver.IrqReset|driver.IrqJmp)
	d.Write32(0, driver.RegIrqStatus, driver.IrqJmp)
	if st := d.Read32(0, driver.RegIrqStatus); st != driver.IrqReset {
		t.Errorf("status %#x after clearing JMP", st)
	}
}

func TestServeInterrupts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cores = 2
	d, mem := newTestDevice(t, cfg)

	var mu sync.Mutex
	seen := map[int]uint32{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.ServeInterrupts(ctx, func(core int) {
			st := d.Read32(core, driver.RegIrqStatus)
			d.Write32(core, driver.RegIrqStatus, st)
			mu.Lock()
			seen[core] |= st
			mu.Unlock()
		})
	}()

	startAt(d, 1, load(mem, 0, driver.NewProgram().End()), 0)
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		st := seen[1]
		mu.Unlock()
		if st&driver.IrqEnd != 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("END on core 1 never delivered")
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	if seen[0] != 0 {
		t.Errorf("idle core 0 delivered %#x", seen[0])
	}
	mu.Unlock()

	cancel()
	d.signal()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("ServeInterrupts returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ServeInterrupts did not return after cancel")
	}
}
