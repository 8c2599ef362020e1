//go:build unit

package vcmd_test

import (
	"errors"
	"testing"

	"github.com/emergingrobotics/go-vcmd/pkg/driver"
	"github.com/emergingrobotics/go-vcmd/pkg/vcmd"
	"github.com/emergingrobotics/go-vcmd/testutil"
)

func regions(cfg vcmd.Config) (content, status *driver.Memory, mirrors []*driver.Memory) {
	content = driver.WrapMemory(make([]byte, cfg.SlotSize*cfg.SlotCount), 0x1000_0000)
	status = driver.WrapMemory(make([]byte, cfg.StatusSize*cfg.SlotCount), 0x2000_0000)
	for i := range cfg.Cores {
		mirrors = append(mirrors, driver.WrapMemory(make([]byte, 256), 0x3000_0000+uint64(i)*256))
	}
	return content, status, mirrors
}

func TestNewProgramsEveryCore(t *testing.T) {
	cfg := testConfig(driver.ModuleEncoder, driver.ModuleDecoder)
	cfg.CoreTimeout = 5000
	regs := testutil.NewFakeRegisters(2, driver.HwVersionIDWriteback)
	content, status, mirrors := regions(cfg)

	s, err := vcmd.New(cfg, regs, content, status, mirrors)
	testutil.AssertNoError(t, err, "New")

	want := map[uint32]uint32{
		driver.RegIrqStatus: driver.IrqAll,
		driver.RegIrqEnable: driver.IrqAll,
		driver.RegTimeout:   5000,
	}
	for core := 0; core < 2; core++ {
		for off, v := range want {
			if got := regs.Read32(core, off); got != v {
				t.Errorf("core %d register %#x = %#x, expected %#x", core, off, got, v)
			}
		}
	}
	for _, w := range regs.Writes() {
		if w.Offset == driver.RegControl {
			t.Errorf("core %d: CONTROL written before any submission", w.Core)
		}
	}

	hp, err := s.HardwareParams(driver.ModuleDecoder)
	testutil.AssertNoError(t, err, "HardwareParams")
	testutil.AssertEqual(t, hp.HwVersion, driver.HwVersionIDWriteback, "version")
	testutil.AssertEqual(t, hp.CoreCount, 1, "decoder cores")

	pp := s.PoolParams()
	testutil.AssertEqual(t, len(pp.MirrorBus), 2, "mirrors")
	testutil.AssertEqual(t, pp.MirrorBus[1], mirrors[1].Bus(), "mirror bus address")
}

func TestNewRejectsForeignCore(t *testing.T) {
	cfg := testConfig(driver.ModuleEncoder, driver.ModuleEncoder)
	regs := testutil.NewFakeRegisters(2, driver.HwVersionIDWriteback)
	regs.Set(1, driver.RegHwID, 0xdead0001)
	content, status, mirrors := regions(cfg)

	_, err := vcmd.New(cfg, regs, content, status, mirrors)
	if !errors.Is(err, driver.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		edit func(*vcmd.Config)
	}{
		{"no cores", func(c *vcmd.Config) { c.Cores = nil }},
		{"unaligned slot", func(c *vcmd.Config) { c.SlotSize = 258 }},
		{"slot smaller than a jump", func(c *vcmd.Config) { c.SlotSize = driver.JumpSize }},
		{"zero ceiling", func(c *vcmd.Config) { c.ProcessCeiling = 0 }},
		{"unknown module", func(c *vcmd.Config) { c.Cores = []driver.ModuleType{driver.ModuleTypeCount} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(driver.ModuleEncoder)
			tt.edit(&cfg)
			if err := cfg.Validate(); !errors.Is(err, driver.ErrInvalidArgument) {
				t.Errorf("expected invalid argument, got %v", err)
			}
		})
	}

	cfg := testConfig(driver.ModuleEncoder)
	content, status, _ := regions(cfg)
	_, err := vcmd.New(cfg, testutil.NewFakeRegisters(1, driver.HwVersionIDWriteback), content, status, nil)
	if !errors.Is(err, driver.ErrInvalidArgument) {
		t.Errorf("missing mirrors: expected invalid argument, got %v", err)
	}
}
