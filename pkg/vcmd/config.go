// Package vcmd schedules command buffers onto VCMD cores. Clients reserve
// buffers from a shared pool, fill them with op-codes and submit them; the
// scheduler picks a core, chains the buffer behind that core's queue by
// patching jump instructions in place, and finishes buffers from the
// cores' interrupts.
package vcmd

import (
	"fmt"
	"time"

	"github.com/emergingrobotics/go-vcmd/pkg/driver"
)

// Config holds the tunables of a Scheduler
type Config struct {
	SlotSize   int
	StatusSize int
	SlotCount  int

	// Cores lists the module type of each core, by core index
	Cores []driver.ModuleType

	// ProcessCeiling bounds the summed cost of one process's outstanding
	// buffers. A process with nothing outstanding is always admitted.
	ProcessCeiling uint64

	// InterruptCeiling bounds the cost a core may execute without raising
	// a completion interrupt when buffers ask to suppress theirs.
	InterruptCeiling uint64

	WaitTimeout  time.Duration
	AbortRetries int
	AbortPollMin time.Duration
	AbortPollMax time.Duration

	// CoreTimeout is written to the TIMEOUT register of every core, in
	// stall ticks. Zero disables the watchdog.
	CoreTimeout uint32
}

// DefaultConfig returns the configuration of a single encoder core
func DefaultConfig() Config {
	return Config{
		SlotSize:         driver.DefaultSlotSize,
		StatusSize:       driver.DefaultStatusSize,
		SlotCount:        driver.DefaultSlotCount,
		Cores:            []driver.ModuleType{driver.ModuleEncoder},
		ProcessCeiling:   1 << 20,
		InterruptCeiling: 1 << 16,
		WaitTimeout:      10 * time.Second,
		AbortRetries:     20,
		AbortPollMin:     time.Millisecond,
		AbortPollMax:     100 * time.Millisecond,
		CoreTimeout:      0,
	}
}

// Validate checks the configuration for values the scheduler cannot run with
func (c Config) Validate() error {
	switch {
	case len(c.Cores) == 0 || len(c.Cores) > driver.MaxCores:
		return driver.NewError(driver.StatusInvalidArgument, "core count out of range")
	case c.SlotSize <= driver.JumpSize || c.SlotSize%driver.WordSize != 0:
		return driver.NewError(driver.StatusInvalidArgument, "slot size must be a multiple of 4 larger than a jump")
	case c.SlotCount <= 0:
		return driver.NewError(driver.StatusInvalidArgument, "slot count must be positive")
	case c.StatusSize <= 0:
		return driver.NewError(driver.StatusInvalidArgument, "status size must be positive")
	case c.ProcessCeiling == 0:
		return driver.NewError(driver.StatusInvalidArgument, "process ceiling must be positive")
	case c.WaitTimeout <= 0:
		return driver.NewError(driver.StatusInvalidArgument, "wait timeout must be positive")
	case c.AbortRetries <= 0:
		return driver.NewError(driver.StatusInvalidArgument, "abort retries must be positive")
	}
	for i, m := range c.Cores {
		if m >= driver.ModuleTypeCount {
			return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("core %d has an unknown module type", i))
		}
	}
	return nil
}
