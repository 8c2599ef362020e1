//go:build unit

package vcmd_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/emergingrobotics/go-vcmd/pkg/driver"
	"github.com/emergingrobotics/go-vcmd/pkg/vcmd"
	"github.com/emergingrobotics/go-vcmd/testutil"
)

// cycle reserves, fills, submits, waits for and releases one buffer
func cycle(ctx context.Context, sess *vcmd.Session, prio vcmd.Priority, cost uint64, prog *driver.Program) error {
	id, err := sess.Reserve(ctx, driver.ModuleEncoder, prio, cost)
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	content, _, err := sess.Buffer(id)
	if err != nil {
		return fmt.Errorf("buffer %d: %w", id, err)
	}
	copy(content, prog.Bytes())
	if _, err := sess.LinkAndRun(ctx, id, prog.Len()); err != nil {
		sess.Release(id)
		return fmt.Errorf("link %d: %w", id, err)
	}
	got, st, err := sess.Wait(ctx, id)
	if err != nil {
		return fmt.Errorf("wait %d: %w", id, err)
	}
	if got != id || st != vcmd.ExecOk {
		return fmt.Errorf("wait %d: got %d status %v", id, got, st)
	}
	return sess.Release(id)
}

func TestConcurrentSessionsKeepLedgersBalanced(t *testing.T) {
	tests := []struct {
		name     string
		cores    int
		slots    int
		sessions int
		rounds   int
		prog     func() *driver.Program
		// buffers a core may still hold parked on its tail jump
		parked int
	}{
		{"one slot shared", 1, 1, 2, 200, func() *driver.Program { return driver.NewProgram().Nop().End() }, 0},
		{"ending buffers", 2, 4, 6, 100, func() *driver.Program { return driver.NewProgram().Stall(1).End() }, 0},
		{"chained buffers", 3, 8, 8, 100, work, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mods := make([]driver.ModuleType, tt.cores)
			cfg := testConfig(mods...)
			cfg.SlotCount = tt.slots
			cfg.ProcessCeiling = 3
			s, _ := testutil.NewSimScheduler(t, cfg, driver.HwVersionIDWriteback)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			sessions := make([]*vcmd.Session, tt.sessions)
			errs := make(chan error, tt.sessions)
			var wg sync.WaitGroup
			for i := range sessions {
				sess := s.Open(vcmd.NewProcessHandle())
				sessions[i] = sess
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					for r := 0; r < tt.rounds; r++ {
						prio := vcmd.PriorityNormal
						if (i+r)%5 == 0 {
							prio = vcmd.PriorityHigh
						}
						// costs 1 and 1001 alternate so a refund landing
						// on the wrong process shows up in its ledger
						cost := uint64(1)
						if i%2 == 1 {
							cost = 1001
						}
						if err := cycle(ctx, sess, prio, cost, tt.prog()); err != nil {
							errs <- fmt.Errorf("session %d round %d: %w", i, r, err)
							return
						}
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Error(err)
			}

			for i, sess := range sessions {
				testutil.AssertEqual(t, sess.Admitted(), uint64(0), fmt.Sprintf("session %d admitted", i))
			}
			testutil.Eventually(t, time.Second, func() bool {
				return s.Stats().UsedSlots <= tt.parked
			}, "slots still in use after every buffer was released")
			checkQueues(t, s)

			for _, sess := range sessions {
				testutil.AssertNoError(t, sess.Close(), "close")
			}
			st := s.Stats()
			testutil.AssertEqual(t, st.FreeSlots+st.UsedSlots, tt.slots, "slots conserved")
		})
	}
}
