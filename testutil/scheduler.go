package testutil

import (
	"context"
	"testing"

	"github.com/emergingrobotics/go-vcmd/pkg/driver"
	"github.com/emergingrobotics/go-vcmd/pkg/sim"
	"github.com/emergingrobotics/go-vcmd/pkg/vcmd"
)

// NewSimScheduler builds a scheduler over a simulated device with one core
// per entry of cfg.Cores and serves its interrupts until the test ends.
func NewSimScheduler(t testing.TB, cfg vcmd.Config, version uint32) (*vcmd.Scheduler, *sim.Device) {
	t.Helper()

	sc := sim.DefaultConfig()
	sc.Cores = len(cfg.Cores)
	sc.HwVersion = version
	dev, err := sim.New(sc)
	if err != nil {
		t.Fatalf("starting simulator: %v", err)
	}

	content, err := dev.Alloc(uint64(cfg.SlotSize * cfg.SlotCount))
	if err != nil {
		dev.Close()
		t.Fatalf("allocating content pool: %v", err)
	}
	status, err := dev.Alloc(uint64(cfg.StatusSize * cfg.SlotCount))
	if err != nil {
		dev.Close()
		t.Fatalf("allocating status pool: %v", err)
	}

	s, err := vcmd.New(cfg, dev, content, status, dev.Mirrors())
	if err != nil {
		dev.Close()
		t.Fatalf("creating scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		s.Serve(ctx, dev)
	}()
	t.Cleanup(func() {
		cancel()
		<-served
		dev.Close()
	})
	return s, dev
}

// Fill copies prog into buffer id of sess and returns its size
func Fill(t testing.TB, sess *vcmd.Session, id int, prog *driver.Program) int {
	t.Helper()
	content, _, err := sess.Buffer(id)
	if err != nil {
		t.Fatalf("buffer %d: %v", id, err)
	}
	if prog.Len() > len(content) {
		t.Fatalf("program of %d bytes does not fit buffer %d", prog.Len(), id)
	}
	copy(content, prog.Bytes())
	return prog.Len()
}

// Submit reserves a buffer, fills it with prog and links it, returning
// the buffer id and the core it was queued on
func Submit(t testing.TB, sess *vcmd.Session, m driver.ModuleType, prio vcmd.Priority, cost uint64, prog *driver.Program, opts ...vcmd.ReserveOption) (int, int) {
	t.Helper()
	ctx := context.Background()
	id, err := sess.Reserve(ctx, m, prio, cost, opts...)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	size := Fill(t, sess, id, prog)
	core, err := sess.LinkAndRun(ctx, id, size)
	if err != nil {
		t.Fatalf("link buffer %d: %v", id, err)
	}
	return id, core
}
