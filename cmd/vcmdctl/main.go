package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/emergingrobotics/go-vcmd/pkg/device"
	"github.com/emergingrobotics/go-vcmd/pkg/driver"
	"github.com/emergingrobotics/go-vcmd/pkg/sim"
	"github.com/emergingrobotics/go-vcmd/pkg/stats"
	"github.com/emergingrobotics/go-vcmd/pkg/vcmd"
	"github.com/mattn/go-isatty"
	"github.com/platinasystems/flags"
	"github.com/platinasystems/parms"
)

// Version information (set by ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GoVersion = "unknown"
)

func main() {
	if err := dispatch(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "vcmdctl:", err)
		os.Exit(1)
	}
}

func dispatch(args []string, w io.Writer) error {
	if len(args) < 1 {
		printUsage(w)
		return nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "scan":
		return scanDevices(w)
	case "info":
		return deviceInfo(args, w)
	case "params":
		return printParams(args, w)
	case "run":
		return runDemo(args, w)
	case "version":
		printVersion(w)
		return nil
	case "help", "--help", "-h":
		printUsage(w)
		return nil
	}
	printUsage(w)
	return fmt.Errorf("unknown command: %s", cmd)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "VCMD command buffer scheduler")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: vcmdctl <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  scan                     Scan for VCMD UIO devices")
	fmt.Fprintln(w, "  info [-cores N] [DEVICE] Show the cores of a VCMD UIO device")
	fmt.Fprintln(w, "  params [-cores N]        Show pool and hardware parameters")
	fmt.Fprintln(w, "  run [OPTIONS]            Run buffers through a simulated device")
	fmt.Fprintln(w, "      -cores N             encoder cores (default 2)")
	fmt.Fprintln(w, "      -buffers N           buffers per process (default 16)")
	fmt.Fprintln(w, "      -ceiling N           per-process cost ceiling")
	fmt.Fprintln(w, "      -timeout D           wait timeout (default 10s)")
	fmt.Fprintln(w, "      -redis ADDR          publish statistics to redis")
	fmt.Fprintln(w, "      -high                submit every fourth buffer at high priority")
	fmt.Fprintln(w, "      -v                   report every buffer")
	fmt.Fprintln(w, "  version                  Print version information")
	fmt.Fprintln(w, "  help                     Show this help")
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "vcmdctl version %s\n", Version)
	fmt.Fprintf(w, "  Build time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Go version: %s\n", GoVersion)
}

func intParm(parm *parms.Parms, name string, def int) (int, error) {
	s := parm.ByName[name]
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: invalid value %q", name, s)
	}
	return n, nil
}

func scanDevices(w io.Writer) error {
	devices, err := device.Scan()
	if err != nil {
		return fmt.Errorf("scanning devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Fprintln(w, "No VCMD devices found")
		return nil
	}
	fmt.Fprintf(w, "Found %d VCMD device(s):\n", len(devices))
	for _, d := range devices {
		fmt.Fprintf(w, "  [%d] %s %s, %d cores\n", d.Index, d.Path, d.Name, d.Cores)
	}
	return nil
}

func deviceInfo(args []string, w io.Writer) error {
	parm, args := parms.New(args, "-cores")
	cores, err := intParm(parm, "-cores", 0)
	if err != nil {
		return err
	}
	var path string
	switch len(args) {
	case 0:
		devices, err := device.Scan()
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			return driver.NewError(driver.StatusNotFound, "no VCMD device")
		}
		path = devices[0].Path
		if cores == 0 {
			cores = devices[0].Cores
		}
	case 1:
		path = args[0]
	default:
		return fmt.Errorf("usage: vcmdctl info [-cores N] [DEVICE]")
	}
	if cores == 0 {
		cores = 1
	}
	dev, err := driver.OpenDevice(path, cores)
	if err != nil {
		return err
	}
	defer dev.Close()

	fmt.Fprintf(w, "Device: %s\n", dev.Path())
	for i := 0; i < dev.Cores(); i++ {
		id := dev.Read32(i, driver.RegHwID)
		kind := "VCMD"
		if id>>16 != driver.HwIDVcmd {
			kind = "not a VCMD"
		}
		fmt.Fprintf(w, "  core %d: id %#08x (%s) version %#08x state %s\n",
			i, id, kind, dev.Read32(i, driver.RegHwVersion),
			driver.WorkState(dev.Read32(i, driver.RegWorkState)))
	}
	return nil
}

// simulated starts a scheduler over a simulated device
func simulated(cfg vcmd.Config) (*vcmd.Scheduler, *sim.Device, error) {
	sc := sim.DefaultConfig()
	sc.Cores = len(cfg.Cores)
	dev, err := sim.New(sc)
	if err != nil {
		return nil, nil, err
	}
	content, err := dev.Alloc(uint64(cfg.SlotSize * cfg.SlotCount))
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	status, err := dev.Alloc(uint64(cfg.StatusSize * cfg.SlotCount))
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	s, err := vcmd.New(cfg, dev, content, status, dev.Mirrors())
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return s, dev, nil
}

func encoders(n int) []driver.ModuleType {
	cores := make([]driver.ModuleType, n)
	for i := range cores {
		cores[i] = driver.ModuleEncoder
	}
	return cores
}

func printParams(args []string, w io.Writer) error {
	parm, _ := parms.New(args, "-cores")
	n, err := intParm(parm, "-cores", 1)
	if err != nil {
		return err
	}
	cfg := vcmd.DefaultConfig()
	cfg.Cores = encoders(n)
	s, dev, err := simulated(cfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	p := s.PoolParams()
	fmt.Fprintf(w, "Pool: %d slots of %d bytes (status %d bytes)\n", p.SlotCount, p.SlotSize, p.StatusSlotSize)
	fmt.Fprintf(w, "  content bus %#x size %d\n", p.ContentBus, p.ContentSize)
	fmt.Fprintf(w, "  status  bus %#x size %d\n", p.StatusBus, p.StatusSize)
	for i, bus := range p.MirrorBus {
		fmt.Fprintf(w, "  mirror %d bus %#x size %d\n", i, bus, p.MirrorSize)
	}
	hp, err := s.HardwareParams(driver.ModuleEncoder)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Module %s: %d cores %v, version %#08x\n", hp.Module, hp.CoreCount, hp.Cores, hp.HwVersion)
	fmt.Fprintf(w, "  submodules main %#x dec400 %#x l2cache %#x mmu %#x\n",
		hp.Submodules.Main, hp.Submodules.Dec400, hp.Submodules.L2Cache, hp.Submodules.MMU)
	return nil
}

type demoOptions struct {
	cores, buffers, processes int
	ceiling                   uint64
	timeout                   time.Duration
	redis                     string
	high, verbose             bool
}

func parseDemo(args []string) (demoOptions, error) {
	flag, args := flags.New(args, "-v", "-high")
	parm, args := parms.New(args, "-cores", "-buffers", "-ceiling", "-timeout", "-redis")
	if len(args) > 0 {
		return demoOptions{}, fmt.Errorf("unexpected arguments: %v", args)
	}
	o := demoOptions{
		processes: 2,
		redis:     parm.ByName["-redis"],
		high:      flag.ByName["-high"],
		verbose:   flag.ByName["-v"],
	}
	var err error
	if o.cores, err = intParm(parm, "-cores", 2); err != nil {
		return o, err
	}
	if o.buffers, err = intParm(parm, "-buffers", 16); err != nil {
		return o, err
	}
	ceiling, err := intParm(parm, "-ceiling", 1<<20)
	if err != nil {
		return o, err
	}
	o.ceiling = uint64(ceiling)
	o.timeout = 10 * time.Second
	if s := parm.ByName["-timeout"]; s != "" {
		if o.timeout, err = time.ParseDuration(s); err != nil {
			return o, fmt.Errorf("-timeout: %w", err)
		}
	}
	return o, nil
}

func runDemo(args []string, w io.Writer) error {
	o, err := parseDemo(args)
	if err != nil {
		return err
	}
	cfg := vcmd.DefaultConfig()
	cfg.Cores = encoders(o.cores)
	cfg.ProcessCeiling = o.ceiling
	cfg.WaitTimeout = o.timeout
	s, dev, err := simulated(cfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx, dev)

	var pub *stats.Publisher
	if o.redis != "" {
		if pub, err = stats.Dial(o.redis, stats.DefaultKey); err != nil {
			return err
		}
		defer pub.Close()
		go pub.Run(ctx, s, 100*time.Millisecond)
	}

	start := time.Now()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for p := 0; p < o.processes; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			if err := runProcess(ctx, s, o, p, w, &mu); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	fmt.Fprintf(w, "%d buffers in %v\n", o.processes*o.buffers, time.Since(start).Round(time.Microsecond))
	if err := s.CheckQueues(); err != nil {
		return err
	}
	st := s.Stats()
	printStats(w, st)
	if pub != nil {
		return pub.Publish(st)
	}
	return nil
}

func runProcess(ctx context.Context, s *vcmd.Scheduler, o demoOptions, p int, w io.Writer, mu *sync.Mutex) error {
	sess := s.Open(vcmd.NewProcessHandle())
	defer sess.Close()

	submitted := 0
	for i := 0; i < o.buffers; i++ {
		prio := vcmd.PriorityNormal
		if o.high && i%4 == 3 {
			prio = vcmd.PriorityHigh
		}
		id, err := sess.Reserve(ctx, driver.ModuleEncoder, prio, uint64(1+i%8))
		if err != nil {
			return fmt.Errorf("process %d: %w", p, err)
		}
		content, _, err := sess.Buffer(id)
		if err != nil {
			return err
		}
		prog := driver.NewProgram().
			WReg(driver.DefaultSubmoduleOffsets.Main, uint32(p), uint32(i)).
			Stall(uint16(1 + i%4)).
			Jmp()
		copy(content, prog.Bytes())
		core, err := sess.LinkAndRun(ctx, id, prog.Len())
		if err != nil {
			return fmt.Errorf("process %d buffer %d: %w", p, id, err)
		}
		submitted++
		if o.verbose {
			mu.Lock()
			fmt.Fprintf(w, "process %d: buffer %d (%s) on core %d\n", p, id, prio, core)
			mu.Unlock()
		}
	}

	for ; submitted > 0; submitted-- {
		id, st, err := sess.Wait(ctx, vcmd.AnyBuffer)
		if err != nil {
			return fmt.Errorf("process %d: %w", p, err)
		}
		if st != vcmd.ExecOk {
			return fmt.Errorf("process %d: buffer %d finished with %s", p, id, st)
		}
		if err := sess.Release(id); err != nil {
			return err
		}
	}
	return nil
}

func printStats(w io.Writer, st vcmd.Stats) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		fmt.Fprintln(tw, "CORE\tMODULE\tCOMPLETED\tERRORS\tABORTS\tTIMEOUTS\tRESETS\tQUEUED")
	}
	for _, c := range st.Cores {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			c.ID, c.Module, c.Completed, c.Errors, c.Aborts, c.Timeouts, c.Resets, c.Queued)
	}
	tw.Flush()
	fmt.Fprintf(w, "slots: %d used, %d free\n", st.UsedSlots, st.FreeSlots)
}
