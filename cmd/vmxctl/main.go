// Command vmxctl is the diagnostics entry point: it probes the CPU
// capability gate the hypervisor core requires, exercises the
// pending-request pipeline against a synthetic VM, and optionally
// profiles either run.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/felixge/fgprof"
	"github.com/pkg/profile"

	"github.com/vmxcore/hypervisor/cpucap"
	"github.com/vmxcore/hypervisor/pcpu"
	"github.com/vmxcore/hypervisor/vm"
)

var errInvalidSubcommand = errors.New("expected 'probe' or 'stress' subcommands")

type probeArgs struct {
	verbose bool
}

type stressArgs struct {
	ncpus      int
	memMiB     int
	iterations int
	cpuProfile bool
	fgprofAddr string
}

func parseProbeArgs(args []string) (*probeArgs, error) {
	cmd := flag.NewFlagSet("probe subcommand", flag.ExitOnError)
	c := &probeArgs{}

	cmd.BoolVar(&c.verbose, "v", false, "print every gate, not just the missing ones")

	if err := cmd.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

func parseStressArgs(args []string) (*stressArgs, error) {
	cmd := flag.NewFlagSet("stress subcommand", flag.ExitOnError)
	c := &stressArgs{}

	cmd.IntVar(&c.ncpus, "c", 2, "number of vcpus")
	cmd.IntVar(&c.memMiB, "m", 64, "guest memory in MiB")
	cmd.IntVar(&c.iterations, "n", 100000, "pipeline iterations per vcpu")
	cmd.BoolVar(&c.cpuProfile, "cpuprofile", false, "write a CPU profile to the current directory")
	cmd.StringVar(&c.fgprofAddr, "fgprof", "", "serve /debug/fgprof on this address (e.g. :6060)")

	if err := cmd.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

func runProbe(c *probeArgs) error {
	caps := cpucap.Probe()
	missing := caps.Missing()

	if c.verbose {
		fmt.Printf("physical address width: %d bits\n", caps.PhysAddrWidth)
	}

	if len(missing) == 0 {
		fmt.Println("all required capabilities present")

		return nil
	}

	for _, name := range missing {
		fmt.Printf("missing: %s\n", name)
	}

	return fmt.Errorf("capability gate failed: %d features missing", len(missing))
}

// runStress drives the pending-request pipeline hard enough that a
// profile shows where entry-time cycles go: every iteration posts an
// event and an EPT flush, then consumes them.
func runStress(c *stressArgs) error {
	if c.cpuProfile {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	}

	if c.fgprofAddr != "" {
		http.DefaultServeMux.Handle("/debug/fgprof", fgprof.Handler())

		go func() {
			log.Println(http.ListenAndServe(c.fgprofAddr, nil))
		}()
	}

	reg := pcpu.NewRegistry()
	for i := 0; i < c.ncpus; i++ {
		if _, err := reg.Register(i, uint32(i)); err != nil {
			return err
		}
	}

	mgr := vm.NewManager(reg, nopExec{})

	guest, err := mgr.CreateVM(vm.Config{
		Name:    "stress",
		MemSize: uint64(c.memMiB) << 20,
		NCPUs:   c.ncpus,
	})
	if err != nil {
		return err
	}

	defer func() {
		if err := mgr.DestroyVM(guest.ID); err != nil {
			log.Printf("destroy: %v", err)
		}
	}()

	if err := guest.Start(); err != nil {
		return err
	}

	for _, vc := range guest.VCpus {
		for i := 0; i < c.iterations; i++ {
			vc.VLAPIC.Accept(0x41, false)
			pend(vc)

			if err := guest.Dispatcher.HandlePendingRequest(vc); err != nil {
				return err
			}
		}
	}

	fmt.Printf("stress: %d vcpus x %d iterations done\n", c.ncpus, c.iterations)

	return nil
}

func main() {
	if len(os.Args) < 2 {
		log.Fatal(errInvalidSubcommand)
	}

	var err error

	switch os.Args[1] {
	case "probe":
		var c *probeArgs
		if c, err = parseProbeArgs(os.Args[2:]); err == nil {
			err = runProbe(c)
		}
	case "stress":
		var c *stressArgs
		if c, err = parseStressArgs(os.Args[2:]); err == nil {
			err = runStress(c)
		}
	default:
		err = errInvalidSubcommand
	}

	if err != nil {
		log.Fatal(err)
	}
}
