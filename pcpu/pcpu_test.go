package pcpu_test

import (
	"testing"
	"time"

	"github.com/vmxcore/hypervisor/pcpu"
)

func TestInitPreSetsActiveBit(t *testing.T) {
	t.Parallel()

	r := pcpu.NewRegistry()

	if _, err := r.Register(0, 0xAA); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.InitPre(0); err != nil {
		t.Fatalf("InitPre: %v", err)
	}

	if r.ActiveBitmap()&1 == 0 {
		t.Fatal("expected bit 0 set in active bitmap")
	}

	if r.Get(0).State() != pcpu.Initializing {
		t.Fatalf("state = %v, want Initializing", r.Get(0).State())
	}
}

func TestInitPostClearsSyncBit(t *testing.T) {
	t.Parallel()

	r := pcpu.NewRegistry()
	_, _ = r.Register(1, 0xBB)

	if err := r.InitPre(1); err != nil {
		t.Fatalf("InitPre: %v", err)
	}

	if ok := r.WaitSyncChange(1<<1, 5*time.Millisecond); ok {
		t.Fatal("expected WaitSyncChange to time out before InitPost")
	}

	if err := r.InitPost(1); err != nil {
		t.Fatalf("InitPost: %v", err)
	}

	if !r.WaitSyncChange(1<<1, 50*time.Millisecond) {
		t.Fatal("expected WaitSyncChange to succeed after InitPost")
	}

	if r.Get(1).State() != pcpu.Running {
		t.Fatalf("state = %v, want Running", r.Get(1).State())
	}
}

func TestCPUDeadClearsActiveBit(t *testing.T) {
	t.Parallel()

	r := pcpu.NewRegistry()
	_, _ = r.Register(2, 0xCC)
	_ = r.InitPre(2)

	r.CPUDead(2)

	if r.ActiveBitmap()&(1<<2) != 0 {
		t.Fatal("expected bit 2 cleared after CPUDead")
	}

	if r.Get(2).State() != pcpu.Dead {
		t.Fatalf("state = %v, want Dead", r.Get(2).State())
	}
}

func TestStartPCPUsBringsUpAPs(t *testing.T) {
	t.Parallel()

	r := pcpu.NewRegistry()
	_, _ = r.Register(0, 0)
	_, _ = r.Register(1, 1)
	_, _ = r.Register(2, 2)

	r.StartPCPUs(0b111, 0, func(id int) {
		_ = r.InitPre(id)
		_ = r.InitPost(id)
	})

	if r.Get(1).State() != pcpu.Running {
		t.Fatalf("pCPU 1 state = %v, want Running", r.Get(1).State())
	}

	if r.Get(2).State() != pcpu.Running {
		t.Fatalf("pCPU 2 state = %v, want Running", r.Get(2).State())
	}
}

func TestNotifyWakesWaiter(t *testing.T) {
	t.Parallel()

	r := pcpu.NewRegistry()
	p, _ := r.Register(0, 0)

	done := make(chan bool, 1)

	go func() {
		done <- p.WaitNotify(100 * time.Millisecond)
	}()

	time.Sleep(5 * time.Millisecond)
	p.Notify()

	if ok := <-done; !ok {
		t.Fatal("expected WaitNotify to observe Notify before timeout")
	}
}

func TestRegisterRejectsOutOfRangeID(t *testing.T) {
	t.Parallel()

	r := pcpu.NewRegistry()

	if _, err := r.Register(pcpu.MaxPCPU, 0); err == nil {
		t.Fatal("expected error for out-of-range id")
	}
}
