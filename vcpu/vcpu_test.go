package vcpu_test

import (
	"testing"

	"github.com/vmxcore/hypervisor/lowlevel"
	"github.com/vmxcore/hypervisor/vcpu"
)

type fakeExec struct {
	vmcs        map[uint64]uint64
	launchCount int
	resumeCount int
}

func newFakeExec() *fakeExec { return &fakeExec{vmcs: make(map[uint64]uint64)} }

func (f *fakeExec) VMPTRLD(uint64) uint8 { return lowlevel.StatusOK }
func (f *fakeExec) VMCLEAR(uint64) uint8 { return lowlevel.StatusOK }
func (f *fakeExec) VMLAUNCH() uint8      { f.launchCount++; return lowlevel.StatusOK }
func (f *fakeExec) VMRESUME() uint8      { f.resumeCount++; return lowlevel.StatusOK }

func (f *fakeExec) VMREAD(field uint64) (uint64, uint8) { return f.vmcs[field], lowlevel.StatusOK }
func (f *fakeExec) VMWRITE(field, val uint64) uint8 {
	f.vmcs[field] = val
	return lowlevel.StatusOK
}

func (f *fakeExec) INVEPT(uint64, *[2]uint64) uint8  { return lowlevel.StatusOK }
func (f *fakeExec) INVVPID(uint64, *[2]uint64) uint8 { return lowlevel.StatusOK }

const ripField = 0x681E

func TestPendingRequestBitmapSetClear(t *testing.T) {
	t.Parallel()

	var p vcpu.PendingRequestBitmap

	p.Set(vcpu.ReqEPTFlush)

	if !p.Any() {
		t.Fatal("expected Any() true after Set")
	}

	if !p.TestAndClear(vcpu.ReqEPTFlush) {
		t.Fatal("expected TestAndClear true the first time")
	}

	if p.TestAndClear(vcpu.ReqEPTFlush) {
		t.Fatal("expected TestAndClear false once already cleared")
	}

	if p.Any() {
		t.Fatal("expected Any() false once drained")
	}
}

func TestNewVCpuStartsWithInitVMCSPending(t *testing.T) {
	t.Parallel()

	exec := newFakeExec()
	v := vcpu.New(0, 0, 0x1000, exec)

	if !v.Pending.TestAndClear(vcpu.ReqInitVMCS)  {
		t.Fatal("expected ReqInitVMCS set on a freshly created vCPU")
	}
}

func TestGetRIPCachesAfterFirstVMREAD(t *testing.T) {
	t.Parallel()

	exec := newFakeExec()
	exec.vmcs[ripField] = 0xFEED

	v := vcpu.New(0, 0, 0x1000, exec)

	rip, err := v.GetRIP(ripField)
	if err != nil {
		t.Fatalf("GetRIP: %v", err)
	}

	if rip != 0xFEED {
		t.Fatalf("rip = %#x, want 0xFEED", rip)
	}

	exec.vmcs[ripField] = 0 // mutate hardware; cached value must not see this

	rip2, err := v.GetRIP(ripField)
	if err != nil {
		t.Fatalf("GetRIP: %v", err)
	}

	if rip2 != 0xFEED {
		t.Fatalf("cached rip = %#x, want 0xFEED (stale VMCS write must not leak through)", rip2)
	}
}

func TestAdvanceRIPZeroMeansDoNotAdvance(t *testing.T) {
	t.Parallel()

	exec := newFakeExec()
	v := vcpu.New(0, 0, 0x1000, exec)
	v.SetRIP(0x1000)

	v.AdvanceRIP(0)

	rip, _ := v.GetRIP(ripField)
	if rip != 0x1000 {
		t.Fatalf("rip = %#x, want unchanged 0x1000", rip)
	}

	v.AdvanceRIP(3)

	rip, _ = v.GetRIP(ripField)
	if rip != 0x1003 {
		t.Fatalf("rip = %#x, want 0x1003", rip)
	}
}

func TestEntryLaunchesOnceThenResumes(t *testing.T) {
	t.Parallel()

	exec := newFakeExec()
	v := vcpu.New(0, 0, 0x1000, exec)

	if err := v.Entry(); err != nil {
		t.Fatalf("Entry: %v", err)
	}

	if err := v.Entry(); err != nil {
		t.Fatalf("Entry: %v", err)
	}

	if exec.launchCount != 1 || exec.resumeCount != 1 {
		t.Fatalf("launchCount=%d resumeCount=%d, want 1,1", exec.launchCount, exec.resumeCount)
	}
}

func TestFlushDirtyWritesOnlyDirtyFields(t *testing.T) {
	t.Parallel()

	exec := newFakeExec()
	v := vcpu.New(0, 0, 0x1000, exec)
	v.SetRIP(0x2000)

	fieldOf := func(f vcpu.RegField) uint64 {
		if f == vcpu.RegRIP {
			return ripField
		}

		return 0
	}

	if err := v.FlushDirty(fieldOf); err != nil {
		t.Fatalf("FlushDirty: %v", err)
	}

	if exec.vmcs[ripField] != 0x2000 {
		t.Fatalf("vmcs[rip] = %#x, want 0x2000", exec.vmcs[ripField])
	}
}
