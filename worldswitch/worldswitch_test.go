package worldswitch_test

import (
	"testing"

	"github.com/vmxcore/hypervisor/ept"
	"github.com/vmxcore/hypervisor/lowlevel"
	"github.com/vmxcore/hypervisor/vcpu"
	"github.com/vmxcore/hypervisor/worldswitch"
)

type fakeExec struct {
	vmcs map[uint64]uint64
}

func newFakeExec() *fakeExec { return &fakeExec{vmcs: make(map[uint64]uint64)} }

func (f *fakeExec) VMPTRLD(uint64) uint8 { return lowlevel.StatusOK }
func (f *fakeExec) VMCLEAR(uint64) uint8 { return lowlevel.StatusOK }
func (f *fakeExec) VMLAUNCH() uint8      { return lowlevel.StatusOK }
func (f *fakeExec) VMRESUME() uint8      { return lowlevel.StatusOK }

func (f *fakeExec) VMREAD(field uint64) (uint64, uint8) { return f.vmcs[field], lowlevel.StatusOK }
func (f *fakeExec) VMWRITE(field, val uint64) uint8 {
	f.vmcs[field] = val
	return lowlevel.StatusOK
}

func (f *fakeExec) INVEPT(uint64, *[2]uint64) uint8  { return lowlevel.StatusOK }
func (f *fakeExec) INVVPID(uint64, *[2]uint64) uint8 { return lowlevel.StatusOK }

func fieldOf(name string) uint64 {
	table := map[string]uint64{
		"CR3": 1, "DR7": 2, "PAT": 3, "IDTR_BASE": 4, "GDTR_BASE": 5, "TSC_OFFSET": 6,
	}

	return table[name]
}

func TestSwitchWorldRequiresSecureWorldFirst(t *testing.T) {
	t.Parallel()

	exec := newFakeExec()
	v := vcpu.New(0, 0, 0x1000, exec)

	mgr, err := ept.NewManager(64)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	s := &worldswitch.Switcher{EPT: mgr}

	var eptp uint64

	_, err = s.SwitchWorld(v, exec, fieldOf, func(v uint64) error { eptp = v; return nil })
	if err == nil {
		t.Fatal("expected an error switching to a secure world that was never ensured")
	}

	_ = eptp
}

func TestSwitchWorldRoundTripsSMCParamsAndFlipsContext(t *testing.T) {
	t.Parallel()

	exec := newFakeExec()
	v := vcpu.New(0, 0, 0x1000, exec)

	mgr, err := ept.NewManager(64)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := mgr.EnsureSecureWorld(); err != nil {
		t.Fatalf("EnsureSecureWorld: %v", err)
	}

	s := &worldswitch.Switcher{EPT: mgr}

	v.Contexts[vcpu.NormalWorld].Run.GPRs[7] = 0xAAAA // RDI

	var setEPTPCalls int

	l1d, err := s.SwitchWorld(v, exec, fieldOf, func(uint64) error { setEPTPCalls++; return nil })
	if err != nil {
		t.Fatalf("SwitchWorld: %v", err)
	}

	if !l1d {
		t.Fatal("expected an L1D flush request on Normal->Secure")
	}

	if v.CurContext != vcpu.SecureWorld {
		t.Fatalf("CurContext = %v, want SecureWorld", v.CurContext)
	}

	if v.Contexts[vcpu.SecureWorld].Run.GPRs[7] != 0xAAAA {
		t.Fatal("expected RDI to carry over via the SMC calling convention")
	}

	if setEPTPCalls != 1 {
		t.Fatalf("setEPTP called %d times, want 1", setEPTPCalls)
	}
}
