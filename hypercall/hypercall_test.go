package hypercall

import (
	"testing"

	"github.com/vmxcore/hypervisor/hverr"
	"github.com/vmxcore/hypervisor/lowlevel"
	"github.com/vmxcore/hypervisor/vcpu"
)

type nopExec struct{}

func (nopExec) VMPTRLD(uint64) uint8             { return lowlevel.StatusOK }
func (nopExec) VMCLEAR(uint64) uint8             { return lowlevel.StatusOK }
func (nopExec) VMLAUNCH() uint8                  { return lowlevel.StatusOK }
func (nopExec) VMRESUME() uint8                  { return lowlevel.StatusOK }
func (nopExec) VMREAD(uint64) (uint64, uint8)    { return 0, lowlevel.StatusOK }
func (nopExec) VMWRITE(uint64, uint64) uint8     { return lowlevel.StatusOK }
func (nopExec) INVEPT(uint64, *[2]uint64) uint8  { return lowlevel.StatusOK }
func (nopExec) INVVPID(uint64, *[2]uint64) uint8 { return lowlevel.StatusOK }

func newCaller(leaf uint64, args [4]uint64) *vcpu.VCpu {
	v := vcpu.New(0, 0, 0x1000, nopExec{})
	run := &v.Contexts[v.CurContext].Run
	run.GPRs[gprRAX] = leaf
	run.GPRs[gprRDI] = args[0]
	run.GPRs[gprRSI] = args[1]
	run.GPRs[gprRDX] = args[2]
	run.GPRs[gprRBX] = args[3]

	return v
}

func TestDispatchKnownLeaf(t *testing.T) {
	tbl := New()

	var got *Ctx

	tbl.Register(LeafGetAPIVersion, func(ctx *Ctx) (int64, error) {
		got = ctx

		return 0x0101, nil
	})

	v := newCaller(LeafGetAPIVersion, [4]uint64{1, 2, 3, 4})

	if err := tbl.Dispatch(v); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if got == nil || got.Args != [4]uint64{1, 2, 3, 4} {
		t.Fatalf("handler saw args %+v", got)
	}

	if rax := v.Contexts[v.CurContext].Run.GPRs[gprRAX]; rax != 0x0101 {
		t.Fatalf("RAX = %#x, want 0x0101", rax)
	}
}

func TestDispatchUnknownLeaf(t *testing.T) {
	tbl := New()
	v := newCaller(0xDEAD, [4]uint64{})

	if err := tbl.Dispatch(v); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if rax := int64(v.Contexts[v.CurContext].Run.GPRs[gprRAX]); rax != Enosys {
		t.Fatalf("RAX = %d, want -ENOSYS", rax)
	}
}

func TestDispatchWrongRing(t *testing.T) {
	tbl := New()
	tbl.Ring = func(*vcpu.VCpu) int { return 3 }

	called := false

	tbl.Register(LeafCreateVM, func(*Ctx) (int64, error) {
		called = true

		return 0, nil
	})

	v := newCaller(LeafCreateVM, [4]uint64{})

	if err := tbl.Dispatch(v); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if called {
		t.Fatal("ring-3 caller must not reach the handler")
	}

	if rax := int64(v.Contexts[v.CurContext].Run.GPRs[gprRAX]); rax != Eperm {
		t.Fatalf("RAX = %d, want -EPERM", rax)
	}
}

func TestDispatchErrnoMapping(t *testing.T) {
	cases := []struct {
		kind hverr.Kind
		want int64
	}{
		{hverr.HvInternal, Efault},
		{hverr.CapacityFault, Einval},
		{hverr.GuestFault, Einval},
		{hverr.TransitionViolation, Eperm},
	}

	for _, tc := range cases {
		tbl := New()
		tbl.Register(LeafGPAToHPA, func(*Ctx) (int64, error) {
			return 0, hverr.Newf(tc.kind, "boom")
		})

		v := newCaller(LeafGPAToHPA, [4]uint64{})

		if err := tbl.Dispatch(v); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}

		if rax := int64(v.Contexts[v.CurContext].Run.GPRs[gprRAX]); rax != tc.want {
			t.Errorf("%v: RAX = %d, want %d", tc.kind, rax, tc.want)
		}
	}
}
