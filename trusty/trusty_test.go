package trusty

import (
	"testing"

	"github.com/vmxcore/hypervisor/ept"
	"github.com/vmxcore/hypervisor/hverr"
	"github.com/vmxcore/hypervisor/lowlevel"
	"github.com/vmxcore/hypervisor/vcpu"
)

type nopExec struct{}

func (nopExec) VMPTRLD(uint64) uint8                 { return lowlevel.StatusOK }
func (nopExec) VMCLEAR(uint64) uint8                 { return lowlevel.StatusOK }
func (nopExec) VMLAUNCH() uint8                      { return lowlevel.StatusOK }
func (nopExec) VMRESUME() uint8                      { return lowlevel.StatusOK }
func (nopExec) VMREAD(uint64) (uint64, uint8)        { return 0, lowlevel.StatusOK }
func (nopExec) VMWRITE(uint64, uint64) uint8         { return lowlevel.StatusOK }
func (nopExec) INVEPT(uint64, *[2]uint64) uint8      { return lowlevel.StatusOK }
func (nopExec) INVVPID(uint64, *[2]uint64) uint8     { return lowlevel.StatusOK }

func newManager(t *testing.T) *ept.Manager {
	t.Helper()

	m, err := ept.NewManager(16384)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	return m
}

func TestInitialize(t *testing.T) {
	m := newManager(t)

	// Guest RAM 0..32M identity-mapped before Trusty arrives.
	if err := m.AddMR(0, 0, 32<<20, ept.RWX|ept.MemTypeWB<<3); err != nil {
		t.Fatalf("AddMR: %v", err)
	}

	v := vcpu.New(0, 0, 0x1000, nopExec{})

	param := BootParam{
		Version:       2,
		EntryPointLow: 0x100000,
		BaseAddrLow:   0x200000,
		MemSize:       0x1000000,
	}

	writes := map[uint64]int{}
	write := func(off uint64, data []byte) error {
		writes[off] = len(data)

		return nil
	}

	st := &State{}
	if err := st.Initialize(m, v, param, &KeyInfo{Version: 1}, write); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, ok := m.SWorldEPTP(); !ok {
		t.Fatal("sworld EPT must exist after Initialize")
	}

	// The secure region must be gone from the Normal world.
	if hpa := m.GPAToHPA(0x200000); hpa != ept.InvalidHPA {
		t.Fatalf("secure range still mapped in nworld: %#x", hpa)
	}

	// Memory below the region is untouched.
	if hpa := m.GPAToHPA(0x1000); hpa == ept.InvalidHPA {
		t.Fatal("normal memory below the region must stay mapped")
	}

	sec := v.Contexts[vcpu.SecureWorld].Run

	wantRIP := RebaseGPA + 0x100000 - 0x200000
	if sec.RIP != wantRIP {
		t.Fatalf("secure RIP = %#x, want %#x", sec.RIP, wantRIP)
	}

	if sec.GPRs[gprRSP] != RebaseGPA+0x1000000 {
		t.Fatalf("secure RSP = %#x, want %#x", sec.GPRs[gprRSP], RebaseGPA+0x1000000)
	}

	if sec.GPRs[gprRDI] != RebaseGPA+KeyInfoSize {
		t.Fatalf("secure RDI = %#x, want %#x", sec.GPRs[gprRDI], RebaseGPA+KeyInfoSize)
	}

	if v.CurContext != vcpu.SecureWorld {
		t.Fatal("cur_context must flip to the Secure world")
	}

	if writes[0] != KeyInfoSize {
		t.Fatalf("key info write = %d bytes at 0, want %d", writes[0], KeyInfoSize)
	}

	if writes[KeyInfoSize] != 32 {
		t.Fatalf("startup param write = %d bytes, want 32", writes[KeyInfoSize])
	}
}

func TestInitializeTwiceRejected(t *testing.T) {
	m := newManager(t)

	if err := m.AddMR(0, 0, 32<<20, ept.RWX|ept.MemTypeWB<<3); err != nil {
		t.Fatalf("AddMR: %v", err)
	}

	v := vcpu.New(0, 0, 0x1000, nopExec{})
	param := BootParam{EntryPointLow: 0x100000, BaseAddrLow: 0x200000, MemSize: 0x100000}
	write := func(uint64, []byte) error { return nil }

	st := &State{}
	if err := st.Initialize(m, v, param, &KeyInfo{}, write); err != nil {
		t.Fatalf("first Initialize: %v", err)
	}

	err := st.Initialize(m, v, param, &KeyInfo{}, write)
	if !hverr.Is(err, hverr.TransitionViolation) {
		t.Fatalf("double init must be a TransitionViolation, got %v", err)
	}
}

func TestDestroyRestoresNormalWorld(t *testing.T) {
	m := newManager(t)

	if err := m.AddMR(0, 0, 32<<20, ept.RWX|ept.MemTypeWB<<3); err != nil {
		t.Fatalf("AddMR: %v", err)
	}

	v := vcpu.New(0, 0, 0x1000, nopExec{})
	param := BootParam{EntryPointLow: 0x100000, BaseAddrLow: 0x200000, MemSize: 0x100000}
	write := func(uint64, []byte) error { return nil }

	st := &State{}
	if err := st.Initialize(m, v, param, &KeyInfo{}, write); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := st.Destroy(m, false, nil); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if hpa := m.GPAToHPA(0x200000); hpa != 0x200000 {
		t.Fatalf("secure range must return to nworld at its old hpa, got %#x", hpa)
	}

	if st.Initialized() {
		t.Fatal("state must read uninitialized after Destroy")
	}
}

func TestSworldSnapshotRoundTrip(t *testing.T) {
	m := newManager(t)

	if err := m.AddMR(0, 0, 32<<20, ept.RWX|ept.MemTypeWB<<3); err != nil {
		t.Fatalf("AddMR: %v", err)
	}

	v := vcpu.New(0, 0, 0x1000, nopExec{})
	param := BootParam{EntryPointLow: 0x100000, BaseAddrLow: 0x200000, MemSize: 0x100000}

	st := &State{}
	if err := st.Initialize(m, v, param, &KeyInfo{}, func(uint64, []byte) error { return nil }); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	v.Contexts[vcpu.SecureWorld].Run.GPRs[0] = 0xDEAD
	v.Contexts[vcpu.SecureWorld].Ext.CR3 = 0x4000

	if err := st.SaveSworldContext(v); err != nil {
		t.Fatalf("SaveSworldContext: %v", err)
	}

	v.Contexts[vcpu.SecureWorld].Run.GPRs[0] = 0
	v.Contexts[vcpu.SecureWorld].Ext.CR3 = 0

	if err := st.RestoreSworldContext(v); err != nil {
		t.Fatalf("RestoreSworldContext: %v", err)
	}

	if v.Contexts[vcpu.SecureWorld].Run.GPRs[0] != 0xDEAD ||
		v.Contexts[vcpu.SecureWorld].Ext.CR3 != 0x4000 {
		t.Fatal("snapshot round trip lost state")
	}
}
