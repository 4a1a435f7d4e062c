package exitdispatch

import (
	"errors"
	"testing"

	"github.com/vmxcore/hypervisor/ioreq"
	"github.com/vmxcore/hypervisor/lowlevel"
	"github.com/vmxcore/hypervisor/vcpu"
	"github.com/vmxcore/hypervisor/vcr"
)

// fakeExec is an in-memory VMCS: VMREAD/VMWRITE against a map, entry
// instructions always succeed.
type fakeExec struct {
	fields   map[uint64]uint64
	launches int
	resumes  int
}

func newFakeExec() *fakeExec {
	return &fakeExec{fields: make(map[uint64]uint64)}
}

func (f *fakeExec) VMPTRLD(uint64) uint8 { return lowlevel.StatusOK }
func (f *fakeExec) VMCLEAR(uint64) uint8 { return lowlevel.StatusOK }

func (f *fakeExec) VMLAUNCH() uint8 {
	f.launches++

	return lowlevel.StatusOK
}

func (f *fakeExec) VMRESUME() uint8 {
	f.resumes++

	return lowlevel.StatusOK
}

func (f *fakeExec) VMREAD(field uint64) (uint64, uint8) {
	return f.fields[field], lowlevel.StatusOK
}

func (f *fakeExec) VMWRITE(field, val uint64) uint8 {
	f.fields[field] = val

	return lowlevel.StatusOK
}

func (f *fakeExec) INVEPT(uint64, *[2]uint64) uint8  { return lowlevel.StatusOK }
func (f *fakeExec) INVVPID(uint64, *[2]uint64) uint8 { return lowlevel.StatusOK }

// fieldOf assigns every named field a distinct stable encoding.
var fieldEncodings = map[string]uint64{}

func fieldOf(name string) uint64 {
	if enc, ok := fieldEncodings[name]; ok {
		return enc
	}

	enc := uint64(len(fieldEncodings) + 1)
	fieldEncodings[name] = enc

	return enc
}

func testServices(exec *fakeExec) Services {
	return Services{
		FieldOf:    fieldOf,
		InitVMCS:   func(*vcpu.VCpu) error { return nil },
		ShutdownVM: func(*vcpu.VCpu, string) {},
		CPUID: func(_ *vcpu.VCpu, leaf, _ uint32) (uint32, uint32, uint32, uint32) {
			return leaf + 1, leaf + 2, leaf + 3, leaf + 4
		},
		Hypercall:     func(*vcpu.VCpu) error { return nil },
		IO:            ioreq.New(),
		WBINVD:        func(*vcpu.VCpu) error { return nil },
		WaitEvent:     func(*vcpu.VCpu, Event) {},
		PendingExtINT: func(*vcpu.VCpu) (uint8, bool) { return 0, false },
		CRPolicy:      vcr.DefaultPolicy(),
		GuestStateOf: func(v *vcpu.VCpu) vcr.GuestState {
			run := v.Contexts[v.CurContext].Run

			return vcr.GuestState{CR0: run.CR0, CR4: run.CR4}
		},
		ApplyCR0: func(v *vcpu.VCpu, out vcr.Outcome) error {
			v.Contexts[v.CurContext].Run.CR0 = out.EffectiveCR0

			return nil
		},
		ApplyCR4: func(v *vcpu.VCpu, out vcr.Outcome) error {
			v.Contexts[v.CurContext].Run.CR4 = out.EffectiveCR4

			return nil
		},
	}
}

func newTestVCpu(exec *fakeExec) *vcpu.VCpu {
	return vcpu.New(1, 0, 0x1000, exec)
}

func TestDispatchCPUID(t *testing.T) {
	exec := newFakeExec()
	d := New(testServices(exec))
	v := newTestVCpu(exec)

	exec.fields[fieldOf(FieldExitReason)] = uint64(ReasonCPUID)
	exec.fields[fieldOf(FieldExitInstrLen)] = 2

	run := &v.Contexts[v.CurContext].Run
	run.GPRs[GprRAX] = 7
	run.RIP = 0x100
	v.SetRIP(0x100)

	if err := d.Dispatch(v); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if run.GPRs[GprRAX] != 8 || run.GPRs[GprRBX] != 9 || run.GPRs[GprRCX] != 10 || run.GPRs[GprRDX] != 11 {
		t.Fatalf("CPUID results not written: %v", run.GPRs[:4])
	}

	if run.RIP != 0x102 {
		t.Fatalf("RIP not advanced by instruction length: %#x", run.RIP)
	}
}

// Illegal CR4.PCIDE toggle: #GP with error code 0, RIP unchanged, CR4
// unchanged.
func TestDispatchIllegalPCIDEToggle(t *testing.T) {
	exec := newFakeExec()
	d := New(testServices(exec))
	v := newTestVCpu(exec)

	run := &v.Contexts[v.CurContext].Run
	run.CR0 = 1 << vcr.CR0PE
	run.CR4 = 1 << vcr.CR4PAE
	v.SetRIP(0x200)

	exec.fields[fieldOf(FieldExitReason)] = uint64(ReasonCRAccess)
	exec.fields[fieldOf(FieldExitInstrLen)] = 3

	// MOV to CR4 from RAX with PCIDE set, but not in long mode.
	run.GPRs[GprRAX] = uint64(run.CR4) | 1<<vcr.CR4PCIDE
	exec.fields[fieldOf(FieldExitQualification)] = 4 | crAccessMovToCR<<crQualTypeShift | GprRAX<<crQualGprShift

	if err := d.Dispatch(v); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if !v.Arch.ExcpValid || v.Arch.ExcpVector != VectorGP || v.Arch.ExcpErrCode != 0 {
		t.Fatalf("expected queued #GP with error code 0, got %+v", v.Arch)
	}

	if run.CR4 != 1<<vcr.CR4PAE {
		t.Fatalf("CR4 must be unchanged, got %#x", run.CR4)
	}

	if run.RIP != 0x200 {
		t.Fatalf("RIP must be retained on #GP, got %#x", run.RIP)
	}
}

// Passthru-style CR0 MP toggle through the trap path still succeeds and
// reads back the new value.
func TestDispatchLegalCR0Write(t *testing.T) {
	exec := newFakeExec()
	d := New(testServices(exec))
	v := newTestVCpu(exec)

	run := &v.Contexts[v.CurContext].Run
	run.CR0 = 1 << vcr.CR0PE
	v.SetRIP(0x300)

	exec.fields[fieldOf(FieldExitReason)] = uint64(ReasonCRAccess)
	exec.fields[fieldOf(FieldExitInstrLen)] = 3

	run.GPRs[GprRAX] = uint64(run.CR0) | 1<<vcr.CR0MP
	exec.fields[fieldOf(FieldExitQualification)] = 0 | crAccessMovToCR<<crQualTypeShift | GprRAX<<crQualGprShift

	if err := d.Dispatch(v); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if run.CR0 != 1<<vcr.CR0PE|1<<vcr.CR0MP {
		t.Fatalf("CR0 MP not applied: %#x", run.CR0)
	}

	if run.RIP != 0x303 {
		t.Fatalf("RIP not advanced: %#x", run.RIP)
	}
}

func TestDispatchIODeferred(t *testing.T) {
	exec := newFakeExec()
	svc := testServices(exec)
	d := New(svc)
	v := newTestVCpu(exec)

	exec.fields[fieldOf(FieldExitReason)] = uint64(ReasonIOInstruction)
	exec.fields[fieldOf(FieldExitInstrLen)] = 1
	// OUT to port 0x5000-ish with no registered handler: 1-byte write.
	exec.fields[fieldOf(FieldExitQualification)] = 0 | uint64(0x500)<<ioQualPortShift

	v.Contexts[v.CurContext].Run.GPRs[GprRAX] = 0xAB

	err := d.Dispatch(v)
	if !errors.Is(err, ErrDeferred) {
		t.Fatalf("expected ErrDeferred, got %v", err)
	}

	req := svc.IO.Slot(v.ID)
	if req == nil || req.State != ioreq.Pending {
		t.Fatalf("expected PENDING shared slot, got %+v", req)
	}

	if req.Type != ioreq.Portio || req.Address != 0x500 || req.Size != 1 || req.Value != 0xAB {
		t.Fatalf("bad deferred request: %+v", req)
	}
}

func TestQueueExceptionDoubleFaultRules(t *testing.T) {
	exec := newFakeExec()
	d := New(testServices(exec))

	// Contributory on contributory collapses to #DF.
	v := newTestVCpu(exec)
	d.QueueException(v, VectorGP, 0, true)
	d.QueueException(v, VectorNP, 0, true)

	if v.Arch.ExcpVector != VectorDF {
		t.Fatalf("GP+NP must raise #DF, got vector %d", v.Arch.ExcpVector)
	}

	// Page fault followed by a non-benign fault is also #DF.
	v = newTestVCpu(exec)
	d.QueueException(v, VectorPF, 2, true)
	d.QueueException(v, VectorGP, 0, true)

	if v.Arch.ExcpVector != VectorDF {
		t.Fatalf("PF+GP must raise #DF, got vector %d", v.Arch.ExcpVector)
	}

	// Non-benign on top of #DF is a triple fault.
	v = newTestVCpu(exec)
	d.QueueException(v, VectorDF, 0, true)
	d.QueueException(v, VectorGP, 0, true)

	if !v.Pending.TestAndClear(vcpu.ReqTrpFault) {
		t.Fatal("DF+GP must request a triple fault")
	}

	// Benign exceptions never escalate.
	v = newTestVCpu(exec)
	d.QueueException(v, VectorGP, 0, true)
	d.QueueException(v, VectorDB, 0, false)

	if v.Arch.ExcpVector != VectorDB {
		t.Fatalf("benign exception must replace, got vector %d", v.Arch.ExcpVector)
	}
}

func TestPipelineNMIBlockedBySTI(t *testing.T) {
	exec := newFakeExec()
	d := New(testServices(exec))
	v := newTestVCpu(exec)

	v.Pending.TestAndClear(vcpu.ReqInitVMCS)
	v.Pending.Set(vcpu.ReqNMI)
	exec.fields[fieldOf(FieldGuestInterruptibility)] = BlockedBySTI

	if err := d.HandlePendingRequest(v); err != nil {
		t.Fatalf("HandlePendingRequest: %v", err)
	}

	// Blocked: the request must be re-set for retry, nothing injected.
	if !v.Pending.TestAndClear(vcpu.ReqNMI) {
		t.Fatal("blocked NMI must be re-queued")
	}

	if exec.fields[fieldOf(FieldEntryIntInfo)]&intInfoValid != 0 {
		t.Fatal("nothing must be injected while NMI-blocked")
	}
}

func TestPipelineInjectsQueuedException(t *testing.T) {
	exec := newFakeExec()
	d := New(testServices(exec))
	v := newTestVCpu(exec)

	v.Pending.TestAndClear(vcpu.ReqInitVMCS)
	d.QueueException(v, VectorPF, 0x2, true)

	if err := d.HandlePendingRequest(v); err != nil {
		t.Fatalf("HandlePendingRequest: %v", err)
	}

	info := exec.fields[fieldOf(FieldEntryIntInfo)]
	if info&intInfoValid == 0 || uint8(info&0xFF) != VectorPF {
		t.Fatalf("expected injected #PF, entry info %#x", info)
	}

	if exec.fields[fieldOf(FieldEntryExcErrCode)] != 0x2 {
		t.Fatalf("error code not written: %#x", exec.fields[fieldOf(FieldEntryExcErrCode)])
	}
}

func TestPipelineEventWindowClosed(t *testing.T) {
	exec := newFakeExec()
	d := New(testServices(exec))
	v := newTestVCpu(exec)

	v.Pending.TestAndClear(vcpu.ReqInitVMCS)
	v.VLAPIC.Accept(0x41, false)
	v.Pending.Set(vcpu.ReqEvent)

	// IF=0: the window is closed; interrupt-window exiting must arm.
	exec.fields[fieldOf(FieldGuestRFLAGS)] = 0

	if err := d.HandlePendingRequest(v); err != nil {
		t.Fatalf("HandlePendingRequest: %v", err)
	}

	if !v.Pending.TestAndClear(vcpu.ReqEvent) {
		t.Fatal("undeliverable event must stay pending")
	}

	if exec.fields[fieldOf(FieldProcBasedCtls)]&CtlInterruptWindow == 0 {
		t.Fatal("interrupt-window exiting must be enabled")
	}
}

func TestPipelineEventDelivered(t *testing.T) {
	exec := newFakeExec()
	d := New(testServices(exec))
	v := newTestVCpu(exec)

	v.Pending.TestAndClear(vcpu.ReqInitVMCS)
	v.VLAPIC.Accept(0x41, false)
	v.Pending.Set(vcpu.ReqEvent)

	exec.fields[fieldOf(FieldGuestRFLAGS)] = rflagsIF

	if err := d.HandlePendingRequest(v); err != nil {
		t.Fatalf("HandlePendingRequest: %v", err)
	}

	info := exec.fields[fieldOf(FieldEntryIntInfo)]
	if info&intInfoValid == 0 || uint8(info&0xFF) != 0x41 {
		t.Fatalf("expected vector 0x41 injected, entry info %#x", info)
	}
}

func TestDispatchVMXFamilyInjectsUD(t *testing.T) {
	exec := newFakeExec()
	d := New(testServices(exec))
	v := newTestVCpu(exec)

	exec.fields[fieldOf(FieldExitReason)] = uint64(ReasonVMXON)
	exec.fields[fieldOf(FieldExitInstrLen)] = 4

	if err := d.Dispatch(v); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if !v.Arch.ExcpValid || v.Arch.ExcpVector != VectorUD {
		t.Fatalf("VMXON must inject #UD, got %+v", v.Arch)
	}
}

func TestDecodeMMIOWrite(t *testing.T) {
	// mov %al,(%rdx): 88 02 — a 1-byte store through RDX.
	insn := []byte{0x88, 0x02}

	m, err := DecodeMMIO(insn, true)
	if err != nil {
		t.Fatalf("DecodeMMIO: %v", err)
	}

	if m.Size != 1 || m.Len != 2 {
		t.Fatalf("size/len = %d/%d, want 1/2", m.Size, m.Len)
	}

	gprs := [16]uint64{}
	gprs[GprRAX] = 0x11AB

	if got := m.SourceValue(&gprs); got != 0xAB {
		t.Fatalf("SourceValue = %#x, want 0xAB", got)
	}
}

func TestDecodeMMIORead(t *testing.T) {
	// mov (%rdx),%eax: 8b 02 — a 4-byte load into EAX.
	insn := []byte{0x8B, 0x02}

	m, err := DecodeMMIO(insn, false)
	if err != nil {
		t.Fatalf("DecodeMMIO: %v", err)
	}

	if m.Size != 4 || m.Len != 2 {
		t.Fatalf("size/len = %d/%d, want 4/2", m.Size, m.Len)
	}

	gprs := [16]uint64{}
	gprs[GprRAX] = 0xFFFFFFFFFFFFFFFF
	m.WriteDest(&gprs, 0x1234)

	if gprs[GprRAX] != 0x1234 {
		t.Fatalf("32-bit load must zero-extend, got %#x", gprs[GprRAX])
	}
}

func TestXSETBVLegality(t *testing.T) {
	exec := newFakeExec()
	svc := testServices(exec)
	svc.XCR0Allowed = 0x7
	d := New(svc)

	cases := []struct {
		name   string
		rax    uint64
		rcx    uint64
		wantGP bool
	}{
		{"x87 only", 0x1, 0, false},
		{"bit0 clear", 0x2, 0, true},
		{"AVX without SSE", 0x5, 0, true},
		{"SSE+AVX", 0x7, 0, false},
		{"MPX unsupported", 0x19, 0, true},
		{"nonzero index", 0x1, 1, true},
	}

	for _, tc := range cases {
		exec := newFakeExec()
		v := newTestVCpu(exec)

		exec.fields[fieldOf(FieldExitReason)] = uint64(ReasonXSETBV)
		exec.fields[fieldOf(FieldExitInstrLen)] = 3

		run := &v.Contexts[v.CurContext].Run
		run.GPRs[GprRAX] = tc.rax & 0xFFFFFFFF
		run.GPRs[GprRDX] = tc.rax >> 32
		run.GPRs[GprRCX] = tc.rcx

		if err := d.Dispatch(v); err != nil {
			t.Fatalf("%s: Dispatch: %v", tc.name, err)
		}

		gotGP := v.Arch.ExcpValid && v.Arch.ExcpVector == VectorGP
		if gotGP != tc.wantGP {
			t.Errorf("%s: #GP = %v, want %v", tc.name, gotGP, tc.wantGP)
		}
	}
}
