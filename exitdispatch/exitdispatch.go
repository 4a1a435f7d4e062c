// Package exitdispatch is the central VM-exit dispatcher: a basic-exit-
// reason-indexed table mapping each of the 70 architectural reasons to a
// handler, plus the pending-request pipeline that runs before every VM
// entry. The table entries record whether VMX_EXIT_QUALIFICATION must be
// pre-read, exactly the handler-pointer-plus-flag shape the dispatcher
// contract describes.
package exitdispatch

import (
	"errors"

	"github.com/vmxcore/hypervisor/hverr"
	"github.com/vmxcore/hypervisor/ioreq"
	"github.com/vmxcore/hypervisor/lowlevel"
	"github.com/vmxcore/hypervisor/vcpu"
	"github.com/vmxcore/hypervisor/vcr"
)

// Reason is a basic VM-exit reason, the low 16 bits of VMX_EXIT_REASON.
type Reason uint16

const (
	ReasonExceptionOrNMI      Reason = 0
	ReasonExternalInterrupt   Reason = 1
	ReasonTripleFault         Reason = 2
	ReasonInitSignal          Reason = 3
	ReasonStartupIPI          Reason = 4
	ReasonIOSMI               Reason = 5
	ReasonOtherSMI            Reason = 6
	ReasonInterruptWindow     Reason = 7
	ReasonNMIWindow           Reason = 8
	ReasonTaskSwitch          Reason = 9
	ReasonCPUID               Reason = 10
	ReasonGETSEC              Reason = 11
	ReasonHLT                 Reason = 12
	ReasonINVD                Reason = 13
	ReasonINVLPG              Reason = 14
	ReasonRDPMC               Reason = 15
	ReasonRDTSC               Reason = 16
	ReasonRSM                 Reason = 17
	ReasonVMCALL              Reason = 18
	ReasonVMCLEAR             Reason = 19
	ReasonVMLAUNCH            Reason = 20
	ReasonVMPTRLD             Reason = 21
	ReasonVMPTRST             Reason = 22
	ReasonVMREAD              Reason = 23
	ReasonVMRESUME            Reason = 24
	ReasonVMWRITE             Reason = 25
	ReasonVMXOFF              Reason = 26
	ReasonVMXON               Reason = 27
	ReasonCRAccess            Reason = 28
	ReasonDRAccess            Reason = 29
	ReasonIOInstruction       Reason = 30
	ReasonRDMSR               Reason = 31
	ReasonWRMSR               Reason = 32
	ReasonEntryFailGuestState Reason = 33
	ReasonEntryFailMSRLoad    Reason = 34
	ReasonMWAIT               Reason = 36
	ReasonMonitorTrap         Reason = 37
	ReasonMONITOR             Reason = 39
	ReasonPAUSE               Reason = 40
	ReasonEntryFailMCE        Reason = 41
	ReasonTPRBelowThreshold   Reason = 43
	ReasonAPICAccess          Reason = 44
	ReasonVirtualizedEOI      Reason = 45
	ReasonGDTRIDTRAccess      Reason = 46
	ReasonLDTRTRAccess        Reason = 47
	ReasonEPTViolation        Reason = 48
	ReasonEPTMisconfig        Reason = 49
	ReasonINVEPT              Reason = 50
	ReasonRDTSCP              Reason = 51
	ReasonPreemptTimer        Reason = 52
	ReasonINVVPID             Reason = 53
	ReasonWBINVD              Reason = 54
	ReasonXSETBV              Reason = 55
	ReasonAPICWrite           Reason = 56
	ReasonRDRAND              Reason = 57
	ReasonINVPCID             Reason = 58
	ReasonVMFUNC              Reason = 59
	ReasonENCLS               Reason = 60
	ReasonRDSEED              Reason = 61
	ReasonPageModLogFull      Reason = 62
	ReasonXSAVES              Reason = 63
	ReasonXRSTORS             Reason = 64
	ReasonSPPEvent            Reason = 66
	ReasonUMWAIT              Reason = 67
	ReasonTPAUSE              Reason = 68
	ReasonLOADIWKEY           Reason = 69

	// NumReasons bounds the dispatch table.
	NumReasons = 70
)

// Exception vectors the pipeline and handlers inject by name.
const (
	VectorDE uint8 = 0
	VectorDB uint8 = 1
	VectorNMI uint8 = 2
	VectorUD uint8 = 6
	VectorDF uint8 = 8
	VectorTS uint8 = 10
	VectorNP uint8 = 11
	VectorSS uint8 = 12
	VectorGP uint8 = 13
	VectorPF uint8 = 14
	VectorMC uint8 = 18
	VectorVE uint8 = 20
)

// VMCS field names this package resolves through the fieldOf seam, the
// same indirection worldswitch uses so field encodings stay in one table
// owned by the vm wiring.
const (
	FieldExitReason        = "EXIT_REASON"
	FieldExitQualification = "EXIT_QUALIFICATION"
	FieldExitInstrLen      = "EXIT_INSTR_LEN"
	FieldExitIntInfo       = "EXIT_INT_INFO"
	FieldExitIntErrCode    = "EXIT_INT_ERROR_CODE"
	FieldIDTVecInfo        = "IDT_VEC_INFO"
	FieldIDTVecErrCode     = "IDT_VEC_ERROR_CODE"
	FieldEntryIntInfo      = "ENTRY_INT_INFO"
	FieldEntryExcErrCode   = "ENTRY_EXCEPTION_ERROR_CODE"
	FieldEntryInstrLen     = "ENTRY_INSTR_LEN"
	FieldGuestInterruptibility = "GUEST_INTERRUPTIBILITY"
	FieldGuestPhysAddr     = "GUEST_PHYSICAL_ADDRESS"
	FieldProcBasedCtls     = "PROCBASED_CTLS"
	FieldGuestRFLAGS       = "GUEST_RFLAGS"
)

// Interruptibility-state bits in VMX_GUEST_INTERRUPTIBILITY_INFO.
const (
	BlockedBySTI   = 1 << 0
	BlockedByMOVSS = 1 << 1
	BlockedBySMI   = 1 << 2
	BlockedByNMI   = 1 << 3
)

// Proc-based execution control bits the window handlers flip.
const (
	CtlInterruptWindow = 1 << 2
	CtlNMIWindow       = 1 << 22
	CtlMonitorTrap     = 1 << 27
)

// RFLAGS.IF gates external-interrupt injection.
const rflagsIF = 1 << 9

// ErrDeferred is returned by handlers whose emulation was handed to the
// Service VM; the run loop must suspend the vCPU until the ioreq slot
// transitions to COMPLETE, then call the dispatcher's Complete helpers.
var ErrDeferred = errors.New("exitdispatch: emulation deferred to Service VM")

// ErrShutdown is returned when a handler decided the owning VM must be
// shut down (triple fault, EPT misconfiguration); the run loop stops.
var ErrShutdown = errors.New("exitdispatch: VM shut down")

// GPR indices in the RunContext array, SDM register-file order.
const (
	GprRAX = 0
	GprRCX = 1
	GprRDX = 2
	GprRBX = 3
	GprRSP = 4
	GprRBP = 5
	GprRSI = 6
	GprRDI = 7
)

// Services is everything the handlers reach outside this package for,
// supplied by the vm wiring as plain funcs so the dispatcher stays free
// of an import cycle with vm and tests can stub any single seam.
type Services struct {
	// FieldOf resolves a VMCS field name to its encoding.
	FieldOf func(name string) uint64

	// InitVMCS programs host/guest state and controls for a first entry.
	InitVMCS func(v *vcpu.VCpu) error

	// ShutdownVM tears the owning VM down (triple fault, misconfig).
	ShutdownVM func(v *vcpu.VCpu, why string)

	// CPUID returns the filtered/synthesized leaf for this VM.
	CPUID func(v *vcpu.VCpu, leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

	// Hypercall dispatches a ring-0 VMCALL by leaf; SMC dispatches the
	// Trusty world-switch VMCALL family instead when the leaf is one.
	Hypercall func(v *vcpu.VCpu) error
	IsSMCLeaf func(leaf uint64) bool
	SMC       func(v *vcpu.VCpu) error

	// RDMSR/WRMSR emulate non-passthrough MSRs (vLAPIC, PAT, EFER,
	// TSC-offset arithmetic, vCAT masks).
	RDMSR func(v *vcpu.VCpu, msr uint32) (uint64, error)
	WRMSR func(v *vcpu.VCpu, msr uint32, val uint64) error

	// IO is the owning VM's port/MMIO dispatch table.
	IO *ioreq.Dispatcher

	// FetchInsn reads up to 16 instruction bytes at the guest RIP for
	// the MMIO decode path.
	FetchInsn func(v *vcpu.VCpu) ([]byte, error)

	// WBINVD runs the SMP flush rendezvous for the owning VM.
	WBINVD func(v *vcpu.VCpu) error

	// WaitEvent suspends the vCPU until the named event is signaled
	// (HLT on VIRTUAL_INTERRUPT, peer WBINVD, split lock).
	WaitEvent func(v *vcpu.VCpu, ev Event)

	// HostIRQ dispatches an external-interrupt exit to the host vector
	// table.
	HostIRQ func(vector uint8)

	// PendingExtINT asks the vPIC for a deliverable ExtINT vector.
	PendingExtINT func(v *vcpu.VCpu) (uint8, bool)

	// XCR0Allowed reports the host's XCR0 supported-bit mask and
	// whether MPX state is supported.
	XCR0Allowed  uint64
	MPXSupported bool

	// LoadIWKey snapshots the guest IWKey from XMM0..5.
	LoadIWKey func(v *vcpu.VCpu) error

	// CRPolicy is the CR0/CR4 classification established at init.
	CRPolicy vcr.Policy

	// GuestStateOf projects the vcr legality-check snapshot from v.
	GuestStateOf func(v *vcpu.VCpu) vcr.GuestState

	// ApplyCR0/ApplyCR4 write the effective value and run the Outcome's
	// side effects (VMCS guest field, PAT flip, IA32E toggle).
	ApplyCR0 func(v *vcpu.VCpu, out vcr.Outcome) error
	ApplyCR4 func(v *vcpu.VCpu, out vcr.Outcome) error

	// Trace is the exit-info hook run after every handler.
	Trace func(v *vcpu.VCpu, r Reason)
}

// Event names a cooperative suspension point.
type Event int

const (
	EventVirtualInterrupt Event = iota
	EventSyncWBINVD
	EventSplitLock
	EventIoreqComplete
)

type entry struct {
	handle      func(d *Dispatcher, v *vcpu.VCpu) error
	preReadQual bool
}

// Dispatcher owns the reason table for one VM.
type Dispatcher struct {
	svc   Services
	table [NumReasons]entry
}

// New builds the dispatch table around svc.
func New(svc Services) *Dispatcher {
	d := &Dispatcher{svc: svc}

	for i := range d.table {
		d.table[i] = entry{handle: (*Dispatcher).handleUnexpected}
	}

	d.table[ReasonExceptionOrNMI] = entry{handle: (*Dispatcher).handleExceptionOrNMI}
	d.table[ReasonExternalInterrupt] = entry{handle: (*Dispatcher).handleExternalInterrupt}
	d.table[ReasonTripleFault] = entry{handle: (*Dispatcher).handleTripleFault}
	d.table[ReasonInitSignal] = entry{handle: (*Dispatcher).handleRetainRIP}
	d.table[ReasonStartupIPI] = entry{handle: (*Dispatcher).handleRetainRIP}
	d.table[ReasonInterruptWindow] = entry{handle: (*Dispatcher).handleInterruptWindow}
	d.table[ReasonNMIWindow] = entry{handle: (*Dispatcher).handleNMIWindow}
	d.table[ReasonCPUID] = entry{handle: (*Dispatcher).handleCPUID}
	d.table[ReasonHLT] = entry{handle: (*Dispatcher).handleHLT}
	d.table[ReasonVMCALL] = entry{handle: (*Dispatcher).handleVMCALL}
	d.table[ReasonCRAccess] = entry{handle: (*Dispatcher).handleCRAccess, preReadQual: true}
	d.table[ReasonIOInstruction] = entry{handle: (*Dispatcher).handleIOInstruction, preReadQual: true}
	d.table[ReasonRDMSR] = entry{handle: (*Dispatcher).handleRDMSR}
	d.table[ReasonWRMSR] = entry{handle: (*Dispatcher).handleWRMSR}
	d.table[ReasonEPTViolation] = entry{handle: (*Dispatcher).handleEPTViolation, preReadQual: true}
	d.table[ReasonEPTMisconfig] = entry{handle: (*Dispatcher).handleEPTMisconfig}
	d.table[ReasonWBINVD] = entry{handle: (*Dispatcher).handleWBINVD}
	d.table[ReasonXSETBV] = entry{handle: (*Dispatcher).handleXSETBV}
	d.table[ReasonMonitorTrap] = entry{handle: (*Dispatcher).handleMonitorTrap}
	d.table[ReasonLOADIWKEY] = entry{handle: (*Dispatcher).handleLOADIWKEY}
	d.table[ReasonAPICAccess] = entry{handle: (*Dispatcher).handleAPICAccess, preReadQual: true}
	d.table[ReasonVirtualizedEOI] = entry{handle: (*Dispatcher).handleVirtualizedEOI, preReadQual: true}
	d.table[ReasonAPICWrite] = entry{handle: (*Dispatcher).handleAPICWrite, preReadQual: true}
	d.table[ReasonTPRBelowThreshold] = entry{handle: (*Dispatcher).handleTPRBelowThreshold}

	// The VMX instruction family and VMFUNC inject #UD unless nested
	// VMX is explicitly enabled, which this core never enables.
	for _, r := range []Reason{
		ReasonVMCLEAR, ReasonVMLAUNCH, ReasonVMPTRLD, ReasonVMPTRST,
		ReasonVMREAD, ReasonVMRESUME, ReasonVMWRITE, ReasonVMXOFF,
		ReasonVMXON, ReasonINVEPT, ReasonINVVPID, ReasonVMFUNC,
	} {
		d.table[r] = entry{handle: (*Dispatcher).handleInjectUD}
	}

	return d
}

func (d *Dispatcher) vmread(v *vcpu.VCpu, name string) (uint64, error) {
	val, status := v.Exec.VMREAD(d.svc.FieldOf(name))
	if status != lowlevel.StatusOK {
		return 0, hverr.Newf(hverr.HwUnsupported, "exitdispatch: VMREAD(%s) failed, status %d", name, status)
	}

	return val, nil
}

func (d *Dispatcher) vmwrite(v *vcpu.VCpu, name string, val uint64) error {
	if status := v.Exec.VMWRITE(d.svc.FieldOf(name), val); status != lowlevel.StatusOK {
		return hverr.Newf(hverr.HwUnsupported, "exitdispatch: VMWRITE(%s) failed, status %d", name, status)
	}

	return nil
}

// Dispatch runs one exit: read the reason, re-queue any in-flight IDT
// vectoring event, pre-read the qualification if the table says so, call
// the handler, run the trace hook, and advance RIP by the instruction
// length unless the handler zeroed it.
func (d *Dispatcher) Dispatch(v *vcpu.VCpu) error {
	raw, err := d.vmread(v, FieldExitReason)
	if err != nil {
		return err
	}

	v.Arch.ExitReason = raw
	reason := Reason(raw & 0xFFFF)

	if vecInfo, err := d.vmread(v, FieldIDTVecInfo); err == nil && vecInfo&intInfoValid != 0 {
		v.Arch.IDTVecInfo = vecInfo
		d.requeueIDTVectoring(v, vecInfo)
	}

	if reason >= NumReasons {
		return hverr.Newf(hverr.GuestPanic, "exitdispatch: exit reason %d out of table", reason)
	}

	e := d.table[reason]

	if e.preReadQual {
		qual, err := d.vmread(v, FieldExitQualification)
		if err != nil {
			return err
		}

		v.Arch.ExitQualification = qual
	}

	if instLen, err := d.vmread(v, FieldExitInstrLen); err == nil {
		v.Arch.InstLen = uint32(instLen)
	}

	herr := e.handle(d, v)

	if d.svc.Trace != nil {
		d.svc.Trace(v, reason)
	}

	if herr != nil {
		return herr
	}

	v.AdvanceRIP(v.Arch.InstLen)

	return nil
}

// requeueIDTVectoring re-queues an exception or NMI that was in flight at
// the moment of the exit, so it is not lost across the emulation.
func (d *Dispatcher) requeueIDTVectoring(v *vcpu.VCpu, info uint64) {
	typ := (info >> 8) & 0x7
	vector := uint8(info & 0xFF)

	switch typ {
	case intTypeNMI:
		v.Pending.Set(vcpu.ReqNMI)
	case intTypeHWException:
		var errCode uint32
		hasErr := info&intInfoDeliverErr != 0

		if hasErr {
			if ec, err := d.vmread(v, FieldIDTVecErrCode); err == nil {
				errCode = uint32(ec)
			}
		}

		d.QueueException(v, vector, errCode, hasErr)
	case intTypeExternal:
		v.Pending.Set(vcpu.ReqExtINT)
	}
}
