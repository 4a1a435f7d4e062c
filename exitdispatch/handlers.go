package exitdispatch

import (
	"github.com/vmxcore/hypervisor/hverr"
	"github.com/vmxcore/hypervisor/ioreq"
	"github.com/vmxcore/hypervisor/vcpu"
	"github.com/vmxcore/hypervisor/vcr"
)

// VM-entry/exit interruption-info bit layout shared by EXIT_INT_INFO,
// IDT_VEC_INFO, and ENTRY_INT_INFO.
const (
	intInfoValid      = uint64(1) << 31
	intInfoDeliverErr = uint64(1) << 11

	intTypeExternal    = 0
	intTypeNMI         = 2
	intTypeHWException = 3
)

func (d *Dispatcher) handleUnexpected(v *vcpu.VCpu) error {
	return hverr.Newf(hverr.GuestPanic, "exitdispatch: unhandled exit reason %d", v.Arch.ExitReason&0xFFFF)
}

// handleExceptionOrNMI re-queues the event that caused the exit; #MC is
// logged by the trace hook and re-injected like any other exception.
func (d *Dispatcher) handleExceptionOrNMI(v *vcpu.VCpu) error {
	v.Arch.InstLen = 0

	info, err := d.vmread(v, FieldExitIntInfo)
	if err != nil {
		return err
	}

	if info&intInfoValid == 0 {
		return nil
	}

	typ := (info >> 8) & 0x7
	vector := uint8(info & 0xFF)

	if typ == intTypeNMI {
		v.Pending.Set(vcpu.ReqNMI)

		return nil
	}

	var errCode uint32
	hasErr := info&intInfoDeliverErr != 0

	if hasErr {
		ec, err := d.vmread(v, FieldExitIntErrCode)
		if err != nil {
			return err
		}

		errCode = uint32(ec)
	}

	d.QueueException(v, vector, errCode, hasErr)

	return nil
}

func (d *Dispatcher) handleExternalInterrupt(v *vcpu.VCpu) error {
	v.Arch.InstLen = 0

	info, err := d.vmread(v, FieldExitIntInfo)
	if err != nil {
		return err
	}

	if info&intInfoValid != 0 && d.svc.HostIRQ != nil {
		d.svc.HostIRQ(uint8(info & 0xFF))
	}

	return nil
}

func (d *Dispatcher) handleTripleFault(v *vcpu.VCpu) error {
	d.svc.ShutdownVM(v, "triple fault")

	return ErrShutdown
}

func (d *Dispatcher) handleRetainRIP(v *vcpu.VCpu) error {
	v.Arch.InstLen = 0

	return nil
}

func (d *Dispatcher) handleInterruptWindow(v *vcpu.VCpu) error {
	v.Arch.InstLen = 0

	return d.clearProcCtl(v, CtlInterruptWindow)
}

func (d *Dispatcher) handleNMIWindow(v *vcpu.VCpu) error {
	v.Arch.InstLen = 0

	return d.clearProcCtl(v, CtlNMIWindow)
}

func (d *Dispatcher) clearProcCtl(v *vcpu.VCpu, bit uint64) error {
	ctl, err := d.vmread(v, FieldProcBasedCtls)
	if err != nil {
		return err
	}

	return d.vmwrite(v, FieldProcBasedCtls, ctl&^bit)
}

func (d *Dispatcher) setProcCtl(v *vcpu.VCpu, bit uint64) error {
	ctl, err := d.vmread(v, FieldProcBasedCtls)
	if err != nil {
		return err
	}

	return d.vmwrite(v, FieldProcBasedCtls, ctl|bit)
}

func (d *Dispatcher) handleCPUID(v *vcpu.VCpu) error {
	run := &v.Contexts[v.CurContext].Run

	eax, ebx, ecx, edx := d.svc.CPUID(v, uint32(run.GPRs[GprRAX]), uint32(run.GPRs[GprRCX]))

	run.GPRs[GprRAX] = uint64(eax)
	run.GPRs[GprRBX] = uint64(ebx)
	run.GPRs[GprRCX] = uint64(ecx)
	run.GPRs[GprRDX] = uint64(edx)

	return nil
}

// handleHLT suspends the vCPU on the virtual-interrupt event unless a
// pending request or a deliverable vLAPIC interrupt already exists.
func (d *Dispatcher) handleHLT(v *vcpu.VCpu) error {
	if v.Pending.Any() {
		return nil
	}

	if _, ok := v.VLAPIC.PendingIntr(); ok {
		return nil
	}

	d.svc.WaitEvent(v, EventVirtualInterrupt)

	return nil
}

func (d *Dispatcher) handleVMCALL(v *vcpu.VCpu) error {
	leaf := v.Contexts[v.CurContext].Run.GPRs[GprRAX]

	if d.svc.IsSMCLeaf != nil && d.svc.IsSMCLeaf(leaf) {
		return d.svc.SMC(v)
	}

	return d.svc.Hypercall(v)
}

// CR-access qualification fields.
const (
	crQualRegMask   = 0xF
	crQualTypeShift = 4
	crQualTypeMask  = 0x3
	crQualGprShift  = 8
	crQualGprMask   = 0xF

	crAccessMovToCR   = 0
	crAccessMovFromCR = 1
	crAccessCLTS      = 2
	crAccessLMSW      = 3
)

func (d *Dispatcher) handleCRAccess(v *vcpu.VCpu) error {
	qual := v.Arch.ExitQualification
	cr := int(qual & crQualRegMask)
	accessType := int((qual >> crQualTypeShift) & crQualTypeMask)
	gpr := int((qual >> crQualGprShift) & crQualGprMask)

	run := &v.Contexts[v.CurContext].Run

	switch {
	case accessType == crAccessMovToCR && cr == 0:
		return d.movToCR0(v, uint32(run.GPRs[gpr]))
	case accessType == crAccessMovToCR && cr == 4:
		return d.movToCR4(v, uint32(run.GPRs[gpr]))
	case accessType == crAccessMovToCR && (cr == 3 || cr == 8):
		// CR3/CR8 writes are pass-through; nothing to emulate here.
		return nil
	case accessType == crAccessCLTS:
		cur := d.svc.GuestStateOf(v)

		out, err := d.svc.CRPolicy.CheckCR0Write(cur, cur.CR0&^(1<<vcr.CR0TS))
		if err != nil {
			return d.injectGPForCR(v, err)
		}

		return d.svc.ApplyCR0(v, out)
	case accessType == crAccessLMSW:
		// LMSW writes only PE/MP/EM/TS; upper bits are preserved.
		lmswBits := uint32((qual >> 16) & 0xFFFF & 0xF)
		cur := d.svc.GuestStateOf(v)

		out, err := d.svc.CRPolicy.CheckCR0Write(cur, (cur.CR0&^0xE)|lmswBits)
		if err != nil {
			return d.injectGPForCR(v, err)
		}

		return d.svc.ApplyCR0(v, out)
	}

	return hverr.Newf(hverr.GuestPanic, "exitdispatch: unsupported CR access, cr=%d type=%d", cr, accessType)
}

func (d *Dispatcher) movToCR0(v *vcpu.VCpu, newVal uint32) error {
	out, err := d.svc.CRPolicy.CheckCR0Write(d.svc.GuestStateOf(v), newVal)
	if err != nil {
		return d.injectGPForCR(v, err)
	}

	if err := d.svc.ApplyCR0(v, out); err != nil {
		return err
	}

	if out.RequestEPTFlush {
		v.Pending.Set(vcpu.ReqEPTFlush)
	}

	return nil
}

func (d *Dispatcher) movToCR4(v *vcpu.VCpu, newVal uint32) error {
	out, err := d.svc.CRPolicy.CheckCR4Write(d.svc.GuestStateOf(v), newVal)
	if err != nil {
		return d.injectGPForCR(v, err)
	}

	if err := d.svc.ApplyCR4(v, out); err != nil {
		return err
	}

	if out.RequestEPTFlush {
		v.Pending.Set(vcpu.ReqEPTFlush)
	}

	return nil
}

// injectGPForCR converts a vcr legality failure into an injected #GP with
// error code 0 and retains RIP; any other error kind propagates.
func (d *Dispatcher) injectGPForCR(v *vcpu.VCpu, err error) error {
	if !hverr.Is(err, hverr.GuestFault) {
		return err
	}

	d.QueueException(v, VectorGP, 0, true)
	v.Arch.InstLen = 0

	return nil
}

// IO-instruction qualification fields.
const (
	ioQualSizeMask  = 0x7
	ioQualDirIn     = 1 << 3
	ioQualPortShift = 16
)

func (d *Dispatcher) handleIOInstruction(v *vcpu.VCpu) error {
	qual := v.Arch.ExitQualification
	size := int(qual&ioQualSizeMask) + 1
	port := uint16(qual >> ioQualPortShift)

	dir := ioreq.Write
	if qual&ioQualDirIn != 0 {
		dir = ioreq.Read
	}

	run := &v.Contexts[v.CurContext].Run
	value := uint32(run.GPRs[GprRAX])

	ok, err := d.svc.IO.HandlePio(v.ID, port, dir, size, &value)
	if err != nil {
		return err
	}

	if !ok {
		v.Arch.InstLen = 0

		return ErrDeferred
	}

	if dir == ioreq.Read {
		splicePioValue(&run.GPRs[GprRAX], value, size)
	}

	return nil
}

// splicePioValue writes value into RAX at the access width, preserving
// the untouched upper bytes, emulate_pio_complete's splice rule.
func splicePioValue(rax *uint64, value uint32, size int) {
	switch size {
	case 1:
		*rax = (*rax &^ 0xFF) | uint64(value&0xFF)
	case 2:
		*rax = (*rax &^ 0xFFFF) | uint64(value&0xFFFF)
	default:
		// 32-bit writes zero-extend to the full register.
		*rax = uint64(value)
	}
}

// CompleteDeferredPio applies a Service-VM-completed port read back into
// RAX, the dm_emulate_io_complete post-work for the PIO case.
func (d *Dispatcher) CompleteDeferredPio(v *vcpu.VCpu) error {
	run := &v.Contexts[v.CurContext].Run
	value := uint32(run.GPRs[GprRAX])

	if err := d.svc.IO.CompletePio(v.ID, &value); err != nil {
		return err
	}

	req := d.svc.IO.Slot(v.ID)
	size := 4
	if req != nil {
		size = req.Size
	}

	splicePioValue(&run.GPRs[GprRAX], value, size)

	return nil
}

func (d *Dispatcher) handleRDMSR(v *vcpu.VCpu) error {
	run := &v.Contexts[v.CurContext].Run
	msr := uint32(run.GPRs[GprRCX])

	val, err := d.svc.RDMSR(v, msr)
	if err != nil {
		if hverr.Is(err, hverr.GuestFault) {
			d.QueueException(v, VectorGP, 0, true)
			v.Arch.InstLen = 0

			return nil
		}

		return err
	}

	run.GPRs[GprRAX] = val & 0xFFFFFFFF
	run.GPRs[GprRDX] = val >> 32

	return nil
}

func (d *Dispatcher) handleWRMSR(v *vcpu.VCpu) error {
	run := &v.Contexts[v.CurContext].Run
	msr := uint32(run.GPRs[GprRCX])
	val := run.GPRs[GprRAX]&0xFFFFFFFF | run.GPRs[GprRDX]<<32

	if err := d.svc.WRMSR(v, msr, val); err != nil {
		if hverr.Is(err, hverr.GuestFault) {
			d.QueueException(v, VectorGP, 0, true)
			v.Arch.InstLen = 0

			return nil
		}

		return err
	}

	return nil
}

// EPT-violation qualification fields.
const (
	eptQualRead  = 1 << 0
	eptQualWrite = 1 << 1
)

// handleEPTViolation decodes the faulting instruction to size/direction,
// then dispatches the MMIO access; no registered handler means the
// request is handed to the Service VM and the vCPU suspends.
func (d *Dispatcher) handleEPTViolation(v *vcpu.VCpu) error {
	gpa, err := d.vmread(v, FieldGuestPhysAddr)
	if err != nil {
		return err
	}

	qual := v.Arch.ExitQualification

	dir := ioreq.Read
	if qual&eptQualWrite != 0 {
		dir = ioreq.Write
	}

	insn, err := d.svc.FetchInsn(v)
	if err != nil {
		return hverr.Newf(hverr.GuestPanic, "exitdispatch: cannot fetch insn for EPT violation at gpa %#x: %v", gpa, err)
	}

	mmio, err := DecodeMMIO(insn, dir == ioreq.Write)
	if err != nil {
		return hverr.Newf(hverr.GuestPanic, "exitdispatch: cannot decode MMIO insn at gpa %#x: %v", gpa, err)
	}

	run := &v.Contexts[v.CurContext].Run
	value := uint64(0)

	if dir == ioreq.Write {
		// Emulate the store before handing to the device model so the
		// shared slot already carries the final value.
		value = mmio.SourceValue(&run.GPRs)
	}

	ok, err := d.svc.IO.HandleMMIO(v.ID, gpa, dir, mmio.Size, &value)
	if err != nil {
		return err
	}

	if !ok {
		v.Arch.InstLen = 0

		return ErrDeferred
	}

	if dir == ioreq.Read {
		mmio.WriteDest(&run.GPRs, value)
	}

	v.Arch.InstLen = uint32(mmio.Len)

	return nil
}

// CompleteDeferredMMIO re-executes the decoded read against the value the
// Service VM filled in.
func (d *Dispatcher) CompleteDeferredMMIO(v *vcpu.VCpu, mmio *MMIOInsn) error {
	val, err := d.svc.IO.CompleteMMIO(v.ID)
	if err != nil {
		return err
	}

	if mmio != nil {
		mmio.WriteDest(&v.Contexts[v.CurContext].Run.GPRs, val)
		v.Arch.InstLen = uint32(mmio.Len)
	}

	return nil
}

func (d *Dispatcher) handleEPTMisconfig(v *vcpu.VCpu) error {
	d.svc.ShutdownVM(v, "EPT misconfiguration")

	return ErrShutdown
}

func (d *Dispatcher) handleWBINVD(v *vcpu.VCpu) error {
	return d.svc.WBINVD(v)
}

// XCR0 bit positions the XSETBV legality check names.
const (
	xcr0X87 = 1 << 0
	xcr0SSE = 1 << 1
	xcr0AVX = 1 << 2
	xcr0MPXLow  = 1 << 3
	xcr0MPXHigh = 1 << 4
)

func (d *Dispatcher) handleXSETBV(v *vcpu.VCpu) error {
	run := &v.Contexts[v.CurContext].Run
	index := uint32(run.GPRs[GprRCX])
	val := run.GPRs[GprRAX]&0xFFFFFFFF | run.GPRs[GprRDX]<<32

	inject := func(vector uint8) error {
		d.QueueException(v, vector, 0, vector == VectorGP)
		v.Arch.InstLen = 0

		return nil
	}

	if index != 0 {
		return inject(VectorGP)
	}

	if val&xcr0X87 == 0 {
		return inject(VectorGP)
	}

	if val&xcr0AVX != 0 && val&xcr0SSE == 0 {
		return inject(VectorGP)
	}

	mpxBits := uint64(xcr0MPXLow | xcr0MPXHigh)
	if val&mpxBits != 0 {
		if !d.svc.MPXSupported || val&mpxBits != mpxBits {
			return inject(VectorGP)
		}
	}

	if val&^d.svc.XCR0Allowed != 0 {
		return inject(VectorGP)
	}

	ApplyXCR0(index, val)

	return nil
}

// ApplyXCR0 commits a legality-checked XSETBV. It is a package variable
// because the instruction only exists in ring 0: the hypervisor build
// points it at lowlevel.XSETBV during bring-up, everything else leaves
// the guard value that records the write without executing it.
var ApplyXCR0 = func(index uint32, val uint64) {}

// handleMonitorTrap completes split-lock emulation: MTF is disabled and,
// if a lock instruction was being stepped, the peers waiting on
// VCPU_EVENT_SPLIT_LOCK are released by the vm wiring's WaitEvent pair.
func (d *Dispatcher) handleMonitorTrap(v *vcpu.VCpu) error {
	v.Arch.InstLen = 0

	if err := d.clearProcCtl(v, CtlMonitorTrap); err != nil {
		return err
	}

	if v.Arch.EmulatingLock {
		v.Arch.EmulatingLock = false
		d.svc.WaitEvent(v, EventSplitLock)
	}

	return nil
}

func (d *Dispatcher) handleLOADIWKEY(v *vcpu.VCpu) error {
	if d.svc.LoadIWKey == nil {
		return d.handleInjectUD(v)
	}

	return d.svc.LoadIWKey(v)
}

func (d *Dispatcher) handleInjectUD(v *vcpu.VCpu) error {
	d.QueueException(v, VectorUD, 0, false)
	v.Arch.InstLen = 0

	return nil
}

// APIC-access qualification: offset in bits 0:11 for linear accesses.
func (d *Dispatcher) handleAPICAccess(v *vcpu.VCpu) error {
	// x2APIC-only guests reach the vLAPIC through MSRs; a legacy MMIO
	// access to the APIC page is treated as a read of offset 0 and
	// otherwise ignored, since no xAPIC-mode register file is modeled.
	return nil
}

func (d *Dispatcher) handleVirtualizedEOI(v *vcpu.VCpu) error {
	v.Arch.InstLen = 0

	v.VLAPIC.EOI()

	return nil
}

func (d *Dispatcher) handleAPICWrite(v *vcpu.VCpu) error {
	v.Arch.InstLen = 0

	return nil
}

func (d *Dispatcher) handleTPRBelowThreshold(v *vcpu.VCpu) error {
	v.Arch.InstLen = 0
	v.Pending.Set(vcpu.ReqEvent)

	return nil
}
