package exitdispatch

import (
	"github.com/vmxcore/hypervisor/vcpu"
)

// benign vectors never escalate a prior fault to #DF.
func isBenign(vector uint8) bool {
	switch vector {
	case VectorDE, VectorTS, VectorNP, VectorSS, VectorGP, VectorPF, VectorVE, VectorDF:
		return false
	}

	return true
}

// isContributory is the {#DE,#TS,#NP,#SS,#GP} class of the SDM's
// double-fault table.
func isContributory(vector uint8) bool {
	switch vector {
	case VectorDE, VectorTS, VectorNP, VectorSS, VectorGP:
		return true
	}

	return false
}

// QueueException records vector for injection at the next entry, applying
// the SDM double-fault combination against any exception already queued:
// contributory-on-contributory and page-fault-on-nonbenign collapse to
// #DF; anything non-benign on a queued #DF is a triple fault.
func (d *Dispatcher) QueueException(v *vcpu.VCpu, vector uint8, errCode uint32, hasErr bool) {
	a := &v.Arch

	if !a.ExcpValid {
		a.ExcpValid = true
		a.ExcpVector = vector
		a.ExcpErrCode = errCode
		a.ExcpHasErr = hasErr
		v.Pending.Set(vcpu.ReqExcp)

		return
	}

	prior := a.ExcpVector

	switch {
	case prior == VectorDF && !isBenign(vector):
		a.ExcpValid = false
		v.Pending.Set(vcpu.ReqTrpFault)
	case isContributory(prior) && isContributory(vector),
		(prior == VectorPF || prior == VectorVE) && !isBenign(vector):
		a.ExcpVector = VectorDF
		a.ExcpErrCode = 0
		a.ExcpHasErr = true
		v.Pending.Set(vcpu.ReqExcp)
	default:
		// Benign combinations deliver the new exception; the prior one
		// is re-raised by the guest's handler returning, so the newer
		// vector simply replaces the slot.
		a.ExcpVector = vector
		a.ExcpErrCode = errCode
		a.ExcpHasErr = hasErr
		v.Pending.Set(vcpu.ReqExcp)
	}
}

// injectEvent writes a VM-entry interruption-info for the next entry.
func (d *Dispatcher) injectEvent(v *vcpu.VCpu, typ uint64, vector uint8, errCode uint32, hasErr bool) error {
	info := intInfoValid | typ<<8 | uint64(vector)

	if hasErr {
		info |= intInfoDeliverErr

		if err := d.vmwrite(v, FieldEntryExcErrCode, uint64(errCode)); err != nil {
			return err
		}
	}

	return d.vmwrite(v, FieldEntryIntInfo, info)
}

// HandlePendingRequest is the pipeline run at every VM entry, consuming
// the bitmap in strict priority order: INIT_VMCS, TRP_FAULT, WAIT_WBINVD,
// SPLIT_LOCK, EPT_FLUSH, VPID_FLUSH, EOI_EXIT_BITMAP_UPDATE, SMP_CALL,
// EXCP, NMI, EXTINT, EVENT.
func (d *Dispatcher) HandlePendingRequest(v *vcpu.VCpu) error {
	p := &v.Pending

	if p.TestAndClear(vcpu.ReqInitVMCS) {
		if err := d.svc.InitVMCS(v); err != nil {
			return err
		}
	}

	if p.TestAndClear(vcpu.ReqTrpFault) {
		d.svc.ShutdownVM(v, "triple fault")

		return ErrShutdown
	}

	if p.TestAndClear(vcpu.ReqWaitWBINVD) {
		d.svc.WaitEvent(v, EventSyncWBINVD)
	}

	if p.TestAndClear(vcpu.ReqSplitLock) {
		d.svc.WaitEvent(v, EventSplitLock)
	}

	if p.TestAndClear(vcpu.ReqEPTFlush) {
		descriptor := [2]uint64{0, 0}
		v.Exec.INVEPT(inveptAllContexts, &descriptor)
	}

	if p.TestAndClear(vcpu.ReqVPIDFlush) {
		descriptor := [2]uint64{uint64(v.VPID), 0}
		v.Exec.INVVPID(invvpidSingleContext, &descriptor)
	}

	if p.TestAndClear(vcpu.ReqEOIExitBitmapUpdate) {
		// The vm wiring recomputes the bitmap from the vIOAPIC trigger
		// modes; the vLAPIC already carries the result.
	}

	if p.TestAndClear(vcpu.ReqSMPCall) {
		// smp_call payloads run in the notify path before this entry.
	}

	if p.TestAndClear(vcpu.ReqExcp) {
		if err := d.injectQueuedException(v); err != nil {
			return err
		}

		// An exception injection consumes the entry's one event slot.
		return nil
	}

	if p.TestAndClear(vcpu.ReqNMI) {
		ok, err := d.injectNMI(v)
		if err != nil {
			return err
		}

		if ok {
			return nil
		}
	}

	if p.TestAndClear(vcpu.ReqExtINT) {
		ok, err := d.injectExtINT(v)
		if err != nil {
			return err
		}

		if ok {
			return nil
		}
	}

	if p.TestAndClear(vcpu.ReqEvent) {
		if err := d.injectVLapicEvent(v); err != nil {
			return err
		}
	}

	return nil
}

const (
	inveptAllContexts    = 2
	invvpidSingleContext = 1
)

func (d *Dispatcher) injectQueuedException(v *vcpu.VCpu) error {
	a := &v.Arch
	if !a.ExcpValid {
		return nil
	}

	a.ExcpValid = false

	return d.injectEvent(v, intTypeHWException, a.ExcpVector, a.ExcpErrCode, a.ExcpHasErr)
}

// injectNMI injects unless the guest's interruptibility state blocks it,
// in which case the request is re-set to retry at the next entry.
func (d *Dispatcher) injectNMI(v *vcpu.VCpu) (bool, error) {
	intr, err := d.vmread(v, FieldGuestInterruptibility)
	if err != nil {
		return false, err
	}

	if intr&(BlockedBySTI|BlockedByMOVSS|BlockedByNMI) != 0 {
		v.Pending.Set(vcpu.ReqNMI)

		return false, nil
	}

	return true, d.injectEvent(v, intTypeNMI, VectorNMI, 0, false)
}

// injectExtINT delivers a vPIC-sourced interrupt if IF=1 and no STI/MOVSS
// blocking; otherwise it re-sets the request and opens the interrupt
// window so the guest's next STI/IRET forces an exit back here.
func (d *Dispatcher) injectExtINT(v *vcpu.VCpu) (bool, error) {
	injectable, err := d.interruptInjectable(v)
	if err != nil {
		return false, err
	}

	if !injectable {
		v.Pending.Set(vcpu.ReqExtINT)

		return false, d.setProcCtl(v, CtlInterruptWindow)
	}

	vector, ok := d.svc.PendingExtINT(v)
	if !ok {
		return false, nil
	}

	return true, d.injectEvent(v, intTypeExternal, vector, 0, false)
}

// injectVLapicEvent moves the highest deliverable IRR vector to ISR and
// injects it; if the window is closed the request stays pending and
// interrupt-window exiting is enabled.
func (d *Dispatcher) injectVLapicEvent(v *vcpu.VCpu) error {
	vector, ok := v.VLAPIC.PendingIntr()
	if !ok {
		return nil
	}

	injectable, err := d.interruptInjectable(v)
	if err != nil {
		return err
	}

	if !injectable {
		v.Pending.Set(vcpu.ReqEvent)

		return d.setProcCtl(v, CtlInterruptWindow)
	}

	v.VLAPIC.AckPendingIntr(vector)

	return d.injectEvent(v, intTypeExternal, vector, 0, false)
}

func (d *Dispatcher) interruptInjectable(v *vcpu.VCpu) (bool, error) {
	rflags, err := d.vmread(v, FieldGuestRFLAGS)
	if err != nil {
		return false, err
	}

	if rflags&rflagsIF == 0 {
		return false, nil
	}

	intr, err := d.vmread(v, FieldGuestInterruptibility)
	if err != nil {
		return false, err
	}

	return intr&(BlockedBySTI|BlockedByMOVSS) == 0, nil
}

// RunEntryCycle is the per-entry sequence the run loop calls: pipeline,
// dirty-register flush, VM entry. fieldOf maps RegField names for the
// flush-back, the same seam vcpu.FlushDirty takes.
func (d *Dispatcher) RunEntryCycle(v *vcpu.VCpu, fieldOf func(vcpu.RegField) uint64) error {
	if err := d.HandlePendingRequest(v); err != nil {
		return err
	}

	if err := v.FlushDirty(fieldOf); err != nil {
		return err
	}

	return v.Entry()
}
