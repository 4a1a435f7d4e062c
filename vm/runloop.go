package vm

import (
	"log"
	"runtime"

	"github.com/vmxcore/hypervisor/exitdispatch"
	"github.com/vmxcore/hypervisor/hverr"
	"github.com/vmxcore/hypervisor/lowlevel"
	"github.com/vmxcore/hypervisor/vcpu"
)

// eventChan lazily builds the channel a vCPU blocks on for ev.
func (v *Vm) eventChan(vcpuID int, ev exitdispatch.Event) chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()

	chans, ok := v.events[vcpuID]
	if !ok {
		chans = make(map[exitdispatch.Event]chan struct{})
		v.events[vcpuID] = chans
	}

	ch, ok := chans[ev]
	if !ok {
		ch = make(chan struct{}, 1)
		chans[ev] = ch
	}

	return ch
}

// waitEvent blocks the calling vCPU goroutine until SignalEvent.
func (v *Vm) waitEvent(vc *vcpu.VCpu, ev exitdispatch.Event) {
	<-v.eventChan(vc.ID, ev)
}

// SignalEvent releases one waiter, dropping the signal when nobody is
// (or will be) waiting so posts never block.
func (v *Vm) SignalEvent(vcpuID int, ev exitdispatch.Event) {
	select {
	case v.eventChan(vcpuID, ev) <- struct{}{}:
	default:
	}
}

// RunLoop drives one vCPU until shutdown or deferral, pinned to an OS
// thread the way a pCPU owns exactly one running vCPU. Each iteration runs
// pending requests, the dirty-register flush, VM entry, and exit dispatch.
func (v *Vm) RunLoop(vc *vcpu.VCpu) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if p := v.pcpus.Get(vc.PCPUID); p != nil {
		p.SetCurrentVCpuID(vc.ID)
		defer p.SetCurrentVCpuID(0)
	}

	v.EPT.TrackRanOn(vc.PCPUID)

	for vc.State == vcpu.Running {
		if err := v.RunOnce(vc); err != nil {
			return err
		}
	}

	return nil
}

// IBRSType selects the branch-prediction mitigation applied around VM
// entry; None issues no speculation-control writes at all.
type IBRSType int

const (
	IBRSNone IBRSType = iota
	IBRSRaw           // write IBRS=1 on exit, IBPB on entry
	IBRSOpt           // STIBP always on, IBPB on entry
)

// IBRSPolicy is process-wide, settled once at bring-up from the
// capability probe.
var IBRSPolicy = IBRSNone

const (
	msrSpecCtrl = 0x48
	msrPredCmd  = 0x49

	specCtrlIBRS  = 1 << 0
	specCtrlSTIBP = 1 << 1
	predCmdIBPB   = 1 << 0
)

// applySpecCtrlEntry runs the mitigation writes just before entering the
// guest.
func applySpecCtrlEntry() {
	switch IBRSPolicy {
	case IBRSRaw:
		lowlevel.WRMSR(msrPredCmd, predCmdIBPB)
		lowlevel.WRMSR(msrSpecCtrl, 0)
	case IBRSOpt:
		lowlevel.WRMSR(msrPredCmd, predCmdIBPB)
		lowlevel.WRMSR(msrSpecCtrl, specCtrlSTIBP)
	}
}

// applySpecCtrlExit re-arms host protection after a VM exit.
func applySpecCtrlExit() {
	switch IBRSPolicy {
	case IBRSRaw:
		lowlevel.WRMSR(msrSpecCtrl, specCtrlIBRS)
	case IBRSOpt:
		lowlevel.WRMSR(msrSpecCtrl, specCtrlSTIBP)
	}
}

// RunOnce performs a single entry/exit cycle.
func (v *Vm) RunOnce(vc *vcpu.VCpu) error {
	applySpecCtrlEntry()
	defer applySpecCtrlExit()

	if err := v.Dispatcher.RunEntryCycle(vc, regFieldOf); err != nil {
		if err == exitdispatch.ErrShutdown {
			vc.State = vcpu.Zombie
		}

		return err
	}

	err := v.Dispatcher.Dispatch(vc)

	switch {
	case err == nil:
		return nil
	case err == exitdispatch.ErrDeferred:
		// The vCPU blocks here until the Service VM completes the
		// ioreq; NotifyIoreqFinish posts the completion.
		v.waitEvent(vc, exitdispatch.EventIoreqComplete)

		return nil
	case err == exitdispatch.ErrShutdown:
		vc.State = vcpu.Zombie

		return err
	default:
		return err
	}
}

// WBINVD runs the SMP cache-flush rendezvous: serialize initiators on
// the VM-scoped lock, post WAIT_WBINVD to every peer and kick it, flush,
// then release the peers.
func (v *Vm) WBINVD(initiator *vcpu.VCpu) error {
	v.wbinvdMu.Lock()
	defer v.wbinvdMu.Unlock()

	var peers []*vcpu.VCpu

	for _, vc := range v.VCpus {
		if vc.ID != initiator.ID && vc.State == vcpu.Running {
			peers = append(peers, vc)
		}
	}

	for _, vc := range peers {
		vc.Pending.Set(vcpu.ReqWaitWBINVD)
		v.notifyPCPU(vc)
	}

	v.flushGuestCache()

	for _, vc := range peers {
		v.SignalEvent(vc.ID, exitdispatch.EventSyncWBINVD)
	}

	return nil
}

// flushGuestCache walks the slab flushing by cache line, the
// EPT-leaf-aware variant of the full WBINVD for RT/SRAM configurations.
func (v *Vm) flushGuestCache() {
	const lineSize = 64

	base := v.mem.Base()
	for off := uintptr(0); off < uintptr(v.mem.Size()); off += lineSize {
		lowlevel.CLFLUSHOPT(base + off)
	}
}

// smcLeafBase marks the VMCALL leaves Trusty's SMC convention owns.
const smcLeafBase = 0x74727500 // 'tru\0'

// IsSMCLeaf reports whether a VMCALL leaf belongs to the secure monitor
// family rather than the Service-VM hypercall table.
func IsSMCLeaf(leaf uint64) bool {
	return leaf&0xFFFFFF00 == smcLeafBase
}

// HandleSMC performs the world switch an SMC VMCALL requests. The L1D
// flush on Normal->Secure transitions is the not-already-covered case;
// the flush itself is a write to IA32_FLUSH_CMD.
func (v *Vm) HandleSMC(vc *vcpu.VCpu) error {
	if !v.Trusty.Initialized() {
		return hverr.Newf(hverr.TransitionViolation, "vm %d: SMC without secure world", v.ID)
	}

	needL1D, err := v.Switcher.SwitchWorld(vc, vc.Exec, FieldOf, func(eptp uint64) error {
		if status := vc.Exec.VMWRITE(FieldOf("EPT_POINTER"), eptp); status != lowlevel.StatusOK {
			return hverr.Newf(hverr.HwUnsupported, "vm: VMWRITE(EPT_POINTER) failed, status %d", status)
		}

		return nil
	})
	if err != nil {
		return err
	}

	if needL1D {
		const msrFlushCmd = 0x10B

		lowlevel.WRMSR(msrFlushCmd, 1)
	}

	return nil
}

// powerOff services a guest-initiated S5 transition from the PM1
// control block: an orderly stop rather than a fault path.
func (v *Vm) powerOff() {
	log.Printf("vm %d: guest entered S5, powering off", v.ID)

	v.mu.Lock()
	v.state = Destroyed
	v.mu.Unlock()

	for _, c := range v.VCpus {
		c.State = vcpu.Offline
		v.notifyPCPU(c)
	}
}

// ShutdownVM is the GuestPanic sink: log why and zombie every vCPU.
func (v *Vm) ShutdownVM(vc *vcpu.VCpu, why string) {
	log.Printf("vm %d: shutting down: %s (vcpu %d)", v.ID, why, vc.ID)

	v.mu.Lock()
	v.state = Destroyed
	v.mu.Unlock()

	for _, c := range v.VCpus {
		c.State = vcpu.Zombie
		v.notifyPCPU(c)
	}
}
