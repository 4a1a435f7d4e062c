// Package vcpu models one virtual CPU: its VMCS-backed register cache,
// pending-request bitmap, and the entry primitive that drives VMLAUNCH and
// VMRESUME through an injected lowlevel.Executor.
package vcpu

import (
	"sync/atomic"

	"github.com/vmxcore/hypervisor/hverr"
	"github.com/vmxcore/hypervisor/lowlevel"
	"github.com/vmxcore/hypervisor/vlapic"
)

// PendingBit indexes the pending-request bitmap, ordered by delivery
// priority so callers can iterate low-to-high.
type PendingBit uint

const (
	ReqInitVMCS PendingBit = iota
	ReqTrpFault
	ReqWaitWBINVD
	ReqSplitLock
	ReqEPTFlush
	ReqVPIDFlush
	ReqEOIExitBitmapUpdate
	ReqSMPCall
	ReqExcp
	ReqNMI
	ReqExtINT
	ReqEvent
	numPendingBits
)

// PendingRequestBitmap is the atomic bitmap the entry pipeline consumes.
type PendingRequestBitmap struct {
	bits uint64
}

func (p *PendingRequestBitmap) Set(b PendingBit) {
	for {
		old := atomic.LoadUint64(&p.bits)
		nw := old | (1 << uint(b))

		if atomic.CompareAndSwapUint64(&p.bits, old, nw) {
			return
		}
	}
}

func (p *PendingRequestBitmap) TestAndClear(b PendingBit) bool {
	for {
		old := atomic.LoadUint64(&p.bits)
		if old&(1<<uint(b)) == 0 {
			return false
		}

		nw := old &^ (1 << uint(b))
		if atomic.CompareAndSwapUint64(&p.bits, old, nw) {
			return true
		}
	}
}

func (p *PendingRequestBitmap) Any() bool { return atomic.LoadUint64(&p.bits) != 0 }

// World selects which of the two per-vCPU contexts is active.
type World int

const (
	NormalWorld World = iota
	SecureWorld
	numWorlds
)

// RunContext is the subset of guest state cached lazily into host memory
// between exits: GPRs, the CR0/CR2/CR4 shadow copies, RIP, RFLAGS, and the
// MSR shadows not always resident in the VMCS.
type RunContext struct {
	GPRs   [16]uint64
	CR0    uint32
	CR2    uint64
	CR4    uint32
	RIP    uint64
	RFLAGS uint64

	IA32EFER uint64
}

// ExtContext is state saved only around a world switch: segments,
// descriptor tables, and MSRs the VMCS guest-state area does not carry
// directly for the Secure world.
type ExtContext struct {
	CR3       uint64
	DR7       uint64
	IA32PAT   uint64
	IDTRBase  uint64
	IDTRLimit uint16
	GDTRBase  uint64
	GDTRLimit uint16
	TSCOffset uint64

	StarMSR, LstarMSR, FmaskMSR, KernelGSBase, TSCAux uint64
}

// reg caching flags, one bit per RunContext field a write can dirty.
type RegField uint

const (
	RegRIP RegField = iota
	RegRFLAGS
	RegCR0
	RegCR4
	numRegFields
)

// Arch is the per-exit scratch state the VM-exit dispatcher reads and
// writes between VMREAD(VMX_EXIT_REASON) and the next entry: the decoded
// exit reason, the pre-read qualification, the instruction length RIP
// advances by (0 means "do not advance"), any in-flight IDT vectoring
// info to re-queue, and the one exception slot the pending-request
// pipeline injects from.
type Arch struct {
	ExitReason        uint64
	ExitQualification uint64
	InstLen           uint32
	IDTVecInfo        uint64

	ExcpValid   bool
	ExcpVector  uint8
	ExcpErrCode uint32
	ExcpHasErr  bool

	EmulatingLock bool // split-lock emulation in progress under MTF
}

// VCpu is a virtual CPU of a VM.
type VCpu struct {
	ID      int
	VM      int // owning Vm's arena index; the vm package resolves it
	PCPUID  int

	Arch Arch

	VMCS uint64 // VMCS-region HPA, passed to Executor verbatim

	Contexts   [numWorlds]struct {
		Run RunContext
		Ext ExtContext
	}
	CurContext World

	VLAPIC *vlapic.VLapic

	Pending PendingRequestBitmap

	regCached  uint32 // bitmap of RegField
	regUpdated uint32

	State   State
	Launched bool
	VPID    uint16

	Exec lowlevel.Executor
}

// State is the vCPU lifecycle state.
type State int

const (
	Init State = iota
	Running
	Paused
	Zombie
	Offline
)

// New builds a vCPU in Init state with a fresh vLAPIC and the given VMCS
// HPA and executor seam.
func New(id int, apicID uint32, vmcsHPA uint64, exec lowlevel.Executor) *VCpu {
	v := &VCpu{
		ID:     id,
		VMCS:   vmcsHPA,
		VLAPIC: vlapic.New(apicID),
		Exec:   exec,
	}
	v.Pending.Set(ReqInitVMCS)

	return v
}

// MarkDirty records that field was written into the active context's
// RunContext and must be flushed back to the VMCS before the next entry.
func (v *VCpu) MarkDirty(f RegField) {
	v.regUpdated |= 1 << uint(f)
}

// IsCached reports whether field has already been pulled from the VMCS
// into the active RunContext this exit.
func (v *VCpu) IsCached(f RegField) bool {
	return v.regCached&(1<<uint(f)) != 0
}

func (v *VCpu) markCached(f RegField) { v.regCached |= 1 << uint(f) }

// cur returns a pointer to the active world's contexts.
func (v *VCpu) cur() *struct {
	Run RunContext
	Ext ExtContext
} {
	return &v.Contexts[v.CurContext]
}

// GetRIP returns the cached RIP, reading the VMCS field via Exec on first
// access this exit (VMX_GUEST_RIP = field 0x681E per the real encoding;
// this core treats field numbers as opaque uint64 keys the Executor maps).
func (v *VCpu) GetRIP(field uint64) (uint64, error) {
	if v.IsCached(RegRIP) {
		return v.cur().Run.RIP, nil
	}

	val, status := v.Exec.VMREAD(field)
	if status != lowlevel.StatusOK {
		return 0, hverr.Newf(hverr.HwUnsupported, "vcpu: VMREAD failed, status %d", status)
	}

	v.cur().Run.RIP = val
	v.markCached(RegRIP)

	return val, nil
}

// SetRIP updates the cached RIP and marks it dirty for the next entry.
func (v *VCpu) SetRIP(rip uint64) {
	v.cur().Run.RIP = rip
	v.MarkDirty(RegRIP)
	v.markCached(RegRIP)
}

// AdvanceRIP adds instLen to RIP unless instLen is 0, matching
// `vcpu->arch.inst_len = 0` meaning "do not advance".
func (v *VCpu) AdvanceRIP(instLen uint32) {
	if instLen == 0 {
		return
	}

	v.SetRIP(v.cur().Run.RIP + uint64(instLen))
}

// FlushDirty writes every regUpdated field back to the VMCS via VMWRITE
// and clears regUpdated/regCached for the next exit's fresh reads; it runs
// after the pending-request pipeline and before VM entry.
func (v *VCpu) FlushDirty(fieldOf func(RegField) uint64) error {
	for f := RegField(0); f < numRegFields; f++ {
		if v.regUpdated&(1<<uint(f)) == 0 {
			continue
		}

		var val uint64
		switch f {
		case RegRIP:
			val = v.cur().Run.RIP
		case RegRFLAGS:
			val = v.cur().Run.RFLAGS
		case RegCR0:
			val = uint64(v.cur().Run.CR0)
		case RegCR4:
			val = uint64(v.cur().Run.CR4)
		}

		if status := v.Exec.VMWRITE(fieldOf(f), val); status != lowlevel.StatusOK {
			return hverr.Newf(hverr.HwUnsupported, "vcpu: VMWRITE failed, status %d", status)
		}
	}

	v.regUpdated = 0
	v.regCached = 0

	return nil
}

// Entry performs one VM entry: VMPTRLD, then VMLAUNCH on first entry or
// VMRESUME thereafter. Callers are expected to have already run
// FlushDirty and the pending-request pipeline.
func (v *VCpu) Entry() error {
	if status := v.Exec.VMPTRLD(v.VMCS); status != lowlevel.StatusOK {
		return hverr.Newf(hverr.HwUnsupported, "vcpu: VMPTRLD failed, status %d", status)
	}

	var status uint8
	if !v.Launched {
		status = v.Exec.VMLAUNCH()
		v.Launched = true
	} else {
		status = v.Exec.VMRESUME()
	}

	if status != lowlevel.StatusOK {
		return hverr.Newf(hverr.HwUnsupported, "vcpu: VM entry failed, status %d", status)
	}

	return nil
}
