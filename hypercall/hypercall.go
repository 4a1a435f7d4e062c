// Package hypercall implements the Service-VM ABI surface at the
// exit-dispatch boundary: a leaf-indexed handler table for the VMCALL
// exits arriving from ring 0, with leaf in RAX and parameter GPAs in the
// following GPRs, plus the versioned header every variable-size payload
// is required to lead with.
package hypercall

import (
	"sync"

	"github.com/vmxcore/hypervisor/hverr"
	"github.com/vmxcore/hypervisor/vcpu"
)

// Hypercall leaf numbers, grouped the way the ABI table groups them.
const (
	idBase = uint64(0x80)

	LeafGetAPIVersion     = idBase + 0x00
	LeafServiceVMOffline  = idBase + 0x01
	LeafSetCallbackVector = idBase + 0x02
	LeafGetHWInfo         = idBase + 0x03

	LeafCreateVM  = idBase + 0x10
	LeafDestroyVM = idBase + 0x11
	LeafStartVM   = idBase + 0x12
	LeafPauseVM   = idBase + 0x13
	LeafResetVM   = idBase + 0x14
	LeafCreateVCpu = idBase + 0x15
	LeafSetVCpuRegs = idBase + 0x16

	LeafSetIRQLine = idBase + 0x20
	LeafInjectMSI  = idBase + 0x21
	LeafVMIntrMonitor = idBase + 0x22
	LeafSetPtdevIntrInfo   = idBase + 0x23
	LeafResetPtdevIntrInfo = idBase + 0x24

	LeafSetIoreqBuffer    = idBase + 0x30
	LeafNotifyIoreqFinish = idBase + 0x31
	LeafAsyncioAssign     = idBase + 0x32
	LeafAsyncioDeassign   = idBase + 0x33

	LeafSetVMMemoryRegions = idBase + 0x40
	LeafWriteProtectPage   = idBase + 0x41
	LeafGPAToHPA           = idBase + 0x42

	LeafAssignPcidev   = idBase + 0x50
	LeafDeassignPcidev = idBase + 0x51
	LeafAssignMmiodev  = idBase + 0x52
	LeafDeassignMmiodev = idBase + 0x53
	LeafAddVdev        = idBase + 0x54
	LeafRemoveVdev     = idBase + 0x55

	LeafGetCPUPMState = idBase + 0x60

	LeafInitializeTrusty      = idBase + 0x70
	LeafWorldSwitch           = idBase + 0x71
	LeafSaveRestoreSworldCtx  = idBase + 0x72
	LeafSwitchEE              = idBase + 0x73
	LeafHandleTEEVCpuBootDone = idBase + 0x74

	LeafSetupSbuf      = idBase + 0x80
	LeafSetupHVNPKLog  = idBase + 0x81
	LeafProfilingOps   = idBase + 0x82
)

// Errno values hypercalls surface to the Service VM.
const (
	Eok     int64 = 0
	Enosys  int64 = -38
	Einval  int64 = -22
	Efault  int64 = -14
	Eperm   int64 = -1
	Eio     int64 = -5
)

// Header is the versioned prefix every variable-size payload GPA points
// at, settling the "raw uint64 GPA without a size" ambiguity: the
// handler reads the header first, validates magic and version, and then
// knows how many bytes follow.
type Header struct {
	Magic   uint32
	Version uint32
	Size    uint32
	_       uint32
}

// HeaderMagic identifies a payload written by a matching Service VM.
const HeaderMagic = 0x41435248 // "ACRH"

// HeaderSize is Header's encoded size.
const HeaderSize = 16

// Ctx carries one invocation: the calling vCPU and the parameter words
// from the GPRs after RAX, per the calling convention.
type Ctx struct {
	VCpu *vcpu.VCpu
	Leaf uint64
	Args [4]uint64 // RDI, RSI, RDX, RBX
}

// Handler services one leaf. The int64 is the RAX return value (0 or a
// negative errno); a non-nil error additionally classifies the failure
// for logging.
type Handler func(ctx *Ctx) (int64, error)

// Table is one VM's leaf dispatch table.
type Table struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler

	// Ring returns the calling vCPU's CPL; hypercalls from ring != 0
	// fail with -EPERM without dispatching.
	Ring func(v *vcpu.VCpu) int
}

// New returns an empty table that treats every caller as ring 0 until a
// Ring probe is installed.
func New() *Table {
	return &Table{
		handlers: make(map[uint64]Handler),
		Ring:     func(*vcpu.VCpu) int { return 0 },
	}
}

// Register installs a handler for leaf, replacing any previous one.
func (t *Table) Register(leaf uint64, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[leaf] = h
}

// GPR indices for the calling convention.
const (
	gprRAX = 0
	gprRDX = 2
	gprRBX = 3
	gprRSI = 6
	gprRDI = 7
)

// Dispatch decodes the VMCALL registers, runs the handler, and writes
// the result back into RAX. Unknown leaves return -ENOSYS; non-ring-0
// callers get -EPERM. Handler errors never propagate past this boundary
// into the run loop: they become the RAX errno, per the error policy.
func (t *Table) Dispatch(v *vcpu.VCpu) error {
	run := &v.Contexts[v.CurContext].Run

	ctx := &Ctx{
		VCpu: v,
		Leaf: run.GPRs[gprRAX],
		Args: [4]uint64{run.GPRs[gprRDI], run.GPRs[gprRSI], run.GPRs[gprRDX], run.GPRs[gprRBX]},
	}

	if t.Ring(v) != 0 {
		eperm := Eperm
		run.GPRs[gprRAX] = uint64(eperm)

		return nil
	}

	t.mu.RLock()
	h, ok := t.handlers[ctx.Leaf]
	t.mu.RUnlock()

	if !ok {
		enosys := Enosys
		run.GPRs[gprRAX] = uint64(enosys)

		return nil
	}

	ret, err := h(ctx)
	if err != nil && ret == 0 {
		ret = ErrnoFor(err)
	}

	run.GPRs[gprRAX] = uint64(ret)

	return nil
}

// ErrnoFor maps the error-kind taxonomy to the errno a hypercall
// surfaces: internal faults are -EFAULT, capacity and guest-visible
// validation failures are -EINVAL, world-transition refusals are -EPERM.
func ErrnoFor(err error) int64 {
	kind, ok := hverr.KindOf(err)
	if !ok {
		return Eio
	}

	switch kind {
	case hverr.HvInternal:
		return Efault
	case hverr.CapacityFault, hverr.GuestFault:
		return Einval
	case hverr.TransitionViolation:
		return Eperm
	default:
		return Eio
	}
}
