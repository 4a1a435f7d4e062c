package vm

import (
	"github.com/vmxcore/hypervisor/ept"
	"github.com/vmxcore/hypervisor/exitdispatch"
	"github.com/vmxcore/hypervisor/hverr"
	"github.com/vmxcore/hypervisor/hypercall"
	"github.com/vmxcore/hypervisor/trusty"
	"github.com/vmxcore/hypervisor/vcpu"
)

// APIVersion is what get_api_version reports: major in the high half.
const APIVersion = int64(1<<16 | 0)

// registerHypercalls installs the leaf handlers this VM services. Leaves
// whose collaborators are out of scope (PCI passthrough wiring, power
// management, profiling) report -ENOSYS by not being registered at all.
func (v *Vm) registerHypercalls() {
	t := v.HCalls

	t.Register(hypercall.LeafGetAPIVersion, func(*hypercall.Ctx) (int64, error) {
		return APIVersion, nil
	})

	t.Register(hypercall.LeafStartVM, func(*hypercall.Ctx) (int64, error) {
		return 0, v.Start()
	})

	t.Register(hypercall.LeafPauseVM, func(*hypercall.Ctx) (int64, error) {
		return 0, v.Pause()
	})

	t.Register(hypercall.LeafResetVM, func(*hypercall.Ctx) (int64, error) {
		return 0, v.Reset()
	})

	t.Register(hypercall.LeafSetIRQLine, v.hcSetIRQLine)
	t.Register(hypercall.LeafInjectMSI, v.hcInjectMSI)
	t.Register(hypercall.LeafNotifyIoreqFinish, v.hcNotifyIoreqFinish)
	t.Register(hypercall.LeafGPAToHPA, v.hcGPAToHPA)
	t.Register(hypercall.LeafSetVMMemoryRegions, v.hcSetMemoryRegions)
	t.Register(hypercall.LeafWriteProtectPage, v.hcWriteProtectPage)
	t.Register(hypercall.LeafInitializeTrusty, v.hcInitializeTrusty)
	t.Register(hypercall.LeafSaveRestoreSworldCtx, v.hcSaveRestoreSworld)

	t.Register(hypercall.LeafWorldSwitch, func(ctx *hypercall.Ctx) (int64, error) {
		return 0, v.HandleSMC(ctx.VCpu)
	})
}

// hcSetIRQLine: arg0 encodes op in the high half (0 assert, 1 deassert,
// 2 pulse) and the IOAPIC pin in the low half.
func (v *Vm) hcSetIRQLine(ctx *hypercall.Ctx) (int64, error) {
	op := ctx.Args[0] >> 32
	pin := int(ctx.Args[0] & 0xFFFFFFFF)

	var err error

	switch op {
	case 0:
		err = v.VIOAPIC.AssertIRQ(pin)
	case 1:
		err = v.VIOAPIC.DeassertIRQ(pin)
	case 2:
		if err = v.VIOAPIC.AssertIRQ(pin); err == nil {
			err = v.VIOAPIC.DeassertIRQ(pin)
		}
	default:
		return hypercall.Einval, nil
	}

	return 0, err
}

// hcInjectMSI: arg0 is the MSI address word, arg1 the data word. The
// destination id lives in address bits 12:19, the vector in data 0:7.
func (v *Vm) hcInjectMSI(ctx *hypercall.Ctx) (int64, error) {
	dest := uint32(ctx.Args[0] >> 12 & 0xFF)
	vector := uint8(ctx.Args[1])

	v.injectToLapics(dest, false, vector, false)

	return 0, nil
}

// hcNotifyIoreqFinish: arg0 is the vcpu id whose shared slot the Service
// VM completed; the waiting vCPU resumes at its next poll.
func (v *Vm) hcNotifyIoreqFinish(ctx *hypercall.Ctx) (int64, error) {
	id := int(ctx.Args[0])

	if err := v.IO.NotifyFinish(id); err != nil {
		return 0, err
	}

	v.SignalEvent(id, exitdispatch.EventIoreqComplete)

	return 0, nil
}

// hcGPAToHPA: arg0 is the gpa; the hpa comes back in the return value.
func (v *Vm) hcGPAToHPA(ctx *hypercall.Ctx) (int64, error) {
	hpa := v.EPT.GPAToHPA(ctx.Args[0])
	if hpa == ept.InvalidHPA {
		return 0, hverr.Newf(hverr.HvInternal, "vm: gpa %#x unmapped", ctx.Args[0])
	}

	return int64(hpa), nil
}

// hcSetMemoryRegions: arg0 gpa, arg1 hpa, arg2 size, arg3 op (0 add,
// 1 delete).
func (v *Vm) hcSetMemoryRegions(ctx *hypercall.Ctx) (int64, error) {
	gpa, hpa, size, op := ctx.Args[0], ctx.Args[1], ctx.Args[2], ctx.Args[3]

	var err error

	switch op {
	case 0:
		err = v.EPT.AddMR(hpa, gpa, size, ept.RWX|ept.MemTypeWB<<3)
	case 1:
		err = v.EPT.DelMR(gpa, size)
	default:
		return hypercall.Einval, nil
	}

	if err != nil {
		return 0, hverr.New(hverr.HvInternal, err)
	}

	v.requestEPTFlushAll()

	return 0, nil
}

// hcWriteProtectPage: arg0 gpa, arg1 set (1) or clear (0); clears or
// restores the W bit on the covering leaf.
func (v *Vm) hcWriteProtectPage(ctx *hypercall.Ctx) (int64, error) {
	gpa := ctx.Args[0] &^ 0xFFF

	var err error
	if ctx.Args[1] != 0 {
		err = v.EPT.MRModify(gpa, 4096, 0, ept.W)
	} else {
		err = v.EPT.MRModify(gpa, 4096, ept.W, 0)
	}

	if err != nil {
		return 0, hverr.New(hverr.HvInternal, err)
	}

	v.requestEPTFlushAll()

	return 0, nil
}

// hcInitializeTrusty: arg0 is the boot-param GPA; the payload is the
// fixed-size BootParam struct.
func (v *Vm) hcInitializeTrusty(ctx *hypercall.Ctx) (int64, error) {
	var raw [88]byte
	if err := v.ReadGPA(ctx.Args[0], raw[:]); err != nil {
		return 0, err
	}

	param := trusty.BootParam{
		Version:        le32(raw[0:]),
		EntryPointLow:  le32(raw[4:]),
		EntryPointHigh: le32(raw[8:]),
		BaseAddrLow:    le32(raw[12:]),
		BaseAddrHigh:   le32(raw[16:]),
		MemSize:        le32(raw[20:]),
	}
	copy(param.RpmbKey[:], raw[24:])

	keys := &trusty.KeyInfo{Version: 1}

	err := v.Trusty.Initialize(v.EPT, ctx.VCpu, param, keys, func(off uint64, data []byte) error {
		return v.WriteHPA(v.Trusty.BaseHPA+off, data)
	})
	if err != nil {
		return 0, err
	}

	return 0, nil
}

// hcSaveRestoreSworld: arg0 selects save (0) or restore (1).
func (v *Vm) hcSaveRestoreSworld(ctx *hypercall.Ctx) (int64, error) {
	if ctx.Args[0] == 0 {
		return 0, v.Trusty.SaveSworldContext(ctx.VCpu)
	}

	return 0, v.Trusty.RestoreSworldContext(ctx.VCpu)
}

// requestEPTFlushAll posts EPT_FLUSH to every vCPU and kicks its pCPU so
// the next entry invalidates, the cross-pCPU invalidation contract.
func (v *Vm) requestEPTFlushAll() {
	for _, vc := range v.VCpus {
		vc.Pending.Set(vcpu.ReqEPTFlush)
		v.notifyPCPU(vc)
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
