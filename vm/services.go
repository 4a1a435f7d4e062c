package vm

import (
	"github.com/vmxcore/hypervisor/cpucap"
	"github.com/vmxcore/hypervisor/cpuid"
	"github.com/vmxcore/hypervisor/exitdispatch"
	"github.com/vmxcore/hypervisor/guestmem"
	"github.com/vmxcore/hypervisor/hverr"
	"github.com/vmxcore/hypervisor/lowlevel"
	"github.com/vmxcore/hypervisor/vcat"
	"github.com/vmxcore/hypervisor/vcpu"
	"github.com/vmxcore/hypervisor/vcr"
)

// MSR indices the WRMSR/RDMSR exit handlers emulate rather than pass
// through.
const (
	msrIA32PAT          = 0x277
	msrIA32EFER         = 0xC0000080
	msrIA32TSCAux       = 0xC0000103
	msrIA32XSS          = 0xDA0
	msrIA32TSCDeadline  = 0x6E0
	msrIA32TSCAdjust    = 0x3B

	// x2APIC register-file MSR window.
	msrX2APICBase  = 0x800
	msrX2APICLimit = 0x8FF

	msrX2APICID  = 0x802
	msrX2APICTPR = 0x808
	msrX2APICEOI = 0x80B
	msrX2APICICR = 0x830
)

// services wires this VM into the exit dispatcher.
func (v *Vm) services() exitdispatch.Services {
	return exitdispatch.Services{
		FieldOf:       FieldOf,
		InitVMCS:      v.initVMCS,
		ShutdownVM:    v.ShutdownVM,
		CPUID:         v.guestCPUID,
		Hypercall:     v.HCalls.Dispatch,
		IsSMCLeaf:     IsSMCLeaf,
		SMC:           v.HandleSMC,
		RDMSR:         v.rdmsrEmulate,
		WRMSR:         v.wrmsrEmulate,
		IO:            v.IO,
		FetchInsn:     v.fetchInsn,
		WBINVD:        v.WBINVD,
		WaitEvent:     v.waitEvent,
		HostIRQ:       func(uint8) {},
		PendingExtINT: v.pendingExtINT,
		XCR0Allowed:   0x7,
		CRPolicy:      v.CRPolicy,
		GuestStateOf:  guestStateOf,
		ApplyCR0:      v.applyCR0,
		ApplyCR4:      v.applyCR4,
	}
}

// initVMCS programs the per-vCPU control and state fields for a first
// entry: EPT pointer with 4-level walk and WB memory type, VPID, and the
// host-owned CR masks derived from the passthru classification.
func (v *Vm) initVMCS(vc *vcpu.VCpu) error {
	write := func(name string, val uint64) error {
		if status := vc.Exec.VMWRITE(FieldOf(name), val); status != lowlevel.StatusOK {
			return hverr.Newf(hverr.HwUnsupported, "vm: VMWRITE(%s) failed, status %d", name, status)
		}

		return nil
	}

	if status := vc.Exec.VMCLEAR(vc.VMCS); status != lowlevel.StatusOK {
		return hverr.Newf(hverr.HwUnsupported, "vm: VMCLEAR failed, status %d", status)
	}

	if status := vc.Exec.VMPTRLD(vc.VMCS); status != lowlevel.StatusOK {
		return hverr.Newf(hverr.HwUnsupported, "vm: VMPTRLD failed, status %d", status)
	}

	if err := write("EPT_POINTER", v.EPT.NWorldEPTP()); err != nil {
		return err
	}

	if err := write("VPID", uint64(vc.VPID)); err != nil {
		return err
	}

	if err := write("CR0_GUEST_HOST_MASK", uint64(v.CRPolicy.HostOwnedCR0Mask())); err != nil {
		return err
	}

	return write("CR4_GUEST_HOST_MASK", uint64(v.CRPolicy.HostOwnedCR4Mask()))
}

// guestCPUID filters the host leaves for the guest: OSXSAVE is reflected
// from the hypervisor's own CR4, the hypervisor-present bit is raised,
// and VMX is hidden since nested virtualization stays disabled.
func (v *Vm) guestCPUID(vc *vcpu.VCpu, leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	eax, ebx, ecx, edx := cpuid.CPUID(leaf)

	switch leaf {
	case 0x01:
		const (
			ecxVMX        = 1 << 5
			ecxHypervisor = 1 << 31
			ecxX2APIC     = 1 << 21
		)

		ecx &^= ecxVMX
		ecx |= ecxHypervisor | ecxX2APIC

		// APIC id in EBX[31:24] is the vCPU's, not the pCPU's.
		ebx = ebx&0x00FFFFFF | vc.VLAPIC.APICID<<24
	case 0x0A:
		// No PMU for guests.
		eax, ebx, ecx, edx = 0, 0, 0, 0
	}

	return eax, ebx, ecx, edx
}

// passthruMSRs are read straight from hardware; everything else bounces
// through the shadow map.
func isPassthruMSR(msr uint32) bool {
	switch msr {
	case msrIA32TSCAux, msrIA32TSCDeadline, msrIA32TSCAdjust:
		return true
	}

	return false
}

func (v *Vm) rdmsrEmulate(vc *vcpu.VCpu, msr uint32) (uint64, error) {
	if v.VCat != nil {
		if vclos, ok := v.VCat.IsMaskMSR(msr); ok {
			return v.VCat.ReadMask(vc.ID, vclos)
		}
	}

	if msr >= msrX2APICBase && msr <= msrX2APICLimit {
		return v.rdX2APIC(vc, msr)
	}

	if isPassthruMSR(msr) {
		return lowlevel.RDMSR(msr), nil
	}

	switch msr {
	case msrIA32PAT, msrIA32EFER, msrIA32XSS:
		return v.msrShadow[vc.ID][msr], nil
	}

	return 0, hverr.Newf(hverr.GuestFault, "vm: rdmsr %#x not emulated", msr)
}

func (v *Vm) wrmsrEmulate(vc *vcpu.VCpu, msr uint32, val uint64) error {
	if v.VCat != nil {
		if vclos, ok := v.VCat.IsMaskMSR(msr); ok {
			return v.VCat.WriteMask(vc.ID, vclos, val)
		}

		if msr == vcat.MSRIA32PQRAssoc {
			return v.VCat.WritePQRAssoc(vc.ID, val)
		}
	}

	if msr >= msrX2APICBase && msr <= msrX2APICLimit {
		return v.wrX2APIC(vc, msr, val)
	}

	if isPassthruMSR(msr) {
		lowlevel.WRMSR(msr, val)

		return nil
	}

	switch msr {
	case msrIA32PAT:
		if !validPAT(val) {
			return hverr.Newf(hverr.GuestFault, "vm: bad PAT %#x", val)
		}

		v.msrShadow[vc.ID][msr] = val

		return nil
	case msrIA32EFER, msrIA32XSS:
		v.msrShadow[vc.ID][msr] = val

		return nil
	}

	return hverr.Newf(hverr.GuestFault, "vm: wrmsr %#x not emulated", msr)
}

// validPAT checks each PAT entry is an architectural memory type.
func validPAT(val uint64) bool {
	for i := 0; i < 8; i++ {
		switch byte(val >> (i * 8) & 0x7) {
		case 0, 1, 4, 5, 6, 7:
		default:
			return false
		}
	}

	return true
}

func (v *Vm) rdX2APIC(vc *vcpu.VCpu, msr uint32) (uint64, error) {
	switch msr {
	case msrX2APICID:
		return uint64(vc.VLAPIC.APICID), nil
	case msrX2APICTPR:
		return uint64(vc.VLAPIC.TPR), nil
	case msrX2APICEOI, msrX2APICICR:
		// Write-only registers read as #GP.
		return 0, hverr.Newf(hverr.GuestFault, "vm: read of write-only x2APIC MSR %#x", msr)
	}

	return 0, nil
}

func (v *Vm) wrX2APIC(vc *vcpu.VCpu, msr uint32, val uint64) error {
	switch msr {
	case msrX2APICTPR:
		vc.VLAPIC.TPR = uint8(val)

		return nil
	case msrX2APICEOI:
		if vector, wasLevel, ok := vc.VLAPIC.EOI(); ok && wasLevel {
			v.VIOAPIC.EOI(vector)
		}

		return nil
	case msrX2APICICR:
		// x2APIC ICR: destination in bits 32:63, vector in 0:7.
		v.injectToLapics(uint32(val>>32), false, uint8(val), false)

		return nil
	case msrX2APICID:
		return hverr.Newf(hverr.GuestFault, "vm: write to read-only x2APIC id")
	}

	return nil
}

// fetchInsn reads up to 16 bytes at the guest RIP for the MMIO decoder.
// The fetch goes through the guest page walk when paging is on; a
// pre-paging guest fetches by identity.
func (v *Vm) fetchInsn(vc *vcpu.VCpu) ([]byte, error) {
	rip := vc.Contexts[vc.CurContext].Run.RIP
	buf := make([]byte, 16)

	run := vc.Contexts[vc.CurContext].Run
	if run.CR0&(1<<vcr.CR0PG) == 0 {
		if err := v.ReadGPA(rip, buf); err != nil {
			return nil, err
		}

		return buf, nil
	}

	w := &guestmem.Walker{
		Mem:  v,
		Mode: guestmem.Mode4LevelIA32e,
		CR3:  vc.Contexts[vc.CurContext].Ext.CR3,
	}

	if err := guestmem.CopyFromGVA(w, v, rip, buf, guestmem.Access{Fetch: true}); err != nil {
		return nil, err
	}

	return buf, nil
}

func (v *Vm) pendingExtINT(vc *vcpu.VCpu) (uint8, bool) {
	return v.VPIC.AckExtINT()
}

func guestStateOf(vc *vcpu.VCpu) vcr.GuestState {
	run := vc.Contexts[vc.CurContext].Run
	ext := vc.Contexts[vc.CurContext].Ext

	const eferLME = 1 << 8

	return vcr.GuestState{
		CR0:      run.CR0,
		CR4:      run.CR4,
		EFERLME:  run.IA32EFER&eferLME != 0,
		CR3Low12: uint32(ext.CR3 & 0xFFF),
	}
}

func (v *Vm) applyCR0(vc *vcpu.VCpu, out vcr.Outcome) error {
	run := &vc.Contexts[vc.CurContext].Run
	run.CR0 = out.EffectiveCR0
	vc.MarkDirty(vcpu.RegCR0)

	if status := vc.Exec.VMWRITE(FieldOf("CR0_READ_SHADOW"), uint64(out.EffectiveCR0)); status != lowlevel.StatusOK {
		return hverr.Newf(hverr.HwUnsupported, "vm: VMWRITE(CR0_READ_SHADOW) failed, status %d", status)
	}

	const eferLMA = 1 << 10

	if out.SetIA32E {
		run.IA32EFER |= eferLMA
	}

	if out.ClearIA32E {
		run.IA32EFER &^= eferLMA
	}

	if out.FlipPAT {
		shadow := v.msrShadow[vc.ID]

		if out.EffectiveCR0&(1<<vcr.CR0CD) != 0 {
			// CD=1 forces all-UC until caching is re-enabled; the
			// guest's PAT view is parked under a private key.
			shadow[msrGuestPATSaved] = shadow[msrIA32PAT]
			shadow[msrIA32PAT] = patAllUC
		} else {
			shadow[msrIA32PAT] = shadow[msrGuestPATSaved]
		}
	}

	return nil
}

// msrGuestPATSaved is a shadow-map-private key parking the guest's PAT
// while CR0.CD forces the all-UC pattern; it is outside any architectural
// MSR range so a guest access can never collide with it.
const msrGuestPATSaved = 0xFFFF0277

// patAllUC encodes UC in all eight PAT entries.
const patAllUC = uint64(0)

func (v *Vm) applyCR4(vc *vcpu.VCpu, out vcr.Outcome) error {
	run := &vc.Contexts[vc.CurContext].Run
	run.CR4 = out.EffectiveCR4
	vc.MarkDirty(vcpu.RegCR4)

	if status := vc.Exec.VMWRITE(FieldOf("CR4_READ_SHADOW"), uint64(out.EffectiveCR4)); status != lowlevel.StatusOK {
		return hverr.Newf(hverr.HwUnsupported, "vm: VMWRITE(CR4_READ_SHADOW) failed, status %d", status)
	}

	return nil
}

// Capabilities exposes the boot-time probe result for the diagnostics
// CLI; the gate itself already ran in pCPU bring-up.
func Capabilities() cpucap.CapabilitySet {
	return cpucap.Probe()
}
