// Package worldswitch implements the SMC-driven Normal/Secure context
// switch: saving the departing world's extended context, loading the
// arriving world's, copying the SMC parameter registers, and flipping the
// EPT pointer through ept.Manager.
package worldswitch

import (
	"github.com/vmxcore/hypervisor/ept"
	"github.com/vmxcore/hypervisor/hverr"
	"github.com/vmxcore/hypervisor/lowlevel"
	"github.com/vmxcore/hypervisor/vcpu"
)

// SMCParam is the four-register SMC calling convention copied verbatim
// between worlds on every switch.
type SMCParam struct {
	RDI, RSI, RDX, RBX uint64
}

// Switcher ties one vCpu to its VM's EPT manager for world transitions.
type Switcher struct {
	EPT *ept.Manager
}

// SaveWorldCtx snapshots the currently-active world's ExtContext from the
// VMCS via exec, the half of switch_world that runs before the flip.
func (s *Switcher) SaveWorldCtx(v *vcpu.VCpu, exec lowlevel.Executor, fieldOf func(string) uint64) error {
	ctx := &v.Contexts[v.CurContext].Ext

	read := func(name string) (uint64, error) {
		val, status := exec.VMREAD(fieldOf(name))
		if status != lowlevel.StatusOK {
			return 0, hverr.Newf(hverr.HwUnsupported, "worldswitch: VMREAD(%s) failed, status %d", name, status)
		}

		return val, nil
	}

	var err error

	if ctx.CR3, err = read("CR3"); err != nil {
		return err
	}

	if ctx.DR7, err = read("DR7"); err != nil {
		return err
	}

	if ctx.IA32PAT, err = read("PAT"); err != nil {
		return err
	}

	if ctx.IDTRBase, err = read("IDTR_BASE"); err != nil {
		return err
	}

	if ctx.GDTRBase, err = read("GDTR_BASE"); err != nil {
		return err
	}

	if ctx.TSCOffset, err = read("TSC_OFFSET"); err != nil {
		return err
	}

	ctx.StarMSR = lowlevel.RDMSR(0xC0000081)
	ctx.LstarMSR = lowlevel.RDMSR(0xC0000082)
	ctx.FmaskMSR = lowlevel.RDMSR(0xC0000084)
	ctx.KernelGSBase = lowlevel.RDMSR(0xC0000102)
	ctx.TSCAux = lowlevel.RDMSR(0xC0000103)

	return nil
}

// LoadWorldCtx is SaveWorldCtx's inverse: it writes next's ExtContext back
// into the VMCS/MSRs and marks RIP/RSP/EFER/RFLAGS/CR0/CR4 dirty so the
// next entry flushes the run-context half too.
func (s *Switcher) LoadWorldCtx(v *vcpu.VCpu, next vcpu.World, exec lowlevel.Executor, fieldOf func(string) uint64) error {
	ctx := &v.Contexts[next].Ext

	write := func(name string, val uint64) error {
		if status := exec.VMWRITE(fieldOf(name), val); status != lowlevel.StatusOK {
			return hverr.Newf(hverr.HwUnsupported, "worldswitch: VMWRITE(%s) failed, status %d", name, status)
		}

		return nil
	}

	if err := write("CR3", ctx.CR3); err != nil {
		return err
	}

	if err := write("DR7", ctx.DR7); err != nil {
		return err
	}

	if err := write("PAT", ctx.IA32PAT); err != nil {
		return err
	}

	if err := write("IDTR_BASE", ctx.IDTRBase); err != nil {
		return err
	}

	if err := write("GDTR_BASE", ctx.GDTRBase); err != nil {
		return err
	}

	if err := write("TSC_OFFSET", ctx.TSCOffset); err != nil {
		return err
	}

	lowlevel.WRMSR(0xC0000081, ctx.StarMSR)
	lowlevel.WRMSR(0xC0000082, ctx.LstarMSR)
	lowlevel.WRMSR(0xC0000084, ctx.FmaskMSR)
	lowlevel.WRMSR(0xC0000102, ctx.KernelGSBase)
	lowlevel.WRMSR(0xC0000103, ctx.TSCAux)

	v.MarkDirty(vcpu.RegRIP)
	v.MarkDirty(vcpu.RegRFLAGS)
	v.MarkDirty(vcpu.RegCR0)
	v.MarkDirty(vcpu.RegCR4)

	return nil
}

// CopySMCParam implements the SMC calling convention: RDI/RSI/RDX/RBX
// travel from the previous world to the next.
func CopySMCParam(prevGPRs, nextGPRs *[16]uint64) SMCParam {
	const (
		rdi = 7
		rsi = 6
		rdx = 2
		rbx = 3
	)

	p := SMCParam{
		RDI: prevGPRs[rdi],
		RSI: prevGPRs[rsi],
		RDX: prevGPRs[rdx],
		RBX: prevGPRs[rbx],
	}

	nextGPRs[rdi] = p.RDI
	nextGPRs[rsi] = p.RSI
	nextGPRs[rdx] = p.RDX
	nextGPRs[rbx] = p.RBX

	return p
}

// SwitchWorld performs the full switch_world sequence: save, copy SMC
// params, load, flip EPTP, flip cur_context. An L1D flush is requested on
// every Normal->Secure transition since this core does not track whether
// L1D_FLUSH_VMENTRY_ENABLED already covers it.
func (s *Switcher) SwitchWorld(v *vcpu.VCpu, exec lowlevel.Executor, fieldOf func(string) uint64, setEPTP func(uint64) error) (requiresL1DFlush bool, err error) {
	prev := v.CurContext
	next := vcpu.NormalWorld
	if prev == vcpu.NormalWorld {
		next = vcpu.SecureWorld
	}

	if err := s.SaveWorldCtx(v, exec, fieldOf); err != nil {
		return false, err
	}

	CopySMCParam(&v.Contexts[prev].Run.GPRs, &v.Contexts[next].Run.GPRs)

	if err := s.LoadWorldCtx(v, next, exec, fieldOf); err != nil {
		return false, err
	}

	var eptp uint64
	if next == vcpu.SecureWorld {
		var ok bool

		eptp, ok = s.EPT.SWorldEPTP()
		if !ok {
			return false, hverr.New(hverr.HvInternal, ept.ErrNoSecureWorld)
		}

		requiresL1DFlush = true
	} else {
		eptp = s.EPT.NWorldEPTP()
	}

	if err := setEPTP(eptp); err != nil {
		return false, err
	}

	v.CurContext = next

	return requiresL1DFlush, nil
}
