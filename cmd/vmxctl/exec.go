package main

import (
	"github.com/vmxcore/hypervisor/lowlevel"
	"github.com/vmxcore/hypervisor/vcpu"
)

// nopExec satisfies the executor seam without touching VMX hardware, so
// the stress run works on machines where vmxctl has no ring-0 context.
type nopExec struct{}

func (nopExec) VMPTRLD(uint64) uint8             { return lowlevel.StatusOK }
func (nopExec) VMCLEAR(uint64) uint8             { return lowlevel.StatusOK }
func (nopExec) VMLAUNCH() uint8                  { return lowlevel.StatusOK }
func (nopExec) VMRESUME() uint8                  { return lowlevel.StatusOK }
func (nopExec) VMREAD(uint64) (uint64, uint8)    { return 0, lowlevel.StatusOK }
func (nopExec) VMWRITE(uint64, uint64) uint8     { return lowlevel.StatusOK }
func (nopExec) INVEPT(uint64, *[2]uint64) uint8  { return lowlevel.StatusOK }
func (nopExec) INVVPID(uint64, *[2]uint64) uint8 { return lowlevel.StatusOK }

// pend arms the requests one stress iteration consumes.
func pend(vc *vcpu.VCpu) {
	vc.Pending.Set(vcpu.ReqEvent)
	vc.Pending.Set(vcpu.ReqEPTFlush)
}
