// Package cpucap probes the architectural feature bits this hypervisor
// core requires before it may run at all, and fails the boot fast and
// loud (hverr.HwUnsupported) when any of them is absent, per the per-pCPU
// bring-up and capability gate.
package cpucap

import (
	"fmt"
	"sync"

	"github.com/vmxcore/hypervisor/cpuid"
	"github.com/vmxcore/hypervisor/lowlevel"
)

// MSR indices this package reads to settle feature gates that plain CPUID
// leaves don't resolve on their own.
const (
	msrFeatureControl  = 0x3A
	msrVMXBasic        = 0x480
	msrVMXEPTVPIDCap   = 0x48C
	msrVMXProcBased2   = 0x48B
	msrVMXTruePinbased = 0x48D

	featureControlLocked   = 1 << 0
	featureControlVMXOutSMX = 1 << 2

	eptVPIDCapInvept1Ctx  = 1 << 25
	eptVPIDCapInveptAll   = 1 << 26
	eptVPIDCapLargePage2M = 1 << 16
)

// CapabilitySet is the result of Probe: a fixed set of booleans for every
// feature the core's required-feature table names, plus the raw address
// width CPUID.0F reports.
type CapabilitySet struct {
	LongMode          bool
	InvariantTSC      bool
	TSCDeadline       bool
	NX                bool
	SMEP              bool
	SMAP              bool
	MTRR              bool
	CLFLUSHOPT        bool
	VMX               bool
	ERMS              bool
	UnrestrictedGuest bool
	EPT               bool
	EPTInveptContext  bool
	EPTInveptGlobal   bool
	EPT2MPages        bool
	APICvBasic        bool
	X2APIC            bool
	POPCNT            bool
	XSAVES            bool
	XSAVESCompaction  bool
	SSE               bool
	RDRAND            bool
	PhysAddrWidth     uint8
	VMXLockedDisabled bool
}

// names pairs each gate with the label Missing() reports, in the order
// the required-feature table in the bring-up spec lists them.
func (c CapabilitySet) names() []struct {
	label string
	ok    bool
} {
	return []struct {
		label string
		ok    bool
	}{
		{"LongMode", c.LongMode},
		{"InvariantTSC", c.InvariantTSC},
		{"TSCDeadline", c.TSCDeadline},
		{"NX", c.NX},
		{"SMEP", c.SMEP},
		{"SMAP", c.SMAP},
		{"MTRR", c.MTRR},
		{"CLFLUSHOPT", c.CLFLUSHOPT},
		{"VMX", c.VMX},
		{"ERMS", c.ERMS},
		{"UnrestrictedGuest", c.UnrestrictedGuest},
		{"EPT", c.EPT},
		{"EPT.InveptContext", c.EPTInveptContext},
		{"EPT.InveptGlobal", c.EPTInveptGlobal},
		{"EPT.2MPages", c.EPT2MPages},
		{"APICv.Basic", c.APICvBasic},
		{"X2APIC", c.X2APIC},
		{"POPCNT", c.POPCNT},
		{"XSAVES", c.XSAVES},
		{"XSAVES.Compaction", c.XSAVESCompaction},
		{"SSE", c.SSE},
		{"RDRAND", c.RDRAND},
	}
}

// Missing lists every required feature this CapabilitySet lacks, including
// a locked-disabled VMX MSR and a sub-64-bit physical address width.
func (c CapabilitySet) Missing() []string {
	var missing []string

	for _, n := range c.names() {
		if !n.ok {
			missing = append(missing, n.label)
		}
	}

	if c.VMXLockedDisabled {
		missing = append(missing, "VMX.LockedDisabledBySMX")
	}

	if c.PhysAddrWidth < 64 {
		missing = append(missing, fmt.Sprintf("PhysAddrWidth(have %d, need 64)", c.PhysAddrWidth))
	}

	return missing
}

// Ready reports whether every required feature is present.
func (c CapabilitySet) Ready() bool {
	return len(c.Missing()) == 0
}

var (
	once   sync.Once
	cached CapabilitySet
)

// Probe reads architectural CPUID leaves and VMX capability MSRs and
// returns the resulting CapabilitySet. The result is process-wide and
// read-only after the first call, mirroring the one-time BSP capability
// parse in init_pcpu_pre.
func Probe() CapabilitySet {
	once.Do(func() {
		cached = probe()
	})

	return cached
}

func probe() CapabilitySet {
	var c CapabilitySet

	eax1, ebx1, ecx1, edx1 := lowlevel.CPUID(1, 0)
	c.SSE = cpuid.FeatSSE.In(eax1, ebx1, ecx1, edx1)
	c.MTRR = cpuid.FeatMTRR.In(eax1, ebx1, ecx1, edx1)
	c.VMX = cpuid.FeatVMX.In(eax1, ebx1, ecx1, edx1)
	c.POPCNT = cpuid.FeatPOPCNT.In(eax1, ebx1, ecx1, edx1)
	c.RDRAND = cpuid.FeatRDRAND.In(eax1, ebx1, ecx1, edx1)
	c.TSCDeadline = cpuid.FeatTSCDeadline.In(eax1, ebx1, ecx1, edx1)
	c.X2APIC = cpuid.FeatX2APIC.In(eax1, ebx1, ecx1, edx1)

	hasXSAVE := cpuid.FeatXSAVE.In(eax1, ebx1, ecx1, edx1)

	eax7, ebx7, ecx7, edx7 := lowlevel.CPUID(7, 0)
	c.SMEP = cpuid.FeatSMEP.In(eax7, ebx7, ecx7, edx7)
	c.SMAP = cpuid.FeatSMAP.In(eax7, ebx7, ecx7, edx7)
	c.ERMS = cpuid.FeatERMS.In(eax7, ebx7, ecx7, edx7)
	c.CLFLUSHOPT = cpuid.FeatCLFLUSHOPT.In(eax7, ebx7, ecx7, edx7)

	eax81, ebx81, ecx81, edx81 := lowlevel.CPUID(0x80000001, 0)
	c.NX = cpuid.FeatNX.In(eax81, ebx81, ecx81, edx81)
	c.LongMode = cpuid.FeatLongMode.In(eax81, ebx81, ecx81, edx81)

	eax87, ebx87, ecx87, edx87 := lowlevel.CPUID(0x80000007, 0)
	c.InvariantTSC = cpuid.FeatInvariantTSC.In(eax87, ebx87, ecx87, edx87)

	eax0F, _, _, _ := lowlevel.CPUID(0x80000008, 0)
	c.PhysAddrWidth = uint8(eax0F & 0xFF)

	featureControl := lowlevel.RDMSR(msrFeatureControl)
	c.VMXLockedDisabled = featureControl&featureControlLocked != 0 &&
		featureControl&featureControlVMXOutSMX == 0

	eptVPIDCap := lowlevel.RDMSR(msrVMXEPTVPIDCap)
	c.EPT = eptVPIDCap != 0
	c.EPTInveptContext = eptVPIDCap&eptVPIDCapInvept1Ctx != 0
	c.EPTInveptGlobal = eptVPIDCap&eptVPIDCapInveptAll != 0
	c.EPT2MPages = eptVPIDCap&eptVPIDCapLargePage2M != 0

	procBased2 := lowlevel.RDMSR(msrVMXProcBased2)
	const secondaryUnrestrictedGuest = 1 << (7 + 32)
	const secondaryVirtAPIC = 1 << (0 + 32)
	const secondaryAPICReg = 1 << (8 + 32)

	c.UnrestrictedGuest = procBased2&secondaryUnrestrictedGuest != 0
	c.APICvBasic = procBased2&secondaryVirtAPIC != 0 && procBased2&secondaryAPICReg != 0

	xcr0 := uint64(0)
	if hasXSAVE {
		xcr0 = lowlevel.XGETBV(0)
	}

	c.XSAVES = hasXSAVE
	c.XSAVESCompaction = hasXSAVE && xcr0 != 0

	return c
}
