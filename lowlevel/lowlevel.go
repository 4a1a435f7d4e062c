// Package lowlevel exposes the handful of privileged x86 instructions the
// rest of this repository cannot reach through syscall: CPUID, MSR access,
// the VMX instruction family, INVEPT/INVVPID, and the SMAP/XSAVE control
// instructions. Each is a small Plan9-assembly stub, the same pattern
// cpuid.cpuid_low uses ("implemented in .s"), returning a collapsed
// hardware status byte instead of raw CF/ZF flags so callers don't have to
// re-derive VMX flag semantics at every call site.
package lowlevel

// Status codes collapse the VMX instruction CF/ZF pair into one byte.
const (
	StatusOK           uint8 = 0
	StatusVMFailValid  uint8 = 1
	StatusVMFailInvalid uint8 = 2
)

func cpuid_low(leafA, leafB uint32) (eax, ebx, ecx, edx uint32) // implemented in lowlevel_amd64.s

// CPUID issues the CPUID instruction with the given leaf/subleaf.
func CPUID(leafA, leafB uint32) (eax, ebx, ecx, edx uint32) {
	return cpuid_low(leafA, leafB)
}

func rdmsr_low(msr uint32) uint64     // implemented in lowlevel_amd64.s
func wrmsr_low(msr uint32, val uint64) // implemented in lowlevel_amd64.s

// RDMSR reads a model-specific register.
func RDMSR(msr uint32) uint64 { return rdmsr_low(msr) }

// WRMSR writes a model-specific register.
func WRMSR(msr uint32, val uint64) { wrmsr_low(msr, val) }

func vmxon_low(region uint64) uint8     // implemented in lowlevel_amd64.s
func vmxoff_low()                       // implemented in lowlevel_amd64.s
func vmclear_low(region uint64) uint8   // implemented in lowlevel_amd64.s
func vmptrld_low(region uint64) uint8   // implemented in lowlevel_amd64.s
func vmlaunch_low() uint8               // implemented in lowlevel_amd64.s
func vmresume_low() uint8               // implemented in lowlevel_amd64.s
func vmread_low(field uint64) (uint64, uint8)  // implemented in lowlevel_amd64.s
func vmwrite_low(field, val uint64) uint8      // implemented in lowlevel_amd64.s

// VMXON enters VMX root operation using region as the VMXON pointer.
func VMXON(region uint64) uint8 { return vmxon_low(region) }

// VMXOFF leaves VMX root operation.
func VMXOFF() { vmxoff_low() }

// VMCLEAR makes a VMCS not-current and not-launched.
func VMCLEAR(region uint64) uint8 { return vmclear_low(region) }

// VMPTRLD makes a VMCS current on this pCPU.
func VMPTRLD(region uint64) uint8 { return vmptrld_low(region) }

// VMLAUNCH launches the current VMCS for the first time.
func VMLAUNCH() uint8 { return vmlaunch_low() }

// VMRESUME resumes a previously launched VMCS.
func VMRESUME() uint8 { return vmresume_low() }

// VMREAD reads one field of the current VMCS.
func VMREAD(field uint64) (uint64, uint8) { return vmread_low(field) }

// VMWRITE writes one field of the current VMCS.
func VMWRITE(field, val uint64) uint8 { return vmwrite_low(field, val) }

func invept_low(typ uint64, descriptor *[2]uint64) uint8   // implemented in lowlevel_amd64.s
func invvpid_low(typ uint64, descriptor *[2]uint64) uint8  // implemented in lowlevel_amd64.s

// INVEPT invalidates EPT-derived TLB/paging-structure caches.
func INVEPT(typ uint64, descriptor *[2]uint64) uint8 { return invept_low(typ, descriptor) }

// INVVPID invalidates VPID-tagged TLB entries.
func INVVPID(typ uint64, descriptor *[2]uint64) uint8 { return invvpid_low(typ, descriptor) }

func stac_low()                          // implemented in lowlevel_amd64.s
func clac_low()                          // implemented in lowlevel_amd64.s
func xsetbv_low(index uint32, val uint64) // implemented in lowlevel_amd64.s
func xgetbv_low(index uint32) uint64      // implemented in lowlevel_amd64.s
func clflushopt_low(addr uintptr)         // implemented in lowlevel_amd64.s
func pause_low()                          // implemented in lowlevel_amd64.s
func hlt_low()                            // implemented in lowlevel_amd64.s
func monitor_low(addr uintptr, ecx, edx uint32) // implemented in lowlevel_amd64.s
func mwait_low(eax, ecx uint32)                 // implemented in lowlevel_amd64.s

// STAC sets RFLAGS.AC, permitting supervisor access to user-mode pages
// under SMAP for the duration of a bracketed guest-memory copy.
func STAC() { stac_low() }

// CLAC clears RFLAGS.AC, re-arming SMAP.
func CLAC() { clac_low() }

// XSETBV writes an extended control register (XCR0 at index 0).
func XSETBV(index uint32, val uint64) { xsetbv_low(index, val) }

// XGETBV reads an extended control register.
func XGETBV(index uint32) uint64 { return xgetbv_low(index) }

// CLFLUSHOPT flushes one cache line, used to keep EPT paging structures
// coherent with IOMMU page-table walks that bypass the cache.
func CLFLUSHOPT(addr uintptr) { clflushopt_low(addr) }

// PAUSE is a spin-wait hint.
func PAUSE() { pause_low() }

// HLT halts the pCPU until the next interrupt.
func HLT() { hlt_low() }

// MONITOR arms an address range for a subsequent MWAIT.
func MONITOR(addr uintptr, ecx, edx uint32) { monitor_low(addr, ecx, edx) }

// MWAIT waits on the armed MONITOR range.
func MWAIT(eax, ecx uint32) { mwait_low(eax, ecx) }
