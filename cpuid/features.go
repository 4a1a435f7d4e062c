package cpuid

// Feature identifies one CPUID feature bit by where it lives: the leaf
// and subleaf that report it, the output register, and the bit position.
// Only features the hypervisor actually consults are enumerated here;
// this is a routing table for probes and guest-leaf filtering, not a
// transcription of the SDM.
type Feature struct {
	Leaf    uint32
	Subleaf uint32
	Reg     Register
	Bit     uint8
}

// Register names one of the four CPUID output registers.
type Register int

const (
	EAX Register = iota
	EBX
	ECX
	EDX
)

// Leaf 1 EDX.
var (
	FeatMTRR = Feature{Leaf: 1, Reg: EDX, Bit: 12}
	FeatPAT  = Feature{Leaf: 1, Reg: EDX, Bit: 16}
	FeatSSE  = Feature{Leaf: 1, Reg: EDX, Bit: 25}
)

// Leaf 1 ECX.
var (
	FeatVMX         = Feature{Leaf: 1, Reg: ECX, Bit: 5}
	FeatX2APIC      = Feature{Leaf: 1, Reg: ECX, Bit: 21}
	FeatPOPCNT      = Feature{Leaf: 1, Reg: ECX, Bit: 23}
	FeatTSCDeadline = Feature{Leaf: 1, Reg: ECX, Bit: 24}
	FeatXSAVE       = Feature{Leaf: 1, Reg: ECX, Bit: 26}
	FeatRDRAND      = Feature{Leaf: 1, Reg: ECX, Bit: 30}
	FeatHypervisor  = Feature{Leaf: 1, Reg: ECX, Bit: 31}
)

// Leaf 7 subleaf 0 EBX.
var (
	FeatSMEP       = Feature{Leaf: 7, Reg: EBX, Bit: 7}
	FeatERMS       = Feature{Leaf: 7, Reg: EBX, Bit: 9}
	FeatRDSEED     = Feature{Leaf: 7, Reg: EBX, Bit: 18}
	FeatSMAP       = Feature{Leaf: 7, Reg: EBX, Bit: 20}
	FeatCLFLUSHOPT = Feature{Leaf: 7, Reg: EBX, Bit: 23}
)

// Leaf 7 subleaf 0 EDX: the speculation-control surface the mitigation
// policy keys off.
var (
	FeatSpecCtrl = Feature{Leaf: 7, Reg: EDX, Bit: 26}
	FeatSTIBP    = Feature{Leaf: 7, Reg: EDX, Bit: 27}
	FeatFlushL1D = Feature{Leaf: 7, Reg: EDX, Bit: 28}
)

// Extended leaf 0x80000001 EDX.
var (
	FeatNX       = Feature{Leaf: 0x80000001, Reg: EDX, Bit: 20}
	FeatLongMode = Feature{Leaf: 0x80000001, Reg: EDX, Bit: 29}
)

// Extended leaf 0x80000007 EDX.
var FeatInvariantTSC = Feature{Leaf: 0x80000007, Reg: EDX, Bit: 8}

// In reports whether f is set in the four register values returned by
// its leaf.
func (f Feature) In(eax, ebx, ecx, edx uint32) bool {
	var reg uint32

	switch f.Reg {
	case EAX:
		reg = eax
	case EBX:
		reg = ebx
	case ECX:
		reg = ecx
	case EDX:
		reg = edx
	}

	return reg&(1<<f.Bit) != 0
}

// Probe executes CPUID for f's leaf and reports the bit.
func (f Feature) Probe() bool {
	return f.In(cpuid_low(f.Leaf, f.Subleaf))
}

// Mask returns the bit as a register mask, for filtering a guest's view
// of the leaf.
func (f Feature) Mask() uint32 {
	return 1 << f.Bit
}
