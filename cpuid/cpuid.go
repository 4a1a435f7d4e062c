package cpuid

import (
	"errors"
	"math/bits"
)

func cpuid_low(arg1, arg2 uint32) (eax, ebx, ecx, edx uint32) // implemented in cpuid.s

// CPUID issues the CPUID instruction for leaf with subleaf 0 and returns the
// raw eax/ebx/ecx/edx results.
func CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuid_low(leaf, 0)
}

// Entry is one (function, index) leaf of a CPUID result set, in the same
// shape the hypervisor hands a vCPU at creation time before any patch is
// applied.
type Entry struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
}

// Set is an ordered collection of leaves, the unit Patch operates on.
type Set struct {
	Entries []*Entry
}

type CPUIDPatch struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAXBit   uint8
	EBXBit   uint8
	ECXBit   uint8
	EDXBit   uint8
}

var errInvalidPatchset = errors.New("invalid patch. Only 1 bit allowed")

// Patch applies feature-bit overrides to every leaf in ids matching a
// patch's (Function, Index), forcing the named single bit in each
// register. It is used to mask guest-visible features the vCPU policy
// does not want exposed, or to assert ones the emulation layer always
// provides regardless of host support.
func Patch(ids *Set, patches []*CPUIDPatch) error {
	for _, id := range ids.Entries {
		for _, patch := range patches {
			if bits.OnesCount8(patch.EAXBit)+
				bits.OnesCount8(patch.EBXBit)+
				bits.OnesCount8(patch.ECXBit)+
				bits.OnesCount8(patch.EDXBit)+
				bits.OnesCount32(patch.Flags) != 1 {
				return errInvalidPatchset
			}

			if id.Function == patch.Function && id.Index == patch.Index {
				id.Flags |= 1 << patch.Flags
				id.Eax |= 1 << patch.EAXBit
				id.Ebx |= 1 << patch.EBXBit
				id.Ecx |= 1 << patch.ECXBit
				id.Edx |= 1 << patch.EDXBit
			}
		}
	}

	return nil
}
