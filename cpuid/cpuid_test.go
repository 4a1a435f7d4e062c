package cpuid_test

import (
	"testing"

	"github.com/vmxcore/hypervisor/cpuid"
)

func TestVendorLeaf(t *testing.T) {
	t.Parallel()

	_, ebx, ecx, edx := cpuid.CPUID(0)

	vendor := make([]byte, 0, 12)
	for _, reg := range []uint32{ebx, edx, ecx} {
		vendor = append(vendor, byte(reg), byte(reg>>8), byte(reg>>16), byte(reg>>24))
	}

	if got := string(vendor); got != "GenuineIntel" && got != "AuthenticAMD" {
		t.Fatalf("unknown CPU vendor %q", got)
	}
}

func TestFeatureIn(t *testing.T) {
	t.Parallel()

	// SSE lives in leaf 1 EDX bit 25.
	if !cpuid.FeatSSE.In(0, 0, 0, 1<<25) {
		t.Fatal("FeatSSE must match EDX bit 25")
	}

	if cpuid.FeatSSE.In(0, 0, 1<<25, 0) {
		t.Fatal("FeatSSE must not match the wrong register")
	}

	if cpuid.FeatVMX.Mask() != 1<<5 {
		t.Fatalf("FeatVMX.Mask = %#x", cpuid.FeatVMX.Mask())
	}
}

func TestPatchForcesSingleBit(t *testing.T) {
	t.Parallel()

	set := &cpuid.Set{Entries: []*cpuid.Entry{
		{Function: 1, Index: 0},
		{Function: 7, Index: 0},
	}}

	patches := []*cpuid.CPUIDPatch{
		{Function: 1, Index: 0, ECXBit: 16},
	}

	if err := cpuid.Patch(set, patches); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	if set.Entries[0].Ecx&(1<<16) == 0 {
		t.Fatal("patch must set ECX bit 16 on the matching leaf")
	}

	if set.Entries[1].Ecx&(1<<16) != 0 {
		t.Fatal("patch must leave other leaves alone")
	}
}

func TestPatchRejectsMultipleBits(t *testing.T) {
	t.Parallel()

	set := &cpuid.Set{Entries: []*cpuid.Entry{{Function: 1}}}
	patches := []*cpuid.CPUIDPatch{
		{Function: 1, EAXBit: 1, ECXBit: 2},
	}

	if err := cpuid.Patch(set, patches); err == nil {
		t.Fatal("multi-bit patch must be rejected")
	}
}
