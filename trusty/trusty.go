// Package trusty implements the optional Secure world: carving the
// secure-memory range out of the Normal-world EPT, building the
// Secure-world EPT with read-only visibility into Normal memory, seeding
// the startup and key-info structures at the base of the secure region,
// and snapshotting/restoring the whole Secure guest context.
package trusty

import (
	"bytes"
	"encoding/binary"

	"github.com/vmxcore/hypervisor/ept"
	"github.com/vmxcore/hypervisor/hverr"
	"github.com/vmxcore/hypervisor/vcpu"
)

// RebaseGPA is where the secure region reappears in the Secure world's
// address space: the first PML4 slot above the shared Normal-world copy,
// so the rebase index cleanly separates shared and private mappings.
const RebaseGPA = uint64(1) << 39 // 512 GiB, PML4 slot 1

// BootParam is the initialize-trusty hypercall payload.
type BootParam struct {
	Version        uint32
	EntryPointLow  uint32
	EntryPointHigh uint32
	BaseAddrLow    uint32
	BaseAddrHigh   uint32
	MemSize        uint32
	RpmbKey        [64]byte
}

// EntryPoint composes the split entry-point fields.
func (b BootParam) EntryPoint() uint64 {
	return uint64(b.EntryPointHigh)<<32 | uint64(b.EntryPointLow)
}

// BaseAddr composes the split base-address fields.
func (b BootParam) BaseAddr() uint64 {
	return uint64(b.BaseAddrHigh)<<32 | uint64(b.BaseAddrLow)
}

// seedEntries is how many derived seeds KeyInfo carries, one per SVN the
// bootloader handed over.
const seedEntries = 10

// KeyInfo is written at the base of the secure region before first entry,
// derived from the VM-unique dvseed plus the attestation-keybox key. Its
// wire size feeds the first secure RDI, which points just past it.
type KeyInfo struct {
	SizeOfThisStruct uint32
	Version          uint32
	Platform         uint32
	Flags            uint32
	DSeed            [seedEntries][32]byte
	AttKBEnc         [64]byte
}

// KeyInfoSize is KeyInfo's encoded size: four u32 header words plus the
// seed table plus the wrapped attestation key.
const KeyInfoSize = 16 + seedEntries*32 + 64

// ToBytes encodes k little-endian, the same fixed-layout convention the
// acpi tables use for guest-visible structures.
func (k *KeyInfo) ToBytes() ([]byte, error) {
	k.SizeOfThisStruct = KeyInfoSize

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, k); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// StartupParam is written immediately after KeyInfo; it tells the secure
// kernel where it lives and how large its world is.
type StartupParam struct {
	SizeOfThisStruct uint32
	MemSize          uint32
	TSCPerMS         uint64
	TrustyMemBase    uint64
	Reserved         uint64
}

func (s *StartupParam) ToBytes() ([]byte, error) {
	s.SizeOfThisStruct = 32

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, s); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// SecureWriter writes into the secure region by offset from its base,
// supplied by the vm wiring since the region is absent from the
// Normal-world EPT by the time these structures are seeded.
type SecureWriter func(offset uint64, data []byte) error

// State is the per-VM Trusty bookkeeping: region geometry plus the
// Secure-world context snapshot save_sworld_context fills.
type State struct {
	BaseGPA uint64
	BaseHPA uint64
	Length  uint64

	initialized bool

	snapshot struct {
		valid bool
		run   vcpu.RunContext
		ext   vcpu.ExtContext
	}
}

// Initialized reports whether the Secure world exists for this VM.
func (s *State) Initialized() bool { return s.initialized }

// Initialize performs the initialize-trusty sequence: carve the region
// out of the Normal world, build the Secure EPT, seed key-info and
// startup-param pages, point the vCPU's Secure context at the entry
// point, and flip cur_context. Double initialization is a
// TransitionViolation and leaves everything untouched.
func (s *State) Initialize(m *ept.Manager, v *vcpu.VCpu, param BootParam, keys *KeyInfo, write SecureWriter) error {
	if s.initialized {
		return hverr.Newf(hverr.TransitionViolation, "trusty: already initialized")
	}

	size := uint64(param.MemSize)
	baseGPA := param.BaseAddr()

	baseHPA := m.GPAToHPA(baseGPA)
	if baseHPA == ept.InvalidHPA {
		return hverr.Newf(hverr.HvInternal, "trusty: base gpa %#x not mapped", baseGPA)
	}

	if err := m.DelMR(baseGPA, size); err != nil {
		return hverr.New(hverr.HvInternal, err)
	}

	if err := m.InitSecureWorld(RebaseGPA); err != nil {
		return hverr.New(hverr.HvInternal, err)
	}

	prot := uint64(ept.RWX) | ept.MemTypeWB<<3
	if err := m.AddSecureMR(baseHPA, RebaseGPA, size, prot); err != nil {
		return hverr.New(hverr.HvInternal, err)
	}

	// Geometry is visible to the writer callback before the seed pages
	// land; initialized flips only once everything is in place.
	s.BaseGPA = baseGPA
	s.BaseHPA = baseHPA
	s.Length = size

	kb, err := keys.ToBytes()
	if err != nil {
		return hverr.New(hverr.HvInternal, err)
	}

	startup := &StartupParam{
		MemSize:       param.MemSize,
		TrustyMemBase: RebaseGPA,
	}

	sb, err := startup.ToBytes()
	if err != nil {
		return hverr.New(hverr.HvInternal, err)
	}

	if err := write(0, kb); err != nil {
		return hverr.New(hverr.HvInternal, err)
	}

	if err := write(KeyInfoSize, sb); err != nil {
		return hverr.New(hverr.HvInternal, err)
	}

	// The secure entry point is the Normal-world entry rebased into the
	// secure window; RSP starts at the top of the region and RDI points
	// just past the key info page contents.
	sec := &v.Contexts[vcpu.SecureWorld].Run
	sec.RIP = RebaseGPA + (param.EntryPoint() - baseGPA)
	sec.GPRs[gprRSP] = RebaseGPA + size
	sec.GPRs[gprRDI] = RebaseGPA + KeyInfoSize

	v.CurContext = vcpu.SecureWorld
	v.MarkDirty(vcpu.RegRIP)

	s.initialized = true

	return nil
}

const (
	gprRSP = 4
	gprRDI = 7
)

// Destroy tears the Secure world down: scrub the region through write if
// requested, delete the secure mappings, unhook the shared tables, and
// re-add the range to the Normal world so the memory returns to the
// guest.
func (s *State) Destroy(m *ept.Manager, scrub bool, write SecureWriter) error {
	if !s.initialized {
		return hverr.Newf(hverr.TransitionViolation, "trusty: not initialized")
	}

	if scrub && write != nil {
		zero := make([]byte, 4096)
		for off := uint64(0); off < s.Length; off += 4096 {
			if err := write(off, zero); err != nil {
				return hverr.New(hverr.HvInternal, err)
			}
		}
	}

	if err := m.DelSecureMR(RebaseGPA, s.Length); err != nil {
		return hverr.New(hverr.HvInternal, err)
	}

	m.TeardownSecureWorld(RebaseGPA)

	prot := uint64(ept.RWX) | ept.MemTypeWB<<3
	if err := m.AddMR(s.BaseHPA, s.BaseGPA, s.Length, prot); err != nil {
		return hverr.New(hverr.HvInternal, err)
	}

	s.initialized = false
	s.snapshot.valid = false

	return nil
}

// SaveSworldContext copies the vCPU's whole Secure guest context into the
// VM-scoped snapshot buffer.
func (s *State) SaveSworldContext(v *vcpu.VCpu) error {
	if !s.initialized {
		return hverr.Newf(hverr.TransitionViolation, "trusty: not initialized")
	}

	s.snapshot.run = v.Contexts[vcpu.SecureWorld].Run
	s.snapshot.ext = v.Contexts[vcpu.SecureWorld].Ext
	s.snapshot.valid = true

	return nil
}

// RestoreSworldContext is SaveSworldContext's inverse.
func (s *State) RestoreSworldContext(v *vcpu.VCpu) error {
	if !s.initialized || !s.snapshot.valid {
		return hverr.Newf(hverr.TransitionViolation, "trusty: no snapshot to restore")
	}

	v.Contexts[vcpu.SecureWorld].Run = s.snapshot.run
	v.Contexts[vcpu.SecureWorld].Ext = s.snapshot.ext

	return nil
}
