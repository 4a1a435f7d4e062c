// Package vcr enforces the virtual CR0/CR4 policy: per-bit classification
// into Passthru / Trap-and-Passthru / Trap-and-Emulate / Emulated-Reserved,
// reserved-bit and transition-legality checks on guest writes, and the
// side effects (EPT flush request, PAT remap, IA32E_MODE/EFER.LMA toggle)
// those writes trigger.
package vcr

import (
	"github.com/vmxcore/hypervisor/hverr"
)

// Class is one of the four disjoint bit-classification buckets established
// at hypervisor init from MSR_IA32_VMX_CR{0,4}_FIXED0/FIXED1.
type Class int

const (
	Passthru Class = iota
	TrapAndPassthru
	TrapAndEmulate
	EmulatedReserved
)

// CR0/CR4 single-bit positions this package names explicitly because they
// carry individual legality rules.
const (
	CR0PE = 0
	CR0MP = 1
	CR0EM = 2
	CR0TS = 3
	CR0WP = 16
	CR0NW = 29
	CR0CD = 30
	CR0PG = 31

	CR4PAE   = 5
	CR4PCIDE = 17
	CR4SMEP  = 20
	CR4SMAP  = 21
	CR4PKE   = 22
	CR4KL    = 19
	CR4PKS   = 24
)

// Policy carries the per-bit classification and reserved-bit masks this
// platform's fixed0/fixed1 MSRs settle, plus the guest's effective EFER.LME
// bit since several CR0 legality checks depend on long-mode enablement.
type Policy struct {
	CR0Classes  [32]Class
	CR4Classes  [32]Class
	CR0Reserved uint32 // cr0_rsv_bits_guest_value
	CR4Reserved uint32 // cr4_rsv_bits_guest_value
}

// Outcome is the side-effect record a caller (the CR_ACCESS exit handler)
// needs to know what else must happen besides writing the shadow/physical
// field.
type Outcome struct {
	EffectiveCR0   uint32
	EffectiveCR4   uint32
	RequestEPTFlush bool
	SetIA32E        bool // entering long mode: set VMX entry control + EFER.LMA
	ClearIA32E      bool // leaving long mode
	FlipPAT         bool // CD 0<->1 toggled: swap VMX_GUEST_IA32_PAT
}

// GuestState is the minimal CR0/CR4/EFER/CR3/CR4 snapshot a write-check
// needs; callers project it from their own vCPU representation.
type GuestState struct {
	CR0     uint32
	CR4     uint32
	EFERLME bool
	CR3Low12 uint32 // CR3[11:0], checked for PCIDE legality
}

// CheckCR0Write validates a guest CR0 write against the SDM-derived
// combined rules and returns the Outcome, or a GuestFault error
// the caller should turn into an injected #GP.
func (p Policy) CheckCR0Write(cur GuestState, newVal uint32) (Outcome, error) {
	pg := bit32(newVal, CR0PG)
	pe := bit32(newVal, CR0PE)
	cd := bit32(newVal, CR0CD)
	nw := bit32(newVal, CR0NW)
	pae := cur.CR4&(1<<CR4PAE) != 0

	if pg && !pae && cur.EFERLME {
		return Outcome{}, hverr.Newf(hverr.GuestFault, "CR0: PG=1 without PAE while EFER.LME=1")
	}

	if !pe && pg {
		return Outcome{}, hverr.Newf(hverr.GuestFault, "CR0: PE=0 with PG=1")
	}

	if !cd && nw {
		return Outcome{}, hverr.Newf(hverr.GuestFault, "CR0: CD=0 with NW=1")
	}

	if !pg && cur.CR4&(1<<CR4PCIDE) != 0 {
		return Outcome{}, hverr.Newf(hverr.GuestFault, "CR0: PG=0 while CR4.PCIDE=1")
	}

	if newVal&^p.validCR0Mask() != 0 {
		return Outcome{}, hverr.Newf(hverr.GuestFault, "CR0: reserved bits set: %#x", newVal&^p.validCR0Mask())
	}

	out := Outcome{EffectiveCR0: newVal, EffectiveCR4: cur.CR4}

	oldPG := bit32(cur.CR0, CR0PG)
	if !oldPG && pg && cur.EFERLME {
		out.SetIA32E = true
	}

	if oldPG && !pg {
		out.ClearIA32E = true
	}

	oldCD := bit32(cur.CR0, CR0CD)
	if oldCD != cd {
		out.FlipPAT = true
	}

	if changed32(cur.CR0, newVal, CR0PG) || changed32(cur.CR0, newVal, CR0WP) || changed32(cur.CR0, newVal, CR0CD) {
		out.RequestEPTFlush = true
	}

	return out, nil
}

// CheckCR4Write validates a guest CR4 write against the SDM legality rules.
func (p Policy) CheckCR4Write(cur GuestState, newVal uint32) (Outcome, error) {
	if newVal&^p.validCR4Mask() != 0 {
		return Outcome{}, hverr.Newf(hverr.GuestFault, "CR4: reserved bits set: %#x", newVal&^p.validCR4Mask())
	}

	pae := bit32(newVal, CR4PAE)
	longMode := cur.EFERLME

	if longMode && !pae {
		return Outcome{}, hverr.Newf(hverr.GuestFault, "CR4: long mode requires PAE=1")
	}

	oldPCIDE := bit32(cur.CR4, CR4PCIDE)
	newPCIDE := bit32(newVal, CR4PCIDE)

	if !oldPCIDE && newPCIDE {
		if !longMode || cur.CR3Low12 != 0 {
			return Outcome{}, hverr.Newf(hverr.GuestFault, "CR4: PCIDE 0->1 requires long mode and CR3[11:0]=0")
		}
	}

	out := Outcome{EffectiveCR0: cur.CR0, EffectiveCR4: newVal}

	if changed32(cur.CR4, newVal, CR4PAE) || changed32(cur.CR4, newVal, CR4SMEP) ||
		changed32(cur.CR4, newVal, CR4SMAP) || changed32(cur.CR4, newVal, CR4PKE) ||
		changed32(cur.CR4, newVal, CR4PKS) || changed32(cur.CR4, newVal, CR4KL) {
		out.RequestEPTFlush = true
	}

	return out, nil
}

// HostOwnedMask is VMX_CR{0,4}_GUEST_HOST_MASK: the complement of the
// passthru bits, so exactly the non-passthru bits cause a VM exit.
func (p Policy) HostOwnedCR0Mask() uint32 { return ^p.passthruMask(p.CR0Classes) }
func (p Policy) HostOwnedCR4Mask() uint32 { return ^p.passthruMask(p.CR4Classes) }

func (p Policy) passthruMask(classes [32]Class) uint32 {
	var mask uint32
	for i, c := range classes {
		if c == Passthru {
			mask |= 1 << uint(i)
		}
	}

	return mask
}

// validCR0Mask/validCR4Mask derive the set of bits a guest may legally set
// from the per-bit classification: any classified bit is settable, any
// unclassified (default zero value, which this package treats the same as
// EmulatedReserved unless explicitly set otherwise) bit is not, mirroring
// cr0_rsv_bits_guest_value/cr4_rsv_bits_guest_value.
func (p Policy) validCR0Mask() uint32 {
	var mask uint32
	for i, c := range p.CR0Classes {
		if c != EmulatedReserved {
			mask |= 1 << uint(i)
		}
	}

	return mask
}

func (p Policy) validCR4Mask() uint32 {
	var mask uint32
	for i, c := range p.CR4Classes {
		if c != EmulatedReserved {
			mask |= 1 << uint(i)
		}
	}

	return mask
}

func bit32(v uint32, bit int) bool { return v&(1<<uint(bit)) != 0 }

func changed32(old, new uint32, bit int) bool {
	return bit32(old, bit) != bit32(new, bit)
}

// DefaultPolicy returns the classification this core ships by default:
// every bit with emulated side effects is Trap-and-Passthru or
// Trap-and-Emulate; unnamed bits default to Passthru
// for CR0/CR4 bits with no side effect, except bits the fixed0/fixed1 MSRs
// never allow the guest to change, which are EmulatedReserved.
func DefaultPolicy() Policy {
	var p Policy

	for i := range p.CR0Classes {
		p.CR0Classes[i] = Passthru
	}

	for i := range p.CR4Classes {
		p.CR4Classes[i] = Passthru
	}

	p.CR0Classes[CR0PG] = TrapAndPassthru
	p.CR0Classes[CR0CD] = TrapAndPassthru
	p.CR0Classes[CR0NW] = TrapAndEmulate
	p.CR0Classes[CR0WP] = TrapAndPassthru
	p.CR0Classes[CR0TS] = TrapAndEmulate

	p.CR4Classes[CR4PAE] = TrapAndPassthru
	p.CR4Classes[CR4PCIDE] = TrapAndPassthru
	p.CR4Classes[CR4SMEP] = TrapAndPassthru
	p.CR4Classes[CR4SMAP] = TrapAndPassthru
	p.CR4Classes[CR4PKE] = TrapAndEmulate
	p.CR4Classes[CR4PKS] = TrapAndEmulate
	p.CR4Classes[CR4KL] = TrapAndEmulate

	p.CR0Reserved = 0
	p.CR4Reserved = 0

	return p
}
