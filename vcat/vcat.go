// Package vcat implements virtual cache allocation: per-VM virtual CLOS
// ids whose IA32_L2/L3_MASK_n writes are validated for contiguity and
// capacity, mapped to physical CLOS ids, propagated to every vCPU sharing
// the same cache, and mirrored into the physical MSR preserving its
// reserved upper bits.
package vcat

import (
	"math/bits"
	"sync"

	"github.com/vmxcore/hypervisor/hverr"
	"github.com/vmxcore/hypervisor/lowlevel"
)

// Architectural MSR bases for the CAT mask arrays and the per-thread
// class-of-service selector.
const (
	MSRIA32L3MaskBase = 0x0C90
	MSRIA32L2MaskBase = 0x0D10
	MSRIA32PQRAssoc   = 0x0C8F
)

// CacheLevel selects which mask array a VM's virtual CLOS ids live in.
type CacheLevel int

const (
	L2 CacheLevel = 2
	L3 CacheLevel = 3
)

// MaskBase returns the physical MSR base for the level.
func (l CacheLevel) MaskBase() uint32 {
	if l == L2 {
		return MSRIA32L2MaskBase
	}

	return MSRIA32L3MaskBase
}

// MSREntry is one slot of the VMCS MSR auto-load area. The layout is the
// hardware ABI: a fixed array of index/value pairs, never a map.
type MSREntry struct {
	Index uint32
	_     uint32
	Value uint64
}

// MSRAreaSlots bounds the per-vCPU auto-load area.
const MSRAreaSlots = 8

// VCpuSlot is the per-vCPU view this package propagates into: the guest
// MSR shadow for the virtualized mask MSRs and the auto-load area entry
// PQR_ASSOC writes maintain.
type VCpuSlot struct {
	ID      int
	CacheID uint32

	Shadow map[uint32]uint64

	MSRArea  [MSRAreaSlots]MSREntry
	MSRCount int
}

// NewVCpuSlot builds a slot for a vCPU whose cache id is derived from its
// APIC id and the CPUID cache-topology shift: cores whose APIC ids agree
// above the shift share the cache.
func NewVCpuSlot(id int, apicID uint32, topologyShift uint) *VCpuSlot {
	return &VCpuSlot{
		ID:      id,
		CacheID: apicID >> topologyShift,
		Shadow:  make(map[uint32]uint64),
	}
}

// Config fixes a VM's vCAT geometry at creation time.
type Config struct {
	Level   CacheLevel
	MaxVcbm uint64   // widest legal contiguous bitmask
	ClosMap []uint16 // vclos index -> physical CLOS id
}

// VCat is the per-VM propagation state.
type VCat struct {
	mu    sync.Mutex
	cfg   Config
	slots []*VCpuSlot

	// wrmsr/rdmsr default to the lowlevel stubs; tests inject fakes.
	wrmsr func(msr uint32, val uint64)
	rdmsr func(msr uint32) uint64
}

// New builds a VCat over the VM's vCPU slots.
func New(cfg Config, slots []*VCpuSlot) *VCat {
	return &VCat{
		cfg:   cfg,
		slots: slots,
		wrmsr: lowlevel.WRMSR,
		rdmsr: lowlevel.RDMSR,
	}
}

// SetMSRAccess replaces the physical MSR seam, for tests.
func (c *VCat) SetMSRAccess(wr func(uint32, uint64), rd func(uint32) uint64) {
	c.wrmsr = wr
	c.rdmsr = rd
}

// isContiguous reports whether cbm is a single non-empty run of set bits.
func isContiguous(cbm uint64) bool {
	if cbm == 0 {
		return false
	}

	shifted := cbm >> uint(bits.TrailingZeros64(cbm))

	return shifted&(shifted+1) == 0
}

// WriteMask handles a guest write to the vclos-th mask MSR from callerID:
// validate, update the shadow of every vCPU sharing the caller's cache,
// and update the physical MSR for the mapped pCLOS with the reserved
// upper bits preserved.
func (c *VCat) WriteMask(callerID, vclos int, cbm uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if vclos < 0 || vclos >= len(c.cfg.ClosMap) {
		return hverr.Newf(hverr.GuestFault, "vcat: vclos %d out of range", vclos)
	}

	if !isContiguous(cbm) {
		return hverr.Newf(hverr.GuestFault, "vcat: mask %#x is not contiguous", cbm)
	}

	if cbm&^c.cfg.MaxVcbm != 0 {
		return hverr.Newf(hverr.GuestFault, "vcat: mask %#x exceeds max vcbm %#x", cbm, c.cfg.MaxVcbm)
	}

	caller := c.slotLocked(callerID)
	if caller == nil {
		return hverr.Newf(hverr.HvInternal, "vcat: unknown vcpu %d", callerID)
	}

	vmsr := c.cfg.Level.MaskBase() + uint32(vclos)

	for _, s := range c.slots {
		if s.CacheID == caller.CacheID {
			s.Shadow[vmsr] = cbm
		}
	}

	pmsr := c.cfg.Level.MaskBase() + uint32(c.cfg.ClosMap[vclos])
	old := c.rdmsr(pmsr)
	c.wrmsr(pmsr, old&^c.cfg.MaxVcbm|cbm)

	return nil
}

// ReadMask returns the caller's shadow for the vclos-th mask MSR.
func (c *VCat) ReadMask(callerID, vclos int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if vclos < 0 || vclos >= len(c.cfg.ClosMap) {
		return 0, hverr.Newf(hverr.GuestFault, "vcat: vclos %d out of range", vclos)
	}

	caller := c.slotLocked(callerID)
	if caller == nil {
		return 0, hverr.Newf(hverr.HvInternal, "vcat: unknown vcpu %d", callerID)
	}

	return caller.Shadow[c.cfg.Level.MaskBase()+uint32(vclos)], nil
}

// WritePQRAssoc handles a guest write to IA32_PQR_ASSOC: the CLOS field
// (bits 32:63) is translated vclos -> pclos and the result lands in the
// vCPU's MSR auto-load area so the next VM entry programs it.
func (c *VCat) WritePQRAssoc(callerID int, val uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	caller := c.slotLocked(callerID)
	if caller == nil {
		return hverr.Newf(hverr.HvInternal, "vcat: unknown vcpu %d", callerID)
	}

	vclos := int(val >> 32)
	if vclos >= len(c.cfg.ClosMap) {
		return hverr.Newf(hverr.GuestFault, "vcat: PQR_ASSOC vclos %d out of range", vclos)
	}

	pval := val&0xFFFFFFFF | uint64(c.cfg.ClosMap[vclos])<<32

	for i := 0; i < caller.MSRCount; i++ {
		if caller.MSRArea[i].Index == MSRIA32PQRAssoc {
			caller.MSRArea[i].Value = pval

			return nil
		}
	}

	if caller.MSRCount >= MSRAreaSlots {
		return hverr.Newf(hverr.CapacityFault, "vcat: MSR auto-load area full")
	}

	caller.MSRArea[caller.MSRCount] = MSREntry{Index: MSRIA32PQRAssoc, Value: pval}
	caller.MSRCount++

	return nil
}

// IsMaskMSR reports whether msr falls inside this VM's virtualized mask
// window, and the vclos index if so; the WRMSR exit handler routes
// through this.
func (c *VCat) IsMaskMSR(msr uint32) (vclos int, ok bool) {
	base := c.cfg.Level.MaskBase()
	if msr < base || msr >= base+uint32(len(c.cfg.ClosMap)) {
		return 0, false
	}

	return int(msr - base), true
}

func (c *VCat) slotLocked(id int) *VCpuSlot {
	for _, s := range c.slots {
		if s.ID == id {
			return s
		}
	}

	return nil
}
