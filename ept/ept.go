// Package ept is the EPT specialization of pgtable: it owns a VM's
// nworld_eptp and optional sworld_eptp, translates guest-physical to
// host-physical addresses, and invalidates TLBs through lowlevel.INVEPT
// after every mutation.
package ept

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/vmxcore/hypervisor/lowlevel"
	"github.com/vmxcore/hypervisor/pgtable"
)

// Memory types an EPT leaf may carry in bits 3:5.
const (
	MemTypeUC = 0
	MemTypeWC = 1
	MemTypeWT = 4
	MemTypeWP = 5
	MemTypeWB = 6
)

// EPT leaf protection bits.
const (
	RWX        = 0x7
	R          = 0x1
	W          = 0x2
	X          = 0x4
	IPAT       = 1 << 6
	memTypeShift = 3
	eptPWL4    = 3 << 3 // page-walk length - 1, encoded at bits 3:5 of the EPTP
	eptWB      = MemTypeWB
)

// InvalidHPA is returned by GPAToHPA when no leaf maps the address.
const InvalidHPA = ^uint64(0)

var (
	ErrNoSecureWorld = errors.New("ept: VM has no secure world")
	ErrMisconfigured = errors.New("ept: leaf entry reserved bits set")
)

// policy implements pgtable.Policy for EPT: present means any of R/W/X is
// set (there is no single present bit in the EPT format), and the
// interior-node default access right grants full RWX so a restrictive
// leaf, not a restrictive ancestor, is what limits access.
type policy struct {
	tweakExe bool
}

func (policy) DefaultAccessRight() uint64 { return RWX }
func (policy) PresentMask() uint64        { return RWX }

func (policy) LargePageSupport(level int, prot uint64) bool {
	return prot&(1<<20) != 0 // caller opts in explicitly, as pgtable_test does
}

func (policy) ClflushPagewalk(entry *uint64) {
	lowlevel.CLFLUSHOPT(uintptr(unsafe.Pointer(entry)))
}

func (p policy) TweakExeRight(e uint64) uint64 {
	if !p.tweakExe {
		return e
	}

	return e &^ X
}

func (p policy) RecoverExeRight(e uint64) uint64 {
	if !p.tweakExe {
		return e
	}

	return e | X
}

// Manager owns one VM's Normal-world EPT and, once Trusty initializes it,
// its Secure-world EPT, plus the set of pCPUs that have ever run a vCPU of
// this VM — the tracking set invept must sweep after every mutation.
type Manager struct {
	mu        sync.RWMutex
	pool      *pgtable.Pool
	nworld    *pgtable.PageTable
	sworld    *pgtable.PageTable
	everRanOn map[int]struct{}
}

// NewManager allocates a fresh Normal-world EPT backed by a pool sized for
// capacityPages interior+leaf nodes.
func NewManager(capacityPages int) (*Manager, error) {
	pool := pgtable.NewPool(capacityPages)

	nw, err := pgtable.New(pool, policy{})
	if err != nil {
		return nil, err
	}

	return &Manager{pool: pool, nworld: nw, everRanOn: make(map[int]struct{})}, nil
}

// NWorldEPTP returns the Normal-world EPT pointer value: the root frame,
// page-walk-length, and WB memory type fields VMX_EPT_POINTER expects.
func (m *Manager) NWorldEPTP() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.eptpFor(m.nworld)
}

// SWorldEPTP returns the Secure-world EPT pointer, or ok=false if Trusty
// has never been initialized for this VM.
func (m *Manager) SWorldEPTP() (eptp uint64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.sworld == nil {
		return 0, false
	}

	return m.eptpFor(m.sworld), true
}

func (m *Manager) eptpFor(t *pgtable.PageTable) uint64 {
	root := uint64(t.Root()) * pgtable.PageSize4K

	return root | eptPWL4 | eptWB
}

// EnsureSecureWorld allocates the Secure-world EPT the first time Trusty
// initializes; subsequent calls return ErrNoSecureWorld-free success with
// the existing tree (double-init is rejected one layer up, in trusty).
func (m *Manager) EnsureSecureWorld() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sworld != nil {
		return nil
	}

	sw, err := pgtable.New(m.pool, policy{tweakExe: true})
	if err != nil {
		return err
	}

	m.sworld = sw

	return nil
}

// pml4Index is the PML4 slot covering gpa (bits 39:47).
func pml4Index(gpa uint64) int { return int(gpa>>39) & 0x1FF }

// InitSecureWorld allocates the Secure-world EPT and clones the
// Normal-world PML4 entries below rebaseGPA's slot into it with execute
// rights stripped, so Secure can read Normal memory but never run it.
// The slot at and above the rebase index stays empty for the dedicated
// secure-region mapping.
func (m *Manager) InitSecureWorld(rebaseGPA uint64) error {
	if err := m.EnsureSecureWorld(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sworld.ClonePML4Range(m.nworld, pml4Index(rebaseGPA))
}

// TeardownSecureWorld unhooks the shared Normal-world tables from the
// Secure EPT; the dedicated secure-region mappings must already have been
// deleted through DelSecureMR.
func (m *Manager) TeardownSecureWorld(rebaseGPA uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sworld == nil {
		return
	}

	m.sworld.ClearPML4Range(pml4Index(rebaseGPA))
	m.sworld = nil
}

// AddMR maps [gpa, gpa+size) to [hpa, hpa+size) with the given RWX+memtype
// prot in the Normal-world tree, then invalidates the TLB on every pCPU
// that has ever run a vCPU of this VM.
func (m *Manager) AddMR(hpa, gpa, size, prot uint64) error {
	return m.addMR(false, hpa, gpa, size, prot)
}

// AddSecureMR is AddMR for the Secure-world tree; callers must have called
// EnsureSecureWorld first.
func (m *Manager) AddSecureMR(hpa, gpa, size, prot uint64) error {
	return m.addMR(true, hpa, gpa, size, prot)
}

func (m *Manager) addMR(secure bool, hpa, gpa, size, prot uint64) error {
	m.mu.Lock()
	t := m.nworld
	if secure {
		if m.sworld == nil {
			m.mu.Unlock()

			return ErrNoSecureWorld
		}

		t = m.sworld
	}
	m.mu.Unlock()

	if err := t.AddMap(hpa, gpa, size, prot); err != nil {
		return err
	}

	m.invalidateAll()

	return nil
}

// DelMR removes [gpa, gpa+size) from the Normal-world tree.
func (m *Manager) DelMR(gpa, size uint64) error {
	if err := m.nworld.ModifyOrDelMap(gpa, size, 0, 0, true); err != nil {
		return err
	}

	m.invalidateAll()

	return nil
}

// DelSecureMR removes [gpa, gpa+size) from the Secure-world tree.
func (m *Manager) DelSecureMR(gpa, size uint64) error {
	m.mu.RLock()
	sw := m.sworld
	m.mu.RUnlock()

	if sw == nil {
		return ErrNoSecureWorld
	}

	if err := sw.ModifyOrDelMap(gpa, size, 0, 0, true); err != nil {
		return err
	}

	m.invalidateAll()

	return nil
}

// MRModify ORs set and ANDs out clr on every leaf covering [gpa,gpa+size)
// in the Normal-world tree.
func (m *Manager) MRModify(gpa, size, set, clr uint64) error {
	if err := m.nworld.ModifyOrDelMap(gpa, size, set, clr, false); err != nil {
		return err
	}

	m.invalidateAll()

	return nil
}

// eptEntryFrameMask mirrors pgtable's internal frame mask (bits 12:51);
// EPT leaves are stored with the full physical base already aligned to
// their leaf size, so masking with this constant and re-OR-ing the
// sub-leaf offset recovers the exact host-physical address regardless of
// whether the leaf is 4K, 2M, or 1G.
const eptEntryFrameMask = uint64(0x000FFFFFFFFFF000)

// GPAToHPA walks the Normal-world EPT and returns the host-physical
// address for gpa, or InvalidHPA if no leaf maps it.
func (m *Manager) GPAToHPA(gpa uint64) uint64 {
	entry, leafSize, err := m.nworld.LookupEntry(gpa)
	if err != nil {
		return InvalidHPA
	}

	base := entry & eptEntryFrameMask
	offset := gpa & (leafSize - 1)

	return base | offset
}

// TrackRanOn records that pCPU id has run a vCPU of this VM, so future
// mutations invalidate its TLB too.
func (m *Manager) TrackRanOn(pcpuID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.everRanOn[pcpuID] = struct{}{}
}

// invalidateAll issues INVEPT for every pCPU that has ever run this VM.
// Real VMX requires invept to run on each pCPU itself (it invalidates the
// *current* logical processor's TLB); this repository has no cross-pCPU
// execution primitive beyond pcpu.Notify, so the caller in vm.Vm is
// responsible for posting EPT_FLUSH to each tracked pCPU's pending bitmap
// and letting its own next entry call InvalidateLocal.
func (m *Manager) invalidateAll() {
	// Global-context invalidation type per the VMX ISA: type 2 sweeps
	// every EPTP-tagged entry, which is correct even though only this
	// VM's mappings changed, since EPT lacks ASID tagging.
	const invalidateAllContexts = 2

	descriptor := [2]uint64{m.eptpFor(m.nworld), 0}
	lowlevel.INVEPT(invalidateAllContexts, &descriptor)
}

// RanOn reports whether pCPU id is tracked as having run this VM, for
// tests asserting the EPT_FLUSH fan-out set.
func (m *Manager) RanOn(pcpuID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.everRanOn[pcpuID]

	return ok
}
