// Package pgtable implements the generic 4-level page-table engine shared
// by the host MMU and EPT: one set of map/modify/delete primitives
// parameterized by a Policy so ept.Manager and any host-MMU caller reuse
// the same walker instead of two copies of the same tree logic.
package pgtable

import (
	"errors"
	"sync"
)

const (
	// PageSize4K is the smallest leaf granularity this engine hands out.
	PageSize4K = 1 << 12
	pageSize2M = 1 << 21
	pageSize1G = 1 << 30

	entriesPerTable = 512
	levelShift      = 9 // log2(entriesPerTable)

	// Level indices, root-to-leaf.
	LevelPML4 = 3
	LevelPDPT = 2
	LevelPD   = 1
	LevelPT   = 0
)

var (
	ErrOverlap      = errors.New("pgtable: present leaf already covers range")
	ErrNotFound     = errors.New("pgtable: no mapping at address")
	ErrPoolExhausted = errors.New("pgtable: page pool exhausted")
	ErrMisaligned   = errors.New("pgtable: address or size not page aligned")
)

// Policy customizes how the walker treats entries, so the same engine
// backs both the host MMU (plain paging-structure bits) and EPT (RWX +
// memory-type bits, IPAT, Trusty's execute-right tweak).
type Policy interface {
	// DefaultAccessRight is OR-ed into every newly created non-leaf entry.
	DefaultAccessRight() uint64
	// PresentMask is the set of bits that, if any are set, mean "this
	// entry references something" (EPT has no single present bit; it has
	// R|W|X).
	PresentMask() uint64
	// LargePageSupport reports whether level may use a large leaf (2 MiB
	// at LevelPD, 1 GiB at LevelPDPT) for the given protection bits.
	LargePageSupport(level int, prot uint64) bool
	// ClflushPagewalk is invoked after writing entry, for EPT structures
	// that must stay coherent with IOMMU page-table walks bypassing the
	// cache. It is a no-op for the host MMU.
	ClflushPagewalk(entry *uint64)
	// TweakExeRight strips execute permission from a copied interior
	// entry (Trusty's Secure-world PDPT copy); RecoverExeRight restores
	// it. Policies that never tweak return the input unchanged.
	TweakExeRight(entry uint64) uint64
	RecoverExeRight(entry uint64) uint64
}

// Pool is a bitmap-managed allocator handing out fixed-size table pages to
// every interior node a PageTable needs, with a last-allocated hint so
// repeated allocation/free doesn't always rescan from bit 0.
type Pool struct {
	mu       sync.Mutex
	pages    [][entriesPerTable]uint64
	used     []bool
	lastHint int
}

// NewPool builds a pool of capacity pages, all free.
func NewPool(capacity int) *Pool {
	return &Pool{
		pages: make([][entriesPerTable]uint64, capacity),
		used:  make([]bool, capacity),
	}
}

// AllocPage returns the index of a free page, marking it used and zeroed.
func (p *Pool) AllocPage() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.used)
	for i := 0; i < n; i++ {
		idx := (p.lastHint + i) % n
		if !p.used[idx] {
			p.used[idx] = true
			p.pages[idx] = [entriesPerTable]uint64{}
			p.lastHint = (idx + 1) % n

			return idx, nil
		}
	}

	return 0, ErrPoolExhausted
}

// FreePage returns a page to the pool.
func (p *Pool) FreePage(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.used[idx] = false
}

func (p *Pool) table(idx int) *[entriesPerTable]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return &p.pages[idx]
}

// entry bit layout shared by both MMU and EPT leaves: bits 12:51 carry the
// frame, bit 63 carries an engine-private "is interior pointer" tag so the
// walker can tell a table pointer apart from a leaf without depending on
// policy-specific RWX semantics.
const (
	bitInteriorPointer = uint64(1) << 62
	frameMask          = uint64(0x000FFFFFFFFFF000)
)

func frameOf(e uint64) uint64      { return e & frameMask }
func withFrame(e, frame uint64) uint64 { return (e &^ frameMask) | (frame & frameMask) }

// PageTable is one 4-level tree rooted at a page drawn from pool, governed
// by policy. The same type backs both host-MMU tables and a VM's EPT.
type PageTable struct {
	mu     sync.RWMutex
	pool   *Pool
	policy Policy
	root   int
}

// New allocates a root page from pool and returns an empty PageTable.
func New(pool *Pool, policy Policy) (*PageTable, error) {
	root, err := pool.AllocPage()
	if err != nil {
		return nil, err
	}

	return &PageTable{pool: pool, policy: policy, root: root}, nil
}

// Root returns the pool index backing the PML4 page, for programming into
// a VMCS EPT pointer or CR3.
func (t *PageTable) Root() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.root
}

func indexFor(vaddr uint64, level int) int {
	shift := 12 + level*levelShift

	return int((vaddr >> uint(shift)) & (entriesPerTable - 1))
}

// AddMap creates mappings for [vaddr, vaddr+size) to host/guest physical
// addresses starting at paddr, applying prot | policy.DefaultAccessRight()
// to every leaf, splitting to 4K where a large page isn't eligible or
// alignment forbids it. It is idempotent: calling it twice with identical
// arguments over an already-identical mapping succeeds; it fails with
// ErrOverlap if any covered leaf is already present with different
// protection, since the "no overlapping present leaf" invariant only
// tolerates an exact match.
func (t *PageTable) AddMap(paddr, vaddr, size, prot uint64) error {
	if vaddr%PageSize4K != 0 || paddr%PageSize4K != 0 || size%PageSize4K != 0 {
		return ErrMisaligned
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for off := uint64(0); off < size; {
		step := t.addOneLeaf(paddr+off, vaddr+off, size-off, prot)
		off += step
	}

	return nil
}

// addOneLeaf creates (or confirms an identical) leaf covering vaddr and
// returns how many bytes it covered.
func (t *PageTable) addOneLeaf(paddr, vaddr, remaining, prot uint64) uint64 {
	leafSize := uint64(PageSize4K)

	if remaining >= pageSize1G && vaddr%pageSize1G == 0 && paddr%pageSize1G == 0 &&
		t.policy.LargePageSupport(LevelPDPT, prot) {
		leafSize = pageSize1G
	} else if remaining >= pageSize2M && vaddr%pageSize2M == 0 && paddr%pageSize2M == 0 &&
		t.policy.LargePageSupport(LevelPD, prot) {
		leafSize = pageSize2M
	}

	leafLevel := LevelPT
	switch leafSize {
	case pageSize1G:
		leafLevel = LevelPDPT
	case pageSize2M:
		leafLevel = LevelPD
	}

	tableIdx := t.root

	for level := LevelPML4; level > leafLevel; level-- {
		tbl := t.pool.table(tableIdx)
		idx := indexFor(vaddr, level)
		e := tbl[idx]

		if e&t.policy.PresentMask() == 0 && e&bitInteriorPointer == 0 {
			child, err := t.pool.AllocPage()
			if err != nil {
				return leafSize
			}

			newEntry := withFrame(t.policy.DefaultAccessRight()|bitInteriorPointer, uint64(child)*PageSize4K)
			tbl[idx] = newEntry
			t.policy.ClflushPagewalk(&tbl[idx])
			tableIdx = child

			continue
		}

		tableIdx = int(frameOf(e) / PageSize4K)
	}

	leafTbl := t.pool.table(tableIdx)
	idx := indexFor(vaddr, leafLevel)

	leafEntry := withFrame(prot|t.policy.PresentMask(), paddr)
	leafTbl[idx] = leafEntry
	t.policy.ClflushPagewalk(&leafTbl[idx])

	return leafSize
}

// ModifyOrDelMap either ORs in set and ANDs out clr on every leaf covering
// [vaddr, vaddr+size), or deletes the range when del is true. Deleting
// frees interior nodes whose children all become empty back to the pool.
func (t *PageTable) ModifyOrDelMap(vaddr, size, set, clr uint64, del bool) error {
	if vaddr%PageSize4K != 0 || size%PageSize4K != 0 {
		return ErrMisaligned
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for off := uint64(0); off < size; off += PageSize4K {
		t.modifyOneLeaf(vaddr+off, set, clr, del)
	}

	if del {
		t.pruneEmptyInteriors(t.root, LevelPML4)
	}

	return nil
}

func (t *PageTable) modifyOneLeaf(vaddr, set, clr uint64, del bool) {
	path := [4]int{}
	tableIdx := t.root

	for level := LevelPML4; level >= LevelPT; level-- {
		tbl := t.pool.table(tableIdx)
		idx := indexFor(vaddr, level)
		path[level] = tableIdx
		e := tbl[idx]

		if e&t.policy.PresentMask() == 0 && e&bitInteriorPointer == 0 {
			return // not mapped at any granularity
		}

		if e&bitInteriorPointer == 0 {
			// Reached a leaf above LevelPT (large page) or at LevelPT.
			if del {
				tbl[idx] = 0
			} else {
				tbl[idx] = (e | set) &^ clr
			}

			t.policy.ClflushPagewalk(&tbl[idx])

			return
		}

		tableIdx = int(frameOf(e) / PageSize4K)
	}
}

func (t *PageTable) pruneEmptyInteriors(tableIdx, level int) bool {
	if level == LevelPT {
		tbl := t.pool.table(tableIdx)

		for _, e := range tbl {
			if e != 0 {
				return false
			}
		}

		return true
	}

	tbl := t.pool.table(tableIdx)
	allEmpty := true

	for i, e := range tbl {
		if e&bitInteriorPointer == 0 {
			if e != 0 {
				allEmpty = false
			}

			continue
		}

		child := int(frameOf(e) / PageSize4K)
		if t.pruneEmptyInteriors(child, level-1) {
			t.pool.FreePage(child)
			tbl[i] = 0
		} else {
			allEmpty = false
		}
	}

	return allEmpty && tableIdx != t.root
}

// ClonePML4Range copies src's PML4 entries at indices [0, limit) into t,
// applying t's TweakExeRight hook to each copied entry so the clone can
// read but not execute through the shared lower tables. The PDPT pages
// under the copied entries stay shared with src; only the PML4 slots are
// duplicated.
func (t *PageTable) ClonePML4Range(src *PageTable, limit int) error {
	if limit < 0 || limit > entriesPerTable {
		return ErrMisaligned
	}

	src.mu.RLock()
	srcTbl := src.pool.table(src.root)
	entries := make([]uint64, limit)
	copy(entries, srcTbl[:limit])
	src.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	dstTbl := t.pool.table(t.root)

	for i, e := range entries {
		if e == 0 {
			continue
		}

		dstTbl[i] = t.policy.TweakExeRight(e)
		t.policy.ClflushPagewalk(&dstTbl[i])
	}

	return nil
}

// ClearPML4Range zeroes t's PML4 entries at indices [0, limit), undoing a
// ClonePML4Range without touching the shared tables underneath.
func (t *PageTable) ClearPML4Range(limit int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tbl := t.pool.table(t.root)

	for i := 0; i < limit && i < entriesPerTable; i++ {
		tbl[i] = 0
	}
}

// LookupEntry returns the leaf entry covering addr and the size it covers,
// or ErrNotFound if no present leaf covers it.
func (t *PageTable) LookupEntry(addr uint64) (entry uint64, size uint64, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tableIdx := t.root

	for level := LevelPML4; level >= LevelPT; level-- {
		tbl := t.pool.table(tableIdx)
		idx := indexFor(addr, level)
		e := tbl[idx]

		if e&t.policy.PresentMask() == 0 && e&bitInteriorPointer == 0 {
			return 0, 0, ErrNotFound
		}

		if e&bitInteriorPointer == 0 {
			leafSize := uint64(PageSize4K)

			switch level {
			case LevelPDPT:
				leafSize = pageSize1G
			case LevelPD:
				leafSize = pageSize2M
			}

			return e, leafSize, nil
		}

		tableIdx = int(frameOf(e) / PageSize4K)
	}

	return 0, 0, ErrNotFound
}
