// Package guestmem implements the guest-virtual to guest-physical page
// walk for all four paging modes, SMAP/SMEP/WP/NX enforcement, and the
// typed copy helpers that bracket every host-guest memory access with
// lowlevel.STAC/CLAC.
package guestmem

import (
	"errors"

	"github.com/vmxcore/hypervisor/ept"
	"github.com/vmxcore/hypervisor/hverr"
	"github.com/vmxcore/hypervisor/lowlevel"
)

// PagingMode selects which of the four guest paging layouts the walk uses.
type PagingMode int

const (
	ModeNone PagingMode = iota
	Mode2Level32
	Mode3LevelPAE
	Mode4LevelIA32e
)

// Access describes the memory operation being validated: whether it is a
// write, an instruction fetch, and whether the accessor is running in
// guest user mode.
type Access struct {
	Write      bool
	Fetch      bool
	UserMode   bool
	CR0WP      bool
	EFERNXE    bool
	RFLAGSAC   bool
	SMAPOn     bool
	SMEPOn     bool
}

// ErrCode mirrors the x86 page-fault error code bits this walk can set.
type ErrCode struct {
	Present bool // P
	Write   bool // W/R of the fault
	User    bool // U/S
	Fetch   bool // I/D
}

var ErrPageFault = errors.New("guestmem: page fault")

// smapArmed stays false until pCPU bring-up turns CR4.SMAP on; STAC and
// CLAC fault outside ring 0 and have no effect before SMAP is enabled,
// so the bracket follows the bring-up state.
var smapArmed bool

// ArmSMAPBracketing is called from init_pcpu_post once CR4.SMAP is set;
// from then on every host-side guest-memory copy runs STAC/CLAC.
func ArmSMAPBracketing() { smapArmed = true }

func stac() {
	if smapArmed {
		lowlevel.STAC()
	}
}

func clac() {
	if smapArmed {
		lowlevel.CLAC()
	}
}

// GPAReader abstracts the guest-physical memory this walk reads tables and
// data from; ept.Manager.GPAToHPA plus a host-mapped memory slab satisfies
// it in vm.Vm.
type GPAReader interface {
	ReadGPA(gpa uint64, buf []byte) error
	WriteGPA(gpa uint64, buf []byte) error
}

// Walker performs the guest-virtual to guest-physical translation for one
// vCPU's current paging mode and CR3.
type Walker struct {
	Mem  GPAReader
	Mode PagingMode
	CR3  uint64
}

const (
	entrySize    = 8
	entriesPer4K = 512
	presentBit   = 1 << 0
	writeBit     = 1 << 1
	userBit      = 1 << 2
	psBit        = 1 << 7
	nxBit        = uint64(1) << 63
)

// Translate walks CR3 for gva under acc and returns the resulting gpa, or
// ErrPageFault (wrapped in hverr.GuestFault) with code populated so the
// caller can inject #PF with the right error code.
func (w *Walker) Translate(gva uint64, acc Access) (gpa uint64, code ErrCode, err error) {
	switch w.Mode {
	case ModeNone:
		return gva, ErrCode{}, nil
	case Mode4LevelIA32e:
		return w.walkLevels(gva, acc, 4)
	case Mode3LevelPAE:
		return w.walkLevels(gva, acc, 3)
	case Mode2Level32:
		return w.walk2Level32(gva, acc)
	default:
		return 0, ErrCode{}, hverr.Newf(hverr.HvInternal, "guestmem: unknown paging mode %d", w.Mode)
	}
}

func (w *Walker) walk2Level32(gva uint64, acc Access) (uint64, ErrCode, error) {
	// 32-bit non-PAE: 10/10/12 split, 4-byte entries; modeled here with
	// the same present/write/user/ps bit positions as the 64-bit formats
	// since bits 0:7 of a 32-bit PDE/PTE share that layout.
	pdIndex := (gva >> 22) & 0x3FF
	ptIndex := (gva >> 12) & 0x3FF
	offset := gva & 0xFFF

	pdeAddr := (w.CR3 &^ 0xFFF) + pdIndex*4
	pde, err := w.readEntry32(pdeAddr)
	if err != nil {
		return 0, ErrCode{}, err
	}

	if pde&presentBit == 0 {
		return 0, ErrCode{Present: false, Write: acc.Write, User: acc.UserMode, Fetch: acc.Fetch}, faultErr()
	}

	if pde&psBit != 0 {
		frame := pde &^ 0x3FFFFF
		gpa := frame | (gva & 0x3FFFFF)

		if code, ok := w.checkProtection(pde, acc); !ok {
			return 0, code, faultErr()
		}

		return gpa, ErrCode{}, nil
	}

	pteAddr := (pde &^ 0xFFF) + ptIndex*4
	pte, err := w.readEntry32(pteAddr)
	if err != nil {
		return 0, ErrCode{}, err
	}

	if pte&presentBit == 0 {
		return 0, ErrCode{Present: false, Write: acc.Write, User: acc.UserMode, Fetch: acc.Fetch}, faultErr()
	}

	if code, ok := w.checkProtectionCombined(pde, pte, acc); !ok {
		return 0, code, faultErr()
	}

	frame := pte &^ 0xFFF

	return frame | offset, ErrCode{}, nil
}

func (w *Walker) readEntry32(addr uint64) (uint64, error) {
	buf := make([]byte, 4)
	if err := w.Mem.ReadGPA(addr, buf); err != nil {
		return 0, hverr.New(hverr.HvInternal, err)
	}

	return uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24, nil
}

func (w *Walker) readEntry64(addr uint64) (uint64, error) {
	buf := make([]byte, 8)
	if err := w.Mem.ReadGPA(addr, buf); err != nil {
		return 0, hverr.New(hverr.HvInternal, err)
	}

	v := uint64(0)
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}

	return v, nil
}

// walkLevels handles both PAE (3 levels: PDPTE/PDE/PTE, 9/9/12+2 reserved
// top bits folded into the PDPTE index) and IA-32e (4 levels). levels
// selects which table count to walk; indices are taken from the top down.
func (w *Walker) walkLevels(gva uint64, acc Access, levels int) (uint64, ErrCode, error) {
	var indices []uint64

	switch levels {
	case 4:
		indices = []uint64{(gva >> 39) & 0x1FF, (gva >> 30) & 0x1FF, (gva >> 21) & 0x1FF, (gva >> 12) & 0x1FF}
	case 3:
		indices = []uint64{(gva >> 30) & 0x3, (gva >> 21) & 0x1FF, (gva >> 12) & 0x1FF}
	}

	tableAddr := w.CR3 &^ 0xFFF
	var entries []uint64

	for i, idx := range indices {
		entryAddr := tableAddr + idx*entrySize

		e, err := w.readEntry64(entryAddr)
		if err != nil {
			return 0, ErrCode{}, err
		}

		if e&presentBit == 0 {
			return 0, ErrCode{Present: false, Write: acc.Write, User: acc.UserMode, Fetch: acc.Fetch}, faultErr()
		}

		entries = append(entries, e)

		// Large-page leaf above the PT level (PS=1 at PD or PDPT).
		isLeafLevel := i == len(indices)-1
		if !isLeafLevel && e&psBit != 0 {
			leafShift := uint(12)
			switch len(indices) - 1 - i {
			case 1:
				leafShift = 21 // 2 MiB
			case 2:
				leafShift = 30 // 1 GiB
			}

			frame := e &^ ((uint64(1) << leafShift) - 1) &^ 0xFFF000000000000
			gpa := frame | (gva & ((uint64(1) << leafShift) - 1))

			if code, ok := w.checkProtectionChain(entries, acc); !ok {
				return 0, code, faultErr()
			}

			return gpa, ErrCode{}, nil
		}

		tableAddr = e &^ 0xFFF &^ 0xFFF0000000000000
	}

	if code, ok := w.checkProtectionChain(entries, acc); !ok {
		return 0, code, faultErr()
	}

	lastEntry := entries[len(entries)-1]
	frame := lastEntry &^ 0xFFF &^ 0xFFF0000000000000
	offset := gva & 0xFFF

	return frame | offset, ErrCode{}, nil
}

func faultErr() error {
	return hverr.New(hverr.GuestFault, ErrPageFault)
}

func (w *Walker) checkProtectionChain(entries []uint64, acc Access) (ErrCode, bool) {
	for _, e := range entries {
		if !checkOne(e, acc) {
			return ErrCode{Write: acc.Write, User: acc.UserMode, Fetch: acc.Fetch, Present: true}, false
		}
	}

	return ErrCode{}, true
}

func (w *Walker) checkProtection(e uint64, acc Access) (ErrCode, bool) {
	return w.checkProtectionChain([]uint64{e}, acc)
}

func (w *Walker) checkProtectionCombined(pde, pte uint64, acc Access) (ErrCode, bool) {
	return w.checkProtectionChain([]uint64{pde, pte}, acc)
}

// checkOne enforces RW/NX/U-S for a single paging-structure entry.
func checkOne(e uint64, acc Access) bool {
	if acc.Write && e&writeBit == 0 {
		if acc.UserMode || acc.CR0WP {
			return false
		}
	}

	if acc.Fetch && acc.EFERNXE && e&nxBit != 0 {
		return false
	}

	if acc.UserMode && e&userBit == 0 {
		return false
	}

	return true
}

// CopyFromGPA reads size bytes starting at gpa from a backing EPT manager
// into dst, page by page, bracketed by STAC/CLAC to satisfy SMAP in the
// hypervisor itself (distinct from guest-facing SMAP enforced by
// checkOne/Translate).
func CopyFromGPA(e *ept.Manager, mem GPAReader, gpa uint64, dst []byte) error {
	stac()
	defer clac()

	return mem.ReadGPA(gpa, dst)
}

// CopyToGPA writes src to gpa, STAC/CLAC-bracketed.
func CopyToGPA(e *ept.Manager, mem GPAReader, gpa uint64, src []byte) error {
	stac()
	defer clac()

	return mem.WriteGPA(gpa, src)
}

// CopyFromGVA translates gva page by page through w and copies into dst.
func CopyFromGVA(w *Walker, mem GPAReader, gva uint64, dst []byte, acc Access) error {
	return copyGVA(w, mem, gva, dst, acc, false)
}

// CopyToGVA is CopyFromGVA's write counterpart.
func CopyToGVA(w *Walker, mem GPAReader, gva uint64, src []byte, acc Access) error {
	acc.Write = true

	return copyGVA(w, mem, gva, src, acc, true)
}

func copyGVA(w *Walker, mem GPAReader, gva uint64, buf []byte, acc Access, write bool) error {
	stac()
	defer clac()

	const pageSize = 4096

	done := 0
	for done < len(buf) {
		pageOff := (gva + uint64(done)) & (pageSize - 1)
		chunk := pageSize - int(pageOff)

		if chunk > len(buf)-done {
			chunk = len(buf) - done
		}

		gpa, _, err := w.Translate(gva+uint64(done), acc)
		if err != nil {
			return err
		}

		var err2 error
		if write {
			err2 = mem.WriteGPA(gpa, buf[done:done+chunk])
		} else {
			err2 = mem.ReadGPA(gpa, buf[done:done+chunk])
		}

		if err2 != nil {
			return hverr.New(hverr.HvInternal, err2)
		}

		done += chunk
	}

	return nil
}
