package ept_test

import (
	"testing"

	"github.com/vmxcore/hypervisor/ept"
)

func TestAddMRAndGPAToHPA(t *testing.T) {
	t.Parallel()

	m, err := ept.NewManager(64)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	const gpa = 0x100000
	const hpa = 0x500000

	if err := m.AddMR(hpa, gpa, pgtable4K, ept.RWX|ept.MemTypeWB<<3); err != nil {
		t.Fatalf("AddMR: %v", err)
	}

	got := m.GPAToHPA(gpa + 0x10)
	if got != hpa+0x10 {
		t.Fatalf("GPAToHPA = %#x, want %#x", got, hpa+0x10)
	}
}

func TestGPAToHPAUnmappedIsInvalid(t *testing.T) {
	t.Parallel()

	m, err := ept.NewManager(64)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if got := m.GPAToHPA(0xdeadb000); got != ept.InvalidHPA {
		t.Fatalf("GPAToHPA = %#x, want InvalidHPA", got)
	}
}

func TestDelMRRemovesMapping(t *testing.T) {
	t.Parallel()

	m, err := ept.NewManager(64)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	const gpa = 0x200000
	if err := m.AddMR(0x600000, gpa, pgtable4K, ept.RWX); err != nil {
		t.Fatalf("AddMR: %v", err)
	}

	if err := m.DelMR(gpa, pgtable4K); err != nil {
		t.Fatalf("DelMR: %v", err)
	}

	if got := m.GPAToHPA(gpa); got != ept.InvalidHPA {
		t.Fatalf("GPAToHPA after delete = %#x, want InvalidHPA", got)
	}
}

func TestSecureWorldRequiresEnsureFirst(t *testing.T) {
	t.Parallel()

	m, err := ept.NewManager(64)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.AddSecureMR(0x700000, 0x300000, pgtable4K, ept.RWX); err != ept.ErrNoSecureWorld {
		t.Fatalf("err = %v, want ErrNoSecureWorld", err)
	}

	if err := m.EnsureSecureWorld(); err != nil {
		t.Fatalf("EnsureSecureWorld: %v", err)
	}

	if err := m.AddSecureMR(0x700000, 0x300000, pgtable4K, ept.RWX); err != nil {
		t.Fatalf("AddSecureMR after Ensure: %v", err)
	}

	if _, ok := m.SWorldEPTP(); !ok {
		t.Fatal("SWorldEPTP: expected ok=true after EnsureSecureWorld")
	}
}

func TestTrackRanOn(t *testing.T) {
	t.Parallel()

	m, err := ept.NewManager(64)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if m.RanOn(3) {
		t.Fatal("expected RanOn(3) = false before tracking")
	}

	m.TrackRanOn(3)

	if !m.RanOn(3) {
		t.Fatal("expected RanOn(3) = true after tracking")
	}
}

const pgtable4K = 4096
