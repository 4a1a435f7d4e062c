package vcr_test

import (
	"testing"

	"github.com/vmxcore/hypervisor/hverr"
	"github.com/vmxcore/hypervisor/vcr"
)

// Scenario 1: passthru CR0 bit. MP (bit 1) is Passthru by default, so
// setting it must not fault and the effective value must carry it.
func TestPassthruCR0Bit(t *testing.T) {
	t.Parallel()

	p := vcr.DefaultPolicy()

	cur := vcr.GuestState{CR0: (1 << vcr.CR0PE) | (1 << vcr.CR0PG), CR4: 1 << vcr.CR4PAE, EFERLME: false}
	newVal := cur.CR0 | (1 << 1) // set MP

	out, err := p.CheckCR0Write(cur, newVal)
	if err != nil {
		t.Fatalf("unexpected fault: %v", err)
	}

	if out.EffectiveCR0 != newVal {
		t.Fatalf("EffectiveCR0 = %#x, want %#x", out.EffectiveCR0, newVal)
	}

	if p.CR0Classes[1] != vcr.Passthru {
		t.Fatal("MP bit must be classified Passthru")
	}
}

// Scenario 2: illegal CR4.PCIDE toggle. Long-mode guest, CR3[11:0]=0x1,
// writes CR4 with PCIDE 0->1: must fault with GuestFault, and the caller's
// job (not exercised here) is to leave CR4 unchanged and inject #GP.
func TestIllegalPCIDEToggle(t *testing.T) {
	t.Parallel()

	p := vcr.DefaultPolicy()

	cur := vcr.GuestState{
		CR0: 1 << vcr.CR0PG, CR4: 1 << vcr.CR4PAE, EFERLME: true, CR3Low12: 0x1,
	}
	newVal := cur.CR4 | (1 << vcr.CR4PCIDE)

	_, err := p.CheckCR4Write(cur, newVal)
	if err == nil {
		t.Fatal("expected GuestFault for illegal PCIDE toggle")
	}

	if !hverr.Is(err, hverr.GuestFault) {
		t.Fatalf("err kind = %v, want GuestFault", err)
	}
}

func TestCR4PCIDELegalWhenCR3Clean(t *testing.T) {
	t.Parallel()

	p := vcr.DefaultPolicy()

	cur := vcr.GuestState{CR0: 1 << vcr.CR0PG, CR4: 1 << vcr.CR4PAE, EFERLME: true, CR3Low12: 0}
	newVal := cur.CR4 | (1 << vcr.CR4PCIDE)

	out, err := p.CheckCR4Write(cur, newVal)
	if err != nil {
		t.Fatalf("unexpected fault: %v", err)
	}

	if out.EffectiveCR4 != newVal {
		t.Fatalf("EffectiveCR4 = %#x, want %#x", out.EffectiveCR4, newVal)
	}
}

func TestCR0PGWithoutPEIsIllegal(t *testing.T) {
	t.Parallel()

	p := vcr.DefaultPolicy()

	cur := vcr.GuestState{CR0: 0, CR4: 0}
	newVal := uint32(1 << vcr.CR0PG)

	_, err := p.CheckCR0Write(cur, newVal)
	if !hverr.Is(err, hverr.GuestFault) {
		t.Fatalf("err = %v, want GuestFault", err)
	}
}

func TestCR0CDZeroNWOneIsIllegal(t *testing.T) {
	t.Parallel()

	p := vcr.DefaultPolicy()

	cur := vcr.GuestState{CR0: 1 << vcr.CR0PE, CR4: 0}
	newVal := cur.CR0 | (1 << vcr.CR0NW)

	_, err := p.CheckCR0Write(cur, newVal)
	if !hverr.Is(err, hverr.GuestFault) {
		t.Fatalf("err = %v, want GuestFault", err)
	}
}

func TestCR0PGTogglesEPTFlushRequest(t *testing.T) {
	t.Parallel()

	p := vcr.DefaultPolicy()

	cur := vcr.GuestState{CR0: 1 << vcr.CR0PE, CR4: 1 << vcr.CR4PAE, EFERLME: true}
	newVal := cur.CR0 | (1 << vcr.CR0PG)

	out, err := p.CheckCR0Write(cur, newVal)
	if err != nil {
		t.Fatalf("unexpected fault: %v", err)
	}

	if !out.RequestEPTFlush {
		t.Fatal("expected RequestEPTFlush on PG toggle")
	}

	if !out.SetIA32E {
		t.Fatal("expected SetIA32E when PG 0->1 with EFER.LME=1")
	}
}

func TestHostOwnedMaskComplementsPassthru(t *testing.T) {
	t.Parallel()

	p := vcr.DefaultPolicy()

	hostOwned := p.HostOwnedCR0Mask()
	if hostOwned&(1<<vcr.CR0PG) == 0 {
		t.Fatal("PG must be host-owned (trap) since it is not Passthru")
	}

	if hostOwned&(1<<1) != 0 {
		t.Fatal("MP (passthru) must not be host-owned")
	}
}
