package acpi

import (
	"bytes"
	"testing"
)

func sumOf(data []byte) uint8 {
	var s uint8
	for _, b := range data {
		s += b
	}

	return s
}

func TestMADTEncodesEntries(t *testing.T) {
	m := &MADT{OEMID: "VMXCOR", OEMTableID: "VMXHV", LocalAPICAddr: 0xFEE00000}
	m.AddProcessor(0, 0, true)
	m.AddProcessor(1, 1, true)
	m.AddIOAPIC(0, 0xFEC00000, 0)

	b, err := m.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}

	if string(b[:4]) != "APIC" {
		t.Fatalf("signature = %q", b[:4])
	}

	if got := uint32(b[4]) | uint32(b[5])<<8; got != uint32(len(b)) {
		t.Fatalf("length field = %d, table is %d bytes", got, len(b))
	}

	if sumOf(b) != 0 {
		t.Fatalf("table checksum does not sum to zero")
	}

	// Two 8-byte LAPIC entries then one 12-byte IOAPIC entry follow the
	// 44-byte MADT prefix.
	if len(b) != 44+8+8+12 {
		t.Fatalf("table length = %d", len(b))
	}

	ioapic := b[44+16:]
	if ioapic[0] != entryIOAPIC || ioapic[1] != 12 {
		t.Fatalf("IOAPIC entry header = %v", ioapic[:2])
	}
}

func TestFADTAdvertisesPMBlocks(t *testing.T) {
	f := &FADT{
		OEMID:        "VMXCOR",
		OEMTableID:   "VMXHV",
		SCIInterrupt: 9,
		PM1aEvent:    PMBlock{Base: 0x600, Len: 4},
		PM1aControl:  PMBlock{Base: 0x604, Len: 2},
		DSDTAddr:     0xE1000,
		Flags:        FADTWBINVD | FADTProcC1,
	}

	b, err := f.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}

	if len(b) != fadtLen {
		t.Fatalf("FADT length = %d, want %d", len(b), fadtLen)
	}

	if sumOf(b) != 0 {
		t.Fatal("FADT checksum does not sum to zero")
	}

	if got := uint32(b[fadtOffPM1aEvtBlk]) | uint32(b[fadtOffPM1aEvtBlk+1])<<8; got != 0x600 {
		t.Fatalf("PM1a event block = %#x", got)
	}

	if b[fadtOffPM1EvtLen] != 4 || b[fadtOffPM1CntLen] != 2 {
		t.Fatalf("PM1 lengths = %d/%d", b[fadtOffPM1EvtLen], b[fadtOffPM1CntLen])
	}
}

func TestDSDTCarriesS5AndCOM1(t *testing.T) {
	d := &DSDT{
		OEMID:       "VMXCOR",
		OEMTableID:  "VMXHV",
		S5SleepType: 5,
		COM1Base:    0x3F8,
		COM1IRQ:     4,
	}

	b, err := d.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}

	if sumOf(b) != 0 {
		t.Fatal("DSDT checksum does not sum to zero")
	}

	// \_S5_ = Package(2){ 0x05, 0x00 }
	s5 := []byte{amlNameOp, amlRootChar, '_', 'S', '5', '_', amlPackageOp, 5, 2, amlBytePrefix, 5, amlZeroOp}
	if !bytes.Contains(b, s5) {
		t.Fatal("DSDT is missing the \\_S5_ package")
	}

	// EisaId("PNP0501") for the COM1 _HID.
	if !bytes.Contains(b, []byte{amlDWordPrefix, 0x41, 0xD0, 0x05, 0x01}) {
		t.Fatal("DSDT is missing the PNP0501 _HID")
	}

	// The _CRS IO descriptor names the UART's port range.
	if !bytes.Contains(b, []byte{resTagIO, resIODecode16, 0xF8, 0x03, 0xF8, 0x03, 1, 8}) {
		t.Fatal("DSDT is missing the COM1 IO descriptor")
	}

	// IRQ4 mask in the IRQ descriptor.
	if !bytes.Contains(b, []byte{resTagIRQ, 0x10, 0x00}) {
		t.Fatal("DSDT is missing the COM1 IRQ descriptor")
	}
}

func TestEisaID(t *testing.T) {
	got, err := eisaID("PNP0501")
	if err != nil {
		t.Fatalf("eisaID: %v", err)
	}

	want := []byte{0x41, 0xD0, 0x05, 0x01}
	if !bytes.Equal(got, want) {
		t.Fatalf("eisaID = %x, want %x", got, want)
	}

	if _, err := eisaID("bad"); err == nil {
		t.Fatal("short id must be rejected")
	}
}

func TestXSDTAndRSDP(t *testing.T) {
	x := &XSDT{OEMID: "VMXCOR", OEMTableID: "VMXHV", Entries: []uint64{0xE1000, 0xE2000}}

	xb, err := x.ToBytes()
	if err != nil {
		t.Fatalf("XSDT ToBytes: %v", err)
	}

	if len(xb) != headerLen+16 || sumOf(xb) != 0 {
		t.Fatalf("XSDT length/checksum wrong: len=%d sum=%d", len(xb), sumOf(xb))
	}

	r := &RSDP{OEMID: "VMXCOR", XSDTAddr: 0xE0040}

	rb, err := r.ToBytes()
	if err != nil {
		t.Fatalf("RSDP ToBytes: %v", err)
	}

	if string(rb[:8]) != "RSD PTR " {
		t.Fatalf("RSDP signature = %q", rb[:8])
	}

	if sumOf(rb[:rsdpV1Len]) != 0 {
		t.Fatal("RSDP legacy checksum does not sum to zero")
	}

	if sumOf(rb) != 0 {
		t.Fatal("RSDP extended checksum does not sum to zero")
	}
}
