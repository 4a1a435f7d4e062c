package acpi

// MADT describes this VM's interrupt topology to the guest: one local
// APIC entry per created vCPU and the virtual IOAPIC with its GSI base.
type MADT struct {
	OEMID      string
	OEMTableID string

	// LocalAPICAddr is the xAPIC MMIO base the guest would use before
	// switching to x2APIC mode.
	LocalAPICAddr uint32

	entries []byte
}

// MADT interrupt-controller entry types.
const (
	entryProcessorLAPIC = 0
	entryIOAPIC         = 1
	entryIntSrcOverride = 2
)

const lapicEnabled = 1 << 0

// AddProcessor appends a Processor Local APIC entry for one vCPU.
func (m *MADT) AddProcessor(processorID, apicID uint8, enabled bool) {
	var flags uint32
	if enabled {
		flags = lapicEnabled
	}

	e := make([]byte, 8)
	e[0] = entryProcessorLAPIC
	e[1] = uint8(len(e))
	e[2] = processorID
	e[3] = apicID
	put32(e, 4, flags)

	m.entries = append(m.entries, e...)
}

// AddIOAPIC appends the I/O APIC entry: its MMIO window and the global
// system interrupt its pin 0 maps to.
func (m *MADT) AddIOAPIC(ioapicID uint8, addr, gsiBase uint32) {
	e := make([]byte, 12)
	e[0] = entryIOAPIC
	e[1] = uint8(len(e))
	e[2] = ioapicID
	put32(e, 4, addr)
	put32(e, 8, gsiBase)

	m.entries = append(m.entries, e...)
}

// AddOverride appends an Interrupt Source Override mapping a legacy ISA
// IRQ onto a GSI with explicit polarity/trigger flags.
func (m *MADT) AddOverride(source uint8, gsi uint32, flags uint16) {
	e := make([]byte, 10)
	e[0] = entryIntSrcOverride
	e[1] = uint8(len(e))
	e[2] = 0 // bus: ISA
	e[3] = source
	put32(e, 4, gsi)
	put16(e, 8, flags)

	m.entries = append(m.entries, e...)
}

// ToBytes encodes the table with its length and checksum settled.
func (m *MADT) ToBytes() ([]byte, error) {
	b, err := newTable("APIC", 3, m.OEMID, m.OEMTableID)
	if err != nil {
		return nil, err
	}

	body := make([]byte, 8)
	put32(body, 0, m.LocalAPICAddr)
	put32(body, 4, 0) // flags: no dual-8259 wiring declared; the vPIC is reachable but not preferred

	b = append(b, body...)
	b = append(b, m.entries...)

	return finalize(b), nil
}
