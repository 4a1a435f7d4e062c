package acpi

// PMBlock is one fixed power-management register block the hypervisor
// traps: its port base and byte length, as advertised to the guest.
type PMBlock struct {
	Base uint32
	Len  uint8
}

// FADT fixed-feature flags this platform raises.
const (
	FADTWBINVD    = 1 << 0 // WBINVD works and flushes all caches
	FADTProcC1    = 1 << 2 // C1 supported on all processors
	FADTPwrButton = 1 << 4 // power button is a control-method device
	FADTSlpButton = 1 << 5 // sleep button absent
	FADTFixedRTC  = 1 << 6 // no RTC wake in fixed register space
)

// FADT advertises the fixed ACPI hardware: the SCI interrupt and the PM1
// event/control blocks this hypervisor's port-I/O table actually traps.
type FADT struct {
	OEMID      string
	OEMTableID string

	SCIInterrupt uint16
	PM1aEvent    PMBlock
	PM1aControl  PMBlock
	PM1bEvent    PMBlock
	PM1bControl  PMBlock

	DSDTAddr uint32
	Flags    uint32
}

// Byte offsets of the FADT fields this platform fills, per the ACPI 6
// FACP layout; everything unlisted stays zero.
const (
	fadtOffDSDT       = 40
	fadtOffSCIInt     = 46
	fadtOffPM1aEvtBlk = 56
	fadtOffPM1bEvtBlk = 60
	fadtOffPM1aCntBlk = 64
	fadtOffPM1bCntBlk = 68
	fadtOffPM1EvtLen  = 88
	fadtOffPM1CntLen  = 89
	fadtOffCentury    = 108
	fadtOffFlags      = 112
	fadtOffMinorVer   = 131
	fadtOffXDSDT      = 140
	fadtLen           = 276
)

// ToBytes encodes the fixed-length FACP with length and checksum settled.
func (f *FADT) ToBytes() ([]byte, error) {
	b, err := newTable("FACP", 6, f.OEMID, f.OEMTableID)
	if err != nil {
		return nil, err
	}

	b = append(b, make([]byte, fadtLen-headerLen)...)

	put32(b, fadtOffDSDT, f.DSDTAddr)
	put16(b, fadtOffSCIInt, f.SCIInterrupt)
	put32(b, fadtOffPM1aEvtBlk, f.PM1aEvent.Base)
	put32(b, fadtOffPM1bEvtBlk, f.PM1bEvent.Base)
	put32(b, fadtOffPM1aCntBlk, f.PM1aControl.Base)
	put32(b, fadtOffPM1bCntBlk, f.PM1bControl.Base)
	b[fadtOffPM1EvtLen] = f.PM1aEvent.Len
	b[fadtOffPM1CntLen] = f.PM1aControl.Len
	put32(b, fadtOffFlags, f.Flags)
	b[fadtOffMinorVer] = 1
	put64(b, fadtOffXDSDT, uint64(f.DSDTAddr))

	return finalize(b), nil
}
