// Package vioapic models the virtual I/O APIC: the 24-pin redirection
// table, edge/level pulse delivery, remote-IRR tracking for level pins,
// and the ioregsel/iowin MMIO register window the guest programs it
// through.
package vioapic

import (
	"sync"

	"github.com/vmxcore/hypervisor/hverr"
)

// NumPins is the redirection-table entry count this core models.
const NumPins = 24

const (
	ioregselOffset = 0x00
	iowinOffset    = 0x10
)

const (
	rteMaskBit       = 1 << 16
	rteRemoteIRRBit  = 1 << 14
	rteTriggerBit    = 1 << 15 // 1 = level, 0 = edge
	rteDeliverStatus = 1 << 12
)

// RTE is one redirection-table entry's 64-bit value, split for clarity;
// callers mostly interact through Pin helpers rather than raw fields.
type RTE struct {
	Vector        uint8
	DeliveryMode  uint8
	DestMode      bool
	LevelTriggered bool
	Masked        bool
	RemoteIRR     bool
	DestAPICID    uint32
}

func (r RTE) raw() uint64 {
	var v uint64

	v |= uint64(r.Vector)
	v |= uint64(r.DeliveryMode) << 8

	if r.DestMode {
		v |= 1 << 11
	}

	if r.LevelTriggered {
		v |= rteTriggerBit
	}

	if r.Masked {
		v |= rteMaskBit
	}

	if r.RemoteIRR {
		v |= rteRemoteIRRBit
	}

	v |= uint64(r.DestAPICID) << 32

	return v
}

func rteFromRaw(v uint64) RTE {
	return RTE{
		Vector:         uint8(v & 0xFF),
		DeliveryMode:   uint8((v >> 8) & 0x7),
		DestMode:       v&(1<<11) != 0,
		LevelTriggered: v&rteTriggerBit != 0,
		Masked:         v&rteMaskBit != 0,
		RemoteIRR:      v&rteRemoteIRRBit != 0,
		DestAPICID:     uint32(v >> 32),
	}
}

// InjectFunc delivers vector to the target APIC(s); the vm wiring supplies
// this as a closure over its vlapic.VLapic set, keyed by dest/destMode.
type InjectFunc func(destAPICID uint32, destMode bool, vector uint8, level bool)

// VIOAPIC is one platform-wide virtual IOAPIC.
type VIOAPIC struct {
	mu sync.Mutex

	rte      [NumPins]RTE
	acnt     [NumPins]int32 // assert counter for level-triggered pins
	ioregsel uint32

	Inject InjectFunc
}

// New builds a VIOAPIC with all pins masked, the hardware reset state.
func New(inject InjectFunc) *VIOAPIC {
	v := &VIOAPIC{Inject: inject}
	for i := range v.rte {
		v.rte[i] = RTE{Masked: true}
	}

	return v
}

func rteIndexForOffset(off uint32) (pin int, isHigh bool, ok bool) {
	if off < 0x10 || off > 0x3F {
		return 0, false, false
	}

	reg := off - 0x10
	pin = int(reg / 2)
	isHigh = reg%2 == 1

	return pin, isHigh, pin < NumPins
}

// MMIOWrite handles a write to the IOAPIC's ioregsel/iowin register window.
func (v *VIOAPIC) MMIOWrite(offset uint32, val uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch offset {
	case ioregselOffset:
		v.ioregsel = val
		return nil
	case iowinOffset:
		pin, isHigh, ok := rteIndexForOffset(v.ioregsel)
		if !ok {
			return hverr.Newf(hverr.GuestFault, "vioapic: ioregsel %#x out of range", v.ioregsel)
		}

		raw := v.rte[pin].raw()
		if isHigh {
			raw = (raw &^ (uint64(0xFFFFFFFF) << 32)) | uint64(val)<<32
		} else {
			raw = (raw &^ 0xFFFFFFFF) | uint64(val)
		}

		oldMasked := v.rte[pin].Masked
		v.rte[pin] = rteFromRaw(raw)

		if oldMasked && !v.rte[pin].Masked && v.acnt[pin] > 0 {
			v.deliverLocked(pin)
		}

		return nil
	default:
		return hverr.Newf(hverr.GuestFault, "vioapic: bad MMIO offset %#x", offset)
	}
}

// MMIORead handles a read from the register window.
func (v *VIOAPIC) MMIORead(offset uint32) (uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch offset {
	case ioregselOffset:
		return v.ioregsel, nil
	case iowinOffset:
		pin, isHigh, ok := rteIndexForOffset(v.ioregsel)
		if !ok {
			return 0, hverr.Newf(hverr.GuestFault, "vioapic: ioregsel %#x out of range", v.ioregsel)
		}

		raw := v.rte[pin].raw()
		if isHigh {
			return uint32(raw >> 32), nil
		}

		return uint32(raw), nil
	default:
		return 0, hverr.Newf(hverr.GuestFault, "vioapic: bad MMIO offset %#x", offset)
	}
}

// PulseIRQ delivers an edge-triggered interrupt on pin: deliver once if
// unmasked, otherwise drop it (edge pins have no remote-IRR memory).
func (v *VIOAPIC) PulseIRQ(pin int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if pin < 0 || pin >= NumPins {
		return hverr.Newf(hverr.GuestFault, "vioapic: pin %d out of range", pin)
	}

	if v.rte[pin].LevelTriggered {
		return hverr.Newf(hverr.HvInternal, "vioapic: PulseIRQ on level-triggered pin %d", pin)
	}

	if v.rte[pin].Masked {
		return nil
	}

	v.Inject(v.rte[pin].DestAPICID, v.rte[pin].DestMode, v.rte[pin].Vector, false)

	return nil
}

// AssertIRQ raises a level-triggered pin's assert counter and delivers if
// it transitions 0->1 and the pin is unmasked with no remote-IRR pending.
func (v *VIOAPIC) AssertIRQ(pin int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if pin < 0 || pin >= NumPins {
		return hverr.Newf(hverr.GuestFault, "vioapic: pin %d out of range", pin)
	}

	wasZero := v.acnt[pin] == 0
	v.acnt[pin]++

	if wasZero && !v.rte[pin].Masked && !v.rte[pin].RemoteIRR {
		v.deliverLocked(pin)
	}

	return nil
}

// DeassertIRQ lowers a level pin's assert counter.
func (v *VIOAPIC) DeassertIRQ(pin int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if pin < 0 || pin >= NumPins {
		return hverr.Newf(hverr.GuestFault, "vioapic: pin %d out of range", pin)
	}

	if v.acnt[pin] > 0 {
		v.acnt[pin]--
	}

	return nil
}

func (v *VIOAPIC) deliverLocked(pin int) {
	r := v.rte[pin]
	if r.LevelTriggered {
		v.rte[pin].RemoteIRR = true
	}

	v.Inject(r.DestAPICID, r.DestMode, r.Vector, r.LevelTriggered)
}

// EOI clears remote-IRR for the pin whose vector matches vector, and
// redelivers if the level is still asserted, the vLAPIC EOI -> vIOAPIC
// callback path for level-triggered pins.
func (v *VIOAPIC) EOI(vector uint8) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for pin, r := range v.rte {
		if !r.LevelTriggered || r.Vector != vector || !r.RemoteIRR {
			continue
		}

		v.rte[pin].RemoteIRR = false

		if v.acnt[pin] > 0 && !v.rte[pin].Masked {
			v.deliverLocked(pin)
		}
	}
}
