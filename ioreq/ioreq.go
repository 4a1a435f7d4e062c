// Package ioreq implements port-I/O and MMIO emulation dispatch: the
// in-hypervisor portio slot table and dynamic MMIO region table, plus the
// ioreq shared-page contract a request falls back to when no registered
// handler claims it, consumed by a Service VM device model.
package ioreq

import (
	"sync"

	"github.com/vmxcore/hypervisor/hverr"
)

// EmulPioIdxMax bounds the in-HV port-I/O slot table, mirroring the
// original's fixed-size array of well-known device ranges (serial,
// postcode, PCI config address/data, ACPI PM1A).
const EmulPioIdxMax = 32

// ConfigMaxEmulatedMMIORegions bounds the dynamic MMIO region table.
const ConfigMaxEmulatedMMIORegions = 64

// ReqType selects which shared-slot union member is populated.
type ReqType int

const (
	Portio ReqType = iota
	Mmio
	Wp
	Pcicfg
)

// Direction is the access direction of an IoRequest.
type Direction int

const (
	Read Direction = iota
	Write
)

// State is the ioreq shared-slot lifecycle: producer (HV) writes
// FREE->PENDING->PROCESSING, consumer (Service VM) writes ->COMPLETE.
type State int32

const (
	Free State = iota
	Pending
	Processing
	Complete
)

// IoRequest is a pending PIO/MMIO emulation step, reused across VM exits
// for one vCPU.
type IoRequest struct {
	Type      ReqType
	Direction Direction
	Address   uint64
	Size      int
	Value     uint64
	State     State
}

// PioHandler emulates an in-range port access; returning ok=false defers
// the request to the Service VM via the ioreq shared page.
type PioHandler func(port uint16, dir Direction, size int, value *uint32) (ok bool, err error)

// MMIOHandler is PioHandler's MMIO counterpart, keyed by absolute gpa
// rather than port offset.
type MMIOHandler func(gpa uint64, dir Direction, size int, value *uint64) (ok bool, err error)

type pioSlot struct {
	portStart, portEnd uint16
	handler            PioHandler
}

type mmioSlot struct {
	rangeStart, rangeEnd uint64
	handler              MMIOHandler
	private              bool
}

// Dispatcher owns one VM's portio slot table and MMIO region table plus
// the per-vCPU shared ioreq slots the Service VM polls.
type Dispatcher struct {
	mu sync.Mutex

	pio  [EmulPioIdxMax]*pioSlot
	mmio []mmioSlot

	slots map[int]*IoRequest // vcpu id -> shared slot

	// Upcall notifies the Service VM a slot transitioned to PENDING.
	Upcall func(vcpuID int)
}

// New returns an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{slots: make(map[int]*IoRequest)}
}

// RegisterPio installs handler for ports [start,end]. Returns an error if
// the slot table is full.
func (d *Dispatcher) RegisterPio(start, end uint16, handler PioHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, s := range d.pio {
		if s == nil {
			d.pio[i] = &pioSlot{portStart: start, portEnd: end, handler: handler}
			return nil
		}
	}

	return hverr.Newf(hverr.CapacityFault, "ioreq: portio slot table full (max %d)", EmulPioIdxMax)
}

// RegisterMMIO installs handler for gpa range [start,end). Returns an
// error if the region table is full.
func (d *Dispatcher) RegisterMMIO(start, end uint64, private bool, handler MMIOHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.mmio) >= ConfigMaxEmulatedMMIORegions {
		return hverr.Newf(hverr.CapacityFault, "ioreq: MMIO region table full (max %d)", ConfigMaxEmulatedMMIORegions)
	}

	d.mmio = append(d.mmio, mmioSlot{rangeStart: start, rangeEnd: end, handler: handler, private: private})

	return nil
}

func (d *Dispatcher) findPio(port uint16) *pioSlot {
	for _, s := range d.pio {
		if s != nil && port >= s.portStart && port <= s.portEnd {
			return s
		}
	}

	return nil
}

func (d *Dispatcher) findMMIO(gpa uint64, size int) *mmioSlot {
	for i := range d.mmio {
		s := &d.mmio[i]
		if gpa >= s.rangeStart && gpa < s.rangeEnd {
			if gpa+uint64(size) > s.rangeEnd {
				return nil // crosses a region boundary: reject, handled by caller as -EIO
			}

			return s
		}
	}

	return nil
}

// ErrCrossesRegion is returned by HandlePio/HandleMMIO when an access
// straddles a registered region's boundary.
var ErrCrossesRegion = hverr.Newf(hverr.GuestFault, "ioreq: access crosses emulated region boundary")

// HandlePio dispatches a port-I/O exit. If a registered handler claims
// the port it runs synchronously and ok=true; otherwise the request is
// queued to the shared slot for vcpuID and ok=false, meaning the caller
// (the vCPU run loop) must suspend until State transitions to Complete.
func (d *Dispatcher) HandlePio(vcpuID int, port uint16, dir Direction, size int, value *uint32) (ok bool, err error) {
	d.mu.Lock()
	slot := d.findPio(port)
	d.mu.Unlock()

	if slot == nil {
		d.queue(vcpuID, &IoRequest{Type: Portio, Direction: dir, Address: uint64(port), Size: size, Value: uint64(*value)})
		return false, nil
	}

	return slot.handler(port, dir, size, value)
}

// HandleMMIO dispatches an EPT-violation-driven MMIO access.
func (d *Dispatcher) HandleMMIO(vcpuID int, gpa uint64, dir Direction, size int, value *uint64) (ok bool, err error) {
	d.mu.Lock()
	slot := d.findMMIO(gpa, size)
	d.mu.Unlock()

	if slot == nil {
		if d.rangeOverlapsAny(gpa, size) {
			return false, ErrCrossesRegion
		}

		d.queue(vcpuID, &IoRequest{Type: Mmio, Direction: dir, Address: gpa, Size: size, Value: *value})
		return false, nil
	}

	return slot.handler(gpa, dir, size, value)
}

func (d *Dispatcher) rangeOverlapsAny(gpa uint64, size int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range d.mmio {
		if gpa < s.rangeEnd && gpa+uint64(size) > s.rangeStart && gpa+uint64(size) > s.rangeEnd {
			return true
		}
	}

	return false
}

func (d *Dispatcher) queue(vcpuID int, req *IoRequest) {
	d.mu.Lock()
	req.State = Pending
	d.slots[vcpuID] = req
	upcall := d.Upcall
	d.mu.Unlock()

	if upcall != nil {
		upcall(vcpuID)
	}
}

// Slot returns the shared ioreq slot for vcpuID, or nil if none is
// outstanding.
func (d *Dispatcher) Slot(vcpuID int) *IoRequest {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.slots[vcpuID]
}

// NotifyFinish is the Service VM's completion callback: it has filled in
// Value (for reads) and moves the slot to Complete. Returns
// hverr.GuestFault if no request was outstanding.
func (d *Dispatcher) NotifyFinish(vcpuID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	req, ok := d.slots[vcpuID]
	if !ok || req.State != Processing && req.State != Pending {
		return hverr.Newf(hverr.GuestFault, "ioreq: no outstanding request for vcpu %d", vcpuID)
	}

	req.State = Complete

	return nil
}

// CompletePio applies the Service-VM-filled value back into outValue at
// the request's width and frees the slot (EmulatePioComplete /
// DmEmulateIOComplete for the port-I/O case).
func (d *Dispatcher) CompletePio(vcpuID int, outValue *uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	req, ok := d.slots[vcpuID]
	if !ok || req.State != Complete {
		return hverr.Newf(hverr.HvInternal, "ioreq: CompletePio called before COMPLETE for vcpu %d", vcpuID)
	}

	if req.Direction == Read {
		mask := widthMask(req.Size)
		*outValue = (*outValue &^ mask) | uint32(req.Value)&mask
	}

	delete(d.slots, vcpuID)

	return nil
}

// CompleteMMIO is CompletePio's MMIO counterpart: on a completed read it
// hands back the filled value for the caller to re-emulate the decoded
// instruction against.
func (d *Dispatcher) CompleteMMIO(vcpuID int) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	req, ok := d.slots[vcpuID]
	if !ok || req.State != Complete {
		return 0, hverr.Newf(hverr.HvInternal, "ioreq: CompleteMMIO called before COMPLETE for vcpu %d", vcpuID)
	}

	v := req.Value
	delete(d.slots, vcpuID)

	return v, nil
}

func widthMask(size int) uint32 {
	switch size {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	default:
		return 0xFFFFFFFF
	}
}
