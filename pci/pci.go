// Package pci implements a software model of the PCI configuration access
// mechanism (CAM) used by guest firmware and guest OS drivers to enumerate
// and configure the synthetic devices a partition exposes across the
// hypervisor/Service-VM boundary. It speaks the same CF8/CFC port pair that
// real x86 firmware speaks, so an unmodified guest needs no paravirtual
// driver just to find its devices.
package pci

import (
	"encoding/binary"
	"errors"
)

// Configuration Space Access Mechanism #1.
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return (uint32(a) >> 31) == 0x1
}

// DeviceHeader is the PCI type-0/type-1 configuration header common prefix
// exposed for BAR sizing and interrupt routing by every device on the bus.
type DeviceHeader struct {
	DeviceID      uint16
	VendorID      uint16
	HeaderType    uint8
	SubsystemID   uint16
	Command       uint16
	BAR           [6]uint32
	InterruptPin  uint8
	InterruptLine uint8
}

var errDeviceHeaderTooShort = errors.New("device header byte slice too short")

// Bytes renders the device header in the wire layout a guest's config-space
// reads expect: vendor/device ID at offset 0, command at 4, and so on up
// through the BARs.
func (h DeviceHeader) Bytes() ([]byte, error) {
	b := make([]byte, 64)

	binary.LittleEndian.PutUint16(b[0:2], h.VendorID)
	binary.LittleEndian.PutUint16(b[2:4], h.DeviceID)
	binary.LittleEndian.PutUint16(b[4:6], h.Command)
	b[0xe] = h.HeaderType

	for i, bar := range h.BAR {
		binary.LittleEndian.PutUint32(b[0x10+i*4:0x14+i*4], bar)
	}

	binary.LittleEndian.PutUint16(b[0x2e:0x30], h.SubsystemID)
	b[0x3c] = h.InterruptLine
	b[0x3d] = h.InterruptPin

	return b, nil
}

// Device is a single function living on the virtual bus: it answers
// config-space reads with its DeviceHeader and owns one BAR-mapped I/O
// range that PciConfDataIn/Out forward port accesses into.
type Device interface {
	GetDeviceHeader() DeviceHeader
	IOInHandler(port uint64, data []byte) error
	IOOutHandler(port uint64, data []byte) error
	GetIORange() (start, end uint64)
}

// SizeToBits converts a BAR size into the bit pattern a guest's
// write-all-ones probe must read back, per the PCI BAR sizing protocol.
func SizeToBits(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return ^uint32(size - 1)
}

// BytesToNum interprets data as a little-endian unsigned integer.
func BytesToNum(data []byte) uint64 {
	res := uint64(0)
	for i := len(data) - 1; i >= 0; i-- {
		res <<= 8
		res |= uint64(data[i])
	}

	return res
}

// NumToBytes renders x as little-endian bytes sized to its concrete type.
func NumToBytes(x interface{}) []byte {
	switch v := x.(type) {
	case uint8:
		return []byte{v}
	case uint16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)

		return b
	case uint32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v)

		return b
	case uint64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v)

		return b
	default:
		return []byte{}
	}
}

// PCI models the CF8/CFC config-access mechanism multiplexed across every
// Device on the bus, plus the BAR I/O windows those devices claim.
type PCI struct {
	addr    address
	Devices []Device

	bridge   Device
	barProbe bool
}

// New builds a PCI bus rooted at the given host-to-PCI bridge, with devices
// enumerated at successive device numbers behind it.
func New(bridge Device, devices ...Device) *PCI {
	return &PCI{
		addr:    0,
		Devices: devices,
		bridge:  bridge,
	}
}

func (p *PCI) deviceFor(addr address) Device {
	if addr.getDeviceNumber() == 0 {
		return p.bridge
	}

	idx := int(addr.getDeviceNumber()) - 1
	if idx < 0 || idx >= len(p.Devices) {
		return nil
	}

	return p.Devices[idx]
}

// barRegister reports whether off addresses one of the six 32-bit BAR
// registers in the standard configuration header.
func barRegister(off uint32) bool {
	return off >= 0x10 && off <= 0x24 && (off-0x10)%4 == 0
}

func (p *PCI) PciConfDataIn(port uint64, values []byte) error {
	dev := p.deviceFor(p.addr)
	if dev == nil {
		return nil
	}

	off := p.addr.getRegisterOffset()

	if p.barProbe && barRegister(off) {
		p.barProbe = false

		start, end := dev.GetIORange()
		copy(values, NumToBytes(SizeToBits(end-start)))

		return nil
	}

	hdr, err := dev.GetDeviceHeader().Bytes()
	if err != nil {
		return err
	}

	if int(off)+len(values) > len(hdr) {
		return nil
	}

	copy(values, hdr[off:int(off)+len(values)])

	return nil
}

func (p *PCI) PciConfDataOut(port uint64, values []byte) error {
	dev := p.deviceFor(p.addr)
	if dev == nil {
		return nil
	}

	off := p.addr.getRegisterOffset()

	if barRegister(off) && BytesToNum(values) == 0xffffffff {
		p.barProbe = true

		return nil
	}

	p.barProbe = false

	start, end := dev.GetIORange()
	if start == end {
		return nil
	}

	return dev.IOOutHandler(port, values)
}

func (p *PCI) PciConfAddrIn(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	values[3] = uint8((p.addr >> 24) & 0xff)
	values[2] = uint8((p.addr >> 16) & 0xff)
	values[1] = uint8((p.addr >> 8) & 0xff)
	values[0] = uint8((p.addr >> 0) & 0xff)

	return nil
}

func (p *PCI) PciConfAddrOut(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	x := uint32(0)
	x |= uint32(values[3]) << 24
	x |= uint32(values[2]) << 16
	x |= uint32(values[1]) << 8
	x |= uint32(values[0]) << 0

	p.addr = address(x)

	return nil
}
