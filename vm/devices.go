package vm

import (
	"github.com/vmxcore/hypervisor/acpi"
	"github.com/vmxcore/hypervisor/iodev"
	"github.com/vmxcore/hypervisor/ioreq"
	"github.com/vmxcore/hypervisor/pci"
	"github.com/vmxcore/hypervisor/serial"
)

// portDevice is the byte-slice read/write shape every in-HV port device
// presents; iodev.PortDevice and the UART both satisfy it.
type portDevice interface {
	Read(port uint64, data []byte) error
	Write(port uint64, data []byte) error
}

// pioAdapter bridges a byte-slice port device into the ioreq slot table.
func pioAdapter(dev portDevice) ioreq.PioHandler {
	return func(port uint16, dir ioreq.Direction, size int, value *uint32) (bool, error) {
		data := make([]byte, size)

		if dir == ioreq.Write {
			for i := 0; i < size; i++ {
				data[i] = byte(*value >> (8 * i))
			}

			return true, dev.Write(uint64(port), data)
		}

		if err := dev.Read(uint64(port), data); err != nil {
			return true, err
		}

		*value = 0
		for i := 0; i < size; i++ {
			*value |= uint32(data[i]) << (8 * i)
		}

		return true, nil
	}
}

// InjectSerialIRQ satisfies serial.IRQInjector: COM1 interrupts arrive
// on its IOAPIC pin.
func (v *Vm) InjectSerialIRQ() error {
	return v.VIOAPIC.PulseIRQ(serial.COM1IRQ)
}

// Platform port assignments.
const (
	pm1Base = 0x600

	pciConfAddrPort = 0xCF8
	pciConfDataPort = 0xCFC

	ioDelayPort = 0xED
)

// registerPortDevice installs dev over its claimed range.
func (v *Vm) registerPortDevice(dev iodev.PortDevice) error {
	base := uint16(dev.PortBase())

	return v.IO.RegisterPio(base, base+uint16(dev.PortCount())-1, pioAdapter(dev))
}

// wireDevices populates the port-I/O slot table with the minimal device
// surface this core traps in-hypervisor: COM1, the debug port, the PM1
// blocks, the I/O-delay port, and the PCI configuration mechanism.
// Anything else defers to the Service VM through the shared page.
func (v *Vm) wireDevices() error {
	com1 := serial.New(v)
	v.Serial = com1

	if err := v.IO.RegisterPio(serial.COM1Base, serial.COM1Base+serial.COM1Ports-1, pioAdapter(com1)); err != nil {
		return err
	}

	if err := v.registerPortDevice(&iodev.DebugPort{}); err != nil {
		return err
	}

	pm := &iodev.PM1{Base: pm1Base, OnPowerOff: v.powerOff}
	if err := v.registerPortDevice(pm); err != nil {
		return err
	}

	if err := v.registerPortDevice(&iodev.Discard{Base: ioDelayPort, Count: 1}); err != nil {
		return err
	}

	bus := pci.New(pci.NewBridge())
	v.PCI = bus

	addrDev := pciPortDevice{in: bus.PciConfAddrIn, out: bus.PciConfAddrOut}
	if err := v.IO.RegisterPio(pciConfAddrPort, pciConfAddrPort+3, pioAdapter(addrDev)); err != nil {
		return err
	}

	dataDev := pciPortDevice{in: bus.PciConfDataIn, out: bus.PciConfDataOut}
	if err := v.IO.RegisterPio(pciConfDataPort, pciConfDataPort+3, pioAdapter(dataDev)); err != nil {
		return err
	}

	return v.IO.RegisterMMIO(vioapicBase, vioapicBase+vioapicSize, true, v.vioapicMMIO)
}

// pciPortDevice adapts the PCI bus's func-pair convention to portDevice.
type pciPortDevice struct {
	in  func(port uint64, values []byte) error
	out func(port uint64, values []byte) error
}

func (p pciPortDevice) Read(port uint64, data []byte) error  { return p.in(port, data) }
func (p pciPortDevice) Write(port uint64, data []byte) error { return p.out(port, data) }

// Virtual IOAPIC MMIO window.
const (
	vioapicBase = uint64(0xFEC00000)
	vioapicSize = uint64(0x100)
)

const xapicMMIOBase = 0xFEE00000

// vioapicMMIO routes the ioregsel/iowin window into the vIOAPIC.
func (v *Vm) vioapicMMIO(gpa uint64, dir ioreq.Direction, size int, value *uint64) (bool, error) {
	offset := uint32(gpa - vioapicBase)

	if dir == ioreq.Write {
		return true, v.VIOAPIC.MMIOWrite(offset, uint32(*value))
	}

	val, err := v.VIOAPIC.MMIORead(offset)
	if err != nil {
		return true, err
	}

	*value = uint64(val)

	return true, nil
}

// acpiTableBase is where the guest-visible ACPI tables land in guest
// memory, the traditional EBDA-adjacent window. The RSDP goes first so
// a scanning guest finds it at the window's base.
const acpiTableBase = uint64(0xE0000)

const sciInterrupt = 9

// seedACPITables writes the RSDP, XSDT, MADT, FADT, and DSDT into guest
// memory: the MADT names every vCPU and the virtual IOAPIC, the FADT
// points at the trapped PM1 blocks, and the DSDT's AML names the S5
// package those blocks act on plus the COM1 device.
func (v *Vm) seedACPITables() error {
	// A guest too small to hold the table window boots without ACPI.
	if v.mem.Size() < acpiTableBase+0x10000 {
		return nil
	}

	const oemid, oemtableid = "VMXCOR", "VMXHV"

	madt := &acpi.MADT{
		OEMID:         oemid,
		OEMTableID:    oemtableid,
		LocalAPICAddr: xapicMMIOBase,
	}

	for _, vc := range v.VCpus {
		madt.AddProcessor(uint8(vc.ID), uint8(vc.VLAPIC.APICID), true)
	}

	madt.AddIOAPIC(0, uint32(vioapicBase), 0)

	dsdt := &acpi.DSDT{
		OEMID:       oemid,
		OEMTableID:  oemtableid,
		S5SleepType: iodev.S5SleepType,
		COM1Base:    serial.COM1Base,
		COM1IRQ:     serial.COM1IRQ,
	}

	// Lay tables out after the RSDP, 64-byte aligned, collecting the
	// XSDT entries as their addresses settle.
	next := acpiTableBase + 64

	write := func(b []byte) (uint64, error) {
		at := next
		if err := v.WriteGPA(at, b); err != nil {
			return 0, err
		}

		next += (uint64(len(b)) + 63) &^ 63

		return at, nil
	}

	mb, err := madt.ToBytes()
	if err != nil {
		return err
	}

	madtAt, err := write(mb)
	if err != nil {
		return err
	}

	db, err := dsdt.ToBytes()
	if err != nil {
		return err
	}

	dsdtAt, err := write(db)
	if err != nil {
		return err
	}

	fadt := &acpi.FADT{
		OEMID:        oemid,
		OEMTableID:   oemtableid,
		SCIInterrupt: sciInterrupt,
		PM1aEvent:    acpi.PMBlock{Base: pm1Base, Len: iodev.PM1EventLen},
		PM1aControl:  acpi.PMBlock{Base: pm1Base + iodev.PM1EventLen, Len: iodev.PM1ControlLen},
		DSDTAddr:     uint32(dsdtAt),
		Flags:        acpi.FADTWBINVD | acpi.FADTProcC1,
	}

	fb, err := fadt.ToBytes()
	if err != nil {
		return err
	}

	fadtAt, err := write(fb)
	if err != nil {
		return err
	}

	xsdt := &acpi.XSDT{
		OEMID:      oemid,
		OEMTableID: oemtableid,
		Entries:    []uint64{fadtAt, madtAt},
	}

	xb, err := xsdt.ToBytes()
	if err != nil {
		return err
	}

	xsdtAt, err := write(xb)
	if err != nil {
		return err
	}

	rsdp := &acpi.RSDP{OEMID: oemid, XSDTAddr: xsdtAt}

	rb, err := rsdp.ToBytes()
	if err != nil {
		return err
	}

	return v.WriteGPA(acpiTableBase, rb)
}
