package acpi

import "fmt"

// DSDT builds the Differentiated System Description Table with the small
// AML body this platform needs: the \_S5_ sleep package naming the
// SLP_TYP value the PM1 control block shuts down on, and a COM1 device
// declaring the UART's fixed port range and IRQ.
type DSDT struct {
	OEMID      string
	OEMTableID string

	// S5SleepType is the SLP_TYP value \_S5_ advertises; a guest writes
	// it with SLP_EN set into PM1a_CNT to power off.
	S5SleepType uint8

	COM1Base uint16
	COM1IRQ  uint8
}

// AML opcodes this emitter uses.
const (
	amlZeroOp     = 0x00
	amlOneOp      = 0x01
	amlNameOp     = 0x08
	amlBytePrefix = 0x0A
	amlDWordPrefix = 0x0C
	amlBufferOp   = 0x11
	amlPackageOp  = 0x12
	amlExtOpPrefix = 0x5B
	amlDeviceOp   = 0x82
	amlRootChar   = 0x5C
)

// Small-resource descriptor tags.
const (
	resTagIO     = 0x47
	resTagIRQ    = 0x22
	resTagEnd    = 0x79
	resIODecode16 = 0x01
)

// pkgLength encodes AML's PkgLength for body, which counts the encoding
// bytes themselves; one byte up to 0x3F total, two bytes beyond.
func pkgLength(body []byte) []byte {
	if len(body)+1 <= 0x3F {
		return []byte{byte(len(body) + 1)}
	}

	total := len(body) + 2

	return []byte{0x40 | byte(total&0xF), byte(total >> 4)}
}

// eisaID compresses a 7-character EISA id ("PNP0501") into its 4-byte
// AML DWord encoding: three 5-bit letters then four hex digits.
func eisaID(id string) ([]byte, error) {
	if len(id) != 7 {
		return nil, fmt.Errorf("acpi: EISA id %q must be 7 characters", id)
	}

	v := uint16(id[0]-0x40)<<10 | uint16(id[1]-0x40)<<5 | uint16(id[2]-0x40)

	var digits [2]byte

	for i := 0; i < 4; i++ {
		d := hexVal(id[3+i])
		if d < 0 {
			return nil, fmt.Errorf("acpi: EISA id %q has a bad hex digit", id)
		}

		digits[i/2] = digits[i/2]<<4 | byte(d)
	}

	return []byte{byte(v >> 8), byte(v), digits[0], digits[1]}, nil
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}

	return -1
}

// amlName emits Name(name, value) where value is already encoded.
func amlName(name string, value []byte) []byte {
	out := []byte{amlNameOp}
	out = append(out, name...)

	return append(out, value...)
}

// s5Package emits \_S5_ = Package(2){ sleepType, 0 }.
func (d *DSDT) s5Package() []byte {
	elements := []byte{2, amlBytePrefix, d.S5SleepType, amlZeroOp}

	pkg := []byte{amlPackageOp}
	pkg = append(pkg, pkgLength(elements)...)
	pkg = append(pkg, elements...)

	out := []byte{amlNameOp, amlRootChar}
	out = append(out, "_S5_"...)

	return append(out, pkg...)
}

// com1Device emits Device(COM1) with _HID PNP0501, _UID 1, and a _CRS
// buffer carrying the port range and IRQ descriptors.
func (d *DSDT) com1Device() ([]byte, error) {
	hid, err := eisaID("PNP0501")
	if err != nil {
		return nil, err
	}

	resources := []byte{
		resTagIO, resIODecode16,
		byte(d.COM1Base), byte(d.COM1Base >> 8),
		byte(d.COM1Base), byte(d.COM1Base >> 8),
		1, 8,
	}

	irqMask := uint16(1) << d.COM1IRQ
	resources = append(resources, resTagIRQ, byte(irqMask), byte(irqMask>>8))
	resources = append(resources, resTagEnd, 0)

	bufBody := append([]byte{amlBytePrefix, byte(len(resources))}, resources...)

	buf := []byte{amlBufferOp}
	buf = append(buf, pkgLength(bufBody)...)
	buf = append(buf, bufBody...)

	body := []byte("COM1")
	body = append(body, amlName("_HID", append([]byte{amlDWordPrefix}, hid...))...)
	body = append(body, amlName("_UID", []byte{amlOneOp})...)
	body = append(body, amlName("_CRS", buf)...)

	dev := []byte{amlExtOpPrefix, amlDeviceOp}
	dev = append(dev, pkgLength(body)...)

	return append(dev, body...), nil
}

// ToBytes encodes the DSDT with its AML body, length, and checksum.
func (d *DSDT) ToBytes() ([]byte, error) {
	b, err := newTable("DSDT", 6, d.OEMID, d.OEMTableID)
	if err != nil {
		return nil, err
	}

	b = append(b, d.s5Package()...)

	com1, err := d.com1Device()
	if err != nil {
		return nil, err
	}

	b = append(b, com1...)

	return finalize(b), nil
}
