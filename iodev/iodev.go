// Package iodev holds the small in-hypervisor port devices the port-I/O
// slot table traps without deferring to the Service VM: the fixed ACPI
// PM1 register blocks, the POST debug port, and a discard device for
// ports that only need to be swallowed.
package iodev

import "errors"

// PortDevice is the shape every in-hypervisor port device presents: a
// byte-slice read/write at an absolute port, plus the range it claims.
type PortDevice interface {
	Read(port uint64, data []byte) error
	Write(port uint64, data []byte) error
	PortBase() uint64
	PortCount() uint64
}

// ErrBadAccessWidth is returned when a guest accesses a register with a
// width the device does not decode.
var ErrBadAccessWidth = errors.New("iodev: invalid access width for port")
