package vm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Slab is the anonymous mapping backing one VM's guest memory, indexed by
// host-physical address the way the EPT leaves resolve it. Mmap rather
// than make keeps the pages demand-zeroed and lets a huge MemSize stay
// unbacked until the guest touches it.
type Slab struct {
	data []byte
}

// NewSlab maps size bytes of anonymous memory.
func NewSlab(size uint64) (*Slab, error) {
	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("vm: mmap %d bytes: %w", size, err)
	}

	return &Slab{data: data}, nil
}

// Size returns the slab length in bytes.
func (s *Slab) Size() uint64 { return uint64(len(s.data)) }

// Base returns the host virtual address of the slab's first byte, for
// cache-line flushes over the guest's memory.
func (s *Slab) Base() uintptr {
	if len(s.data) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&s.data[0]))
}

// Read copies len(buf) bytes at hpa into buf.
func (s *Slab) Read(hpa uint64, buf []byte) error {
	if hpa+uint64(len(buf)) > uint64(len(s.data)) {
		return fmt.Errorf("vm: read [%#x, +%d) outside slab of %d bytes", hpa, len(buf), len(s.data))
	}

	copy(buf, s.data[hpa:])

	return nil
}

// Write copies buf to hpa.
func (s *Slab) Write(hpa uint64, buf []byte) error {
	if hpa+uint64(len(buf)) > uint64(len(s.data)) {
		return fmt.Errorf("vm: write [%#x, +%d) outside slab of %d bytes", hpa, len(buf), len(s.data))
	}

	copy(s.data[hpa:], buf)

	return nil
}

// Close unmaps the slab.
func (s *Slab) Close() error {
	if s.data == nil {
		return nil
	}

	err := unix.Munmap(s.data)
	s.data = nil

	return err
}
