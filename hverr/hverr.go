// Package hverr carries the small error-kind taxonomy every other package in
// this repository reports failures through: one sentinel-style wrapped error
// carrying a Kind, so callers can dispatch on *kind* (inject a guest
// exception, shut down a VM, return a hypercall errno, panic at boot)
// without each package inventing its own switch.
package hverr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed and what the caller's recovery
// policy should be.
type Kind int

const (
	// GuestFault: invalid CR0/CR4 write, XSETBV out of range, undefined
	// opcode — inject #GP/#UD/#PF into the guest.
	GuestFault Kind = iota
	// GuestPanic: triple fault, EPT misconfiguration on a live leaf —
	// shut down the owning VM.
	GuestPanic
	// HvInternal: gpa2hpa miss during hypercall param copy, MMIO region
	// registered after launch — return an errno from the hypercall, log,
	// keep the hypervisor alive.
	HvInternal
	// HwUnsupported: a required feature is missing at boot — panic in
	// pCPU bring-up, the hypervisor does not continue.
	HwUnsupported
	// CapacityFault: MMIO table, MSR area, or SIPI timeout exceeded —
	// return an error; SIPI timeout marks the pCPU Dead and continues.
	CapacityFault
	// TransitionViolation: illegal world switch, double Trusty init —
	// return false, leave the guest in its prior context.
	TransitionViolation
)

func (k Kind) String() string {
	switch k {
	case GuestFault:
		return "GuestFault"
	case GuestPanic:
		return "GuestPanic"
	case HvInternal:
		return "HvInternal"
	case HwUnsupported:
		return "HwUnsupported"
	case CapacityFault:
		return "CapacityFault"
	case TransitionViolation:
		return "TransitionViolation"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with the Kind that determines how its
// caller must react. It supports errors.Is/errors.As through Unwrap.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with kind. If err is nil, New returns nil so callers can
// write `return hverr.New(hverr.GuestFault, checkSomething())` without an
// extra nil check.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Err: err}
}

// Newf builds a new Error from a format string, mirroring fmt.Errorf.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if errors.As(err, &e) {
			if e.Kind == kind {
				return true
			}

			err = errors.Unwrap(e)

			continue
		}

		return false
	}

	return false
}

// KindOf returns the Kind of the outermost hverr.Error in err's chain, and
// false if err does not wrap one.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}

	return 0, false
}
