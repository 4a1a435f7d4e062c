package vioapic_test

import (
	"testing"

	"github.com/vmxcore/hypervisor/vioapic"
)

type delivery struct {
	dest    uint32
	vector  uint8
	level   bool
}

func newTestIOAPIC() (*vioapic.VIOAPIC, *[]delivery) {
	var log []delivery
	v := vioapic.New(func(dest uint32, destMode bool, vector uint8, level bool) {
		log = append(log, delivery{dest, vector, level})
	})

	return v, &log
}

func unmaskPin(t *testing.T, v *vioapic.VIOAPIC, pin int, vector uint8, level bool) {
	t.Helper()

	low := uint32(vector)
	if level {
		low |= 1 << 15
	}

	if err := v.MMIOWrite(0x00, uint32(0x10+pin*2)); err != nil {
		t.Fatalf("select low: %v", err)
	}

	if err := v.MMIOWrite(0x10, low); err != nil {
		t.Fatalf("write low: %v", err)
	}
}

func TestPulseIRQEdgeDelivers(t *testing.T) {
	t.Parallel()

	v, log := newTestIOAPIC()
	unmaskPin(t, v, 4, 0x30, false)

	if err := v.PulseIRQ(4); err != nil {
		t.Fatalf("PulseIRQ: %v", err)
	}

	if len(*log) != 1 || (*log)[0].vector != 0x30 {
		t.Fatalf("log = %+v, want one delivery of vector 0x30", *log)
	}
}

func TestMaskedPinDropsPulse(t *testing.T) {
	t.Parallel()

	v, log := newTestIOAPIC()
	// leave masked (reset state)

	if err := v.PulseIRQ(5); err != nil {
		t.Fatalf("PulseIRQ: %v", err)
	}

	if len(*log) != 0 {
		t.Fatalf("expected no delivery on masked pin, got %+v", *log)
	}
}

func TestAssertIRQLevelSetsRemoteIRR(t *testing.T) {
	t.Parallel()

	v, log := newTestIOAPIC()
	unmaskPin(t, v, 9, 0x41, true)

	if err := v.AssertIRQ(9); err != nil {
		t.Fatalf("AssertIRQ: %v", err)
	}

	if len(*log) != 1 || !(*log)[0].level {
		t.Fatalf("expected one level delivery, got %+v", *log)
	}

	// Second assert while already asserted must not redeliver.
	if err := v.AssertIRQ(9); err != nil {
		t.Fatalf("AssertIRQ: %v", err)
	}

	if len(*log) != 1 {
		t.Fatalf("expected no redelivery while remote-IRR pending, got %+v", *log)
	}

	v.EOI(0x41)

	if len(*log) != 2 {
		t.Fatalf("expected redelivery on EOI while still asserted, got %+v", *log)
	}
}

func TestDeassertThenEOIDoesNotRedeliver(t *testing.T) {
	t.Parallel()

	v, log := newTestIOAPIC()
	unmaskPin(t, v, 10, 0x50, true)

	_ = v.AssertIRQ(10)
	_ = v.DeassertIRQ(10)

	v.EOI(0x50)

	if len(*log) != 1 {
		t.Fatalf("expected exactly the initial delivery, got %+v", *log)
	}
}

func TestIoregselRoundTrip(t *testing.T) {
	t.Parallel()

	v, _ := newTestIOAPIC()

	if err := v.MMIOWrite(0x00, 0x12); err != nil {
		t.Fatalf("write ioregsel: %v", err)
	}

	got, err := v.MMIORead(0x00)
	if err != nil {
		t.Fatalf("read ioregsel: %v", err)
	}

	if got != 0x12 {
		t.Fatalf("ioregsel = %#x, want 0x12", got)
	}
}
