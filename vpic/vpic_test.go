package vpic

import "testing"

func programMaster(v *VPIC, vectorBase uint8) {
	v.Master.WriteCommand(0x11) // ICW1: edge, cascade, ICW4 needed
	v.Master.WriteData(vectorBase)
	v.Master.WriteData(0x04) // ICW3: slave on IRQ2
	v.Master.WriteData(0x01) // ICW4: 8086 mode
	v.Master.WriteData(0xFF)
	v.Master.WriteData(0xFE) // unmask IRQ0
}

func TestExtINTDeliveryAndAck(t *testing.T) {
	t.Parallel()

	v := New()
	programMaster(v, 0x08)

	v.RaiseIRQ(0)

	if !v.ExtINTPending {
		t.Fatal("expected ExtINTPending after raising unmasked IRQ0")
	}

	vec, ok := v.AckExtINT()
	if !ok || vec != 0x08 {
		t.Fatalf("AckExtINT = %#x,%v, want 0x08,true", vec, ok)
	}

	if v.ExtINTPending {
		t.Fatal("ExtINTPending should clear after ack with no other lines raised")
	}
}

func TestMaskedIRQDoesNotAssert(t *testing.T) {
	t.Parallel()

	v := New()
	programMaster(v, 0x08)

	v.RaiseIRQ(1) // IRQ1 still masked (only IRQ0 unmasked above)

	if v.ExtINTPending {
		t.Fatal("masked IRQ1 must not trigger ExtINT delivery")
	}
}

func TestSlaveCascadeRaisesMasterLine2(t *testing.T) {
	t.Parallel()

	v := New()
	programMaster(v, 0x08)

	v.Slave.WriteCommand(0x11)
	v.Slave.WriteData(0x70)
	v.Slave.WriteData(0x02)
	v.Slave.WriteData(0x01)
	v.Slave.WriteData(0xFE) // unmask slave IRQ8 (line 0 on slave)

	v.RaiseIRQ(8)

	if v.Master.irr&(1<<2) == 0 {
		t.Fatal("cascade IRQ8 must raise master's IRQ2 line")
	}

	if !v.ExtINTPending {
		t.Fatal("expected ExtINTPending from slave-delivered vector")
	}

	vec, ok := v.AckExtINT()
	if !ok || vec != 0x70 {
		t.Fatalf("AckExtINT = %#x,%v, want 0x70,true", vec, ok)
	}
}

func TestNonSpecificEOIClearsHighestISR(t *testing.T) {
	t.Parallel()

	v := New()
	programMaster(v, 0x08)

	v.RaiseIRQ(0)
	_, _ = v.AckExtINT()

	if v.Master.ReadData() != 0xFE {
		t.Fatalf("ReadData (imr) = %#x, want 0xFE", v.Master.ReadData())
	}

	v.Master.WriteCommand(0x20) // non-specific EOI
}
