package exitdispatch

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ErrNotMMIOInsn is returned when the instruction at the faulting RIP is
// not a memory move this emulator understands.
var ErrNotMMIOInsn = errors.New("exitdispatch: instruction is not an emulatable memory access")

// MMIOInsn is the decoded shape of the instruction that faulted on an
// EPT violation: access width, total encoded length for RIP advancement,
// and the register operand the value moves to or from.
type MMIOInsn struct {
	Size int // access width in bytes
	Len  int // encoded instruction length
	Reg  x86asm.Reg
	Imm  int64
	IsImm bool
}

// gprIndex maps an x86asm register to its RunContext GPR slot.
func gprIndex(r x86asm.Reg) (int, bool) {
	switch r {
	case x86asm.AL, x86asm.AX, x86asm.EAX, x86asm.RAX:
		return GprRAX, true
	case x86asm.CL, x86asm.CX, x86asm.ECX, x86asm.RCX:
		return GprRCX, true
	case x86asm.DL, x86asm.DX, x86asm.EDX, x86asm.RDX:
		return GprRDX, true
	case x86asm.BL, x86asm.BX, x86asm.EBX, x86asm.RBX:
		return GprRBX, true
	case x86asm.SP, x86asm.ESP, x86asm.RSP:
		return GprRSP, true
	case x86asm.BP, x86asm.EBP, x86asm.RBP:
		return GprRBP, true
	case x86asm.SI, x86asm.ESI, x86asm.RSI:
		return GprRSI, true
	case x86asm.DI, x86asm.EDI, x86asm.RDI:
		return GprRDI, true
	case x86asm.R8B, x86asm.R8L, x86asm.R8W, x86asm.R8:
		return 8, true
	case x86asm.R9B, x86asm.R9L, x86asm.R9W, x86asm.R9:
		return 9, true
	case x86asm.R10B, x86asm.R10L, x86asm.R10W, x86asm.R10:
		return 10, true
	case x86asm.R11B, x86asm.R11L, x86asm.R11W, x86asm.R11:
		return 11, true
	case x86asm.R12B, x86asm.R12L, x86asm.R12W, x86asm.R12:
		return 12, true
	case x86asm.R13B, x86asm.R13L, x86asm.R13W, x86asm.R13:
		return 13, true
	case x86asm.R14B, x86asm.R14L, x86asm.R14W, x86asm.R14:
		return 14, true
	case x86asm.R15B, x86asm.R15L, x86asm.R15W, x86asm.R15:
		return 15, true
	}

	return 0, false
}

// DecodeMMIO decodes the instruction bytes at the faulting RIP into the
// access width, length, and value register via x86asm.Decode. Only MOV
// forms are accepted; anything else is undecodable for MMIO purposes.
func DecodeMMIO(insn []byte, isWrite bool) (*MMIOInsn, error) {
	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return nil, fmt.Errorf("decoding %#02x: %w", insn, err)
	}

	if d.Op != x86asm.MOV && d.Op != x86asm.MOVZX && d.Op != x86asm.MOVSX {
		return nil, fmt.Errorf("%w: %v", ErrNotMMIOInsn, d.Op)
	}

	out := &MMIOInsn{
		Size: d.MemBytes,
		Len:  d.Len,
	}

	// For a write the source is args[1]; for a read the destination is
	// args[0]. The memory operand occupies the other slot.
	operand := d.Args[0]
	if isWrite {
		operand = d.Args[1]
	}

	switch a := operand.(type) {
	case x86asm.Reg:
		out.Reg = a
		if _, ok := gprIndex(a); !ok {
			return nil, fmt.Errorf("%w: register %v", ErrNotMMIOInsn, a)
		}
	case x86asm.Imm:
		if !isWrite {
			return nil, fmt.Errorf("%w: immediate destination", ErrNotMMIOInsn)
		}

		out.Imm = int64(a)
		out.IsImm = true
	default:
		return nil, fmt.Errorf("%w: operand %v", ErrNotMMIOInsn, operand)
	}

	return out, nil
}

func widthMask64(size int) uint64 {
	switch size {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	case 4:
		return 0xFFFFFFFF
	default:
		return ^uint64(0)
	}
}

// SourceValue extracts the store's source value from the GPR file (or the
// immediate), masked to the access width.
func (m *MMIOInsn) SourceValue(gprs *[16]uint64) uint64 {
	if m.IsImm {
		return uint64(m.Imm) & widthMask64(m.Size)
	}

	idx, _ := gprIndex(m.Reg)

	return gprs[idx] & widthMask64(m.Size)
}

// WriteDest splices a completed read's value into the destination
// register at the access width; 32-bit destinations zero-extend per the
// architecture.
func (m *MMIOInsn) WriteDest(gprs *[16]uint64, val uint64) {
	if m.IsImm {
		return
	}

	idx, _ := gprIndex(m.Reg)

	switch m.Size {
	case 1:
		gprs[idx] = (gprs[idx] &^ 0xFF) | val&0xFF
	case 2:
		gprs[idx] = (gprs[idx] &^ 0xFFFF) | val&0xFFFF
	case 4:
		gprs[idx] = val & 0xFFFFFFFF
	default:
		gprs[idx] = val
	}
}
