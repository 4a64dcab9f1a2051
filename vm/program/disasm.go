package program

import (
	"fmt"
	"strings"
)

func formatImm(v int64) string {
	if v < 0 {
		return fmt.Sprintf("-0x%x", uint64(-v))
	}
	return fmt.Sprintf("0x%x", v)
}

func formatOff(off int16) string {
	if off < 0 {
		return fmt.Sprintf("%d", off)
	}
	return fmt.Sprintf("+%d", off)
}

func formatMem(reg uint8, off int16) string {
	return fmt.Sprintf("[r%d%s]", reg, formatOff(off))
}

// String renders the instruction in assembler syntax. Assembling the result
// yields the same encoding.
func (i Instruction) String() string {
	spec := i.Spec()
	if spec == nil {
		return fmt.Sprintf("unknown 0x%02x", i.Opc)
	}
	switch spec.Kind {
	case KindALU:
		if spec.ALU == ALUNeg {
			return fmt.Sprintf("%s r%d", spec.Name, i.Dst)
		}
		if spec.SrcReg {
			return fmt.Sprintf("%s r%d, r%d", spec.Name, i.Dst, i.Src)
		}
		return fmt.Sprintf("%s r%d, %s", spec.Name, i.Dst, formatImm(i.Imm))
	case KindEndian:
		return fmt.Sprintf("%s%d r%d", spec.Name, i.Imm, i.Dst)
	case KindLoadImm64:
		return fmt.Sprintf("%s r%d, 0x%x", spec.Name, i.Dst, uint64(i.Imm))
	case KindLoad:
		return fmt.Sprintf("%s r%d, %s", spec.Name, i.Dst, formatMem(i.Src, i.Off))
	case KindStoreImm:
		return fmt.Sprintf("%s %s, %s", spec.Name, formatMem(i.Dst, i.Off), formatImm(i.Imm))
	case KindStoreReg:
		return fmt.Sprintf("%s %s, r%d", spec.Name, formatMem(i.Dst, i.Off), i.Src)
	case KindLoadAbs:
		return fmt.Sprintf("%s %s", spec.Name, formatImm(i.Imm))
	case KindLoadInd:
		return fmt.Sprintf("%s r%d, %s", spec.Name, i.Src, formatImm(i.Imm))
	case KindJump:
		if spec.Cond == CondAlways {
			return fmt.Sprintf("%s %s", spec.Name, formatOff(i.Off))
		}
		if spec.SrcReg {
			return fmt.Sprintf("%s r%d, r%d, %s", spec.Name, i.Dst, i.Src, formatOff(i.Off))
		}
		return fmt.Sprintf("%s r%d, %s, %s", spec.Name, i.Dst, formatImm(i.Imm), formatOff(i.Off))
	case KindCall:
		return fmt.Sprintf("%s 0x%x", spec.Name, uint32(i.Imm))
	case KindCallReg:
		return fmt.Sprintf("%s r%d", spec.Name, i.Imm)
	case KindExit:
		return spec.Name
	}
	return fmt.Sprintf("unknown 0x%02x", i.Opc)
}

// Disassemble renders a slot-indexed instruction list, one line per
// instruction, skipping lddw second slots.
func Disassemble(insns []Instruction) string {
	var sb strings.Builder
	for pc := 0; pc < len(insns); pc++ {
		sb.WriteString(insns[pc].String())
		sb.WriteByte('\n')
		if insns[pc].IsWide() {
			pc++
		}
	}
	return sb.String()
}
