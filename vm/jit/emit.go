package jit

import (
	"encoding/binary"
)

// rex returns the REX prefix for a reg/rm pair, or 0 when none is needed.
func rex(w bool, reg, rm X86Reg) byte {
	var b byte
	if w {
		b |= X86_REX_W
	}
	if reg.REXBit == 1 {
		b |= X86_REX_R
	}
	if rm.REXBit == 1 {
		b |= X86_REX_B
	}
	if b == 0 {
		return 0
	}
	return X86_OP_REX | b
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | rm&7
}

func appendRex(code []byte, w bool, reg, rm X86Reg) []byte {
	if p := rex(w, reg, rm); p != 0 {
		code = append(code, p)
	}
	return code
}

func appendU32(code []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(code, v)
}

// emitRegReg encodes op with a register-direct ModRM.
func emitRegReg(code []byte, w bool, op []byte, reg, rm X86Reg) []byte {
	code = appendRex(code, w, reg, rm)
	code = append(code, op...)
	return append(code, modrm(X86_MOD_REGISTER, reg.RegBits, rm.RegBits))
}

// emitMem encodes op with a [base + disp] operand, choosing the shortest
// displacement form.
func emitMem(code []byte, w bool, op []byte, reg, base X86Reg, disp int32) []byte {
	code = appendRex(code, w, reg, base)
	code = append(code, op...)
	mod := byte(X86_MOD_INDIRECT_DISP32)
	switch {
	case disp == 0 && base.RegBits != 5:
		mod = X86_MOD_INDIRECT
	case disp >= -128 && disp <= 127:
		mod = X86_MOD_INDIRECT_DISP8
	}
	code = append(code, modrm(mod, reg.RegBits, base.RegBits))
	if base.RegBits == 4 {
		// rsp/r12 as base need a SIB byte with no index
		code = append(code, 0x24)
	}
	switch mod {
	case X86_MOD_INDIRECT_DISP8:
		code = append(code, byte(int8(disp)))
	case X86_MOD_INDIRECT_DISP32:
		code = appendU32(code, uint32(disp))
	}
	return code
}

// mov dst, src
func emitMovRegToReg(code []byte, w bool, dst, src X86Reg) []byte {
	return emitRegReg(code, w, []byte{X86_OP_MOV_RM_R}, src, dst)
}

// mov dst, imm64
func emitMovImm64(code []byte, dst X86Reg, imm uint64) []byte {
	code = append(code, X86_OP_REX|X86_REX_W|dst.REXBit, X86_OP_MOV_R_IMM+dst.RegBits)
	return binary.LittleEndian.AppendUint64(code, imm)
}

// mov dst, imm32: sign-extended for 64-bit, zero-extended for 32-bit.
func emitMovImm32(code []byte, w bool, dst X86Reg, imm int32) []byte {
	if w {
		code = emitRegReg(code, true, []byte{X86_OP_MOV_RM_IMM}, ext(0), dst)
		return appendU32(code, uint32(imm))
	}
	code = appendRex(code, false, X86Reg{}, dst)
	code = append(code, X86_OP_MOV_R_IMM+dst.RegBits)
	return appendU32(code, uint32(imm))
}

// op dst, src for the 0x01-style r/m, r forms (add, sub, or, and, xor, cmp, test).
func emitAluRegReg(code []byte, w bool, op byte, dst, src X86Reg) []byte {
	return emitRegReg(code, w, []byte{op}, src, dst)
}

// group 1 op dst, imm32
func emitAluImm(code []byte, w bool, sub byte, dst X86Reg, imm int32) []byte {
	code = emitRegReg(code, w, []byte{X86_OP_GROUP1_RM_IMM32}, ext(sub), dst)
	return appendU32(code, uint32(imm))
}

// group 1 op dst, imm8
func emitAluImm8(code []byte, w bool, sub byte, dst X86Reg, imm int8) []byte {
	code = emitRegReg(code, w, []byte{X86_OP_GROUP1_RM_IMM8}, ext(sub), dst)
	return append(code, byte(imm))
}

// test dst, imm32
func emitTestImm(code []byte, w bool, dst X86Reg, imm int32) []byte {
	code = emitRegReg(code, w, []byte{X86_OP_GROUP3_RM}, ext(X86_REG_TEST), dst)
	return appendU32(code, uint32(imm))
}

// imul dst, src
func emitImulRegReg(code []byte, w bool, dst, src X86Reg) []byte {
	return emitRegReg(code, w, []byte{X86_PREFIX_0F, X86_OP2_IMUL_R_RM}, dst, src)
}

// imul dst, dst, imm32
func emitImulImm(code []byte, w bool, dst X86Reg, imm int32) []byte {
	code = emitRegReg(code, w, []byte{X86_OP_IMUL_R_RM_IMM}, dst, dst)
	return appendU32(code, uint32(imm))
}

// group 3 unary op (neg, div) on reg
func emitUnary(code []byte, w bool, sub byte, reg X86Reg) []byte {
	return emitRegReg(code, w, []byte{X86_OP_GROUP3_RM}, ext(sub), reg)
}

// shift dst, imm8
func emitShiftImm(code []byte, w bool, sub byte, dst X86Reg, n byte) []byte {
	code = emitRegReg(code, w, []byte{X86_OP_GROUP2_RM_IMM8}, ext(sub), dst)
	return append(code, n)
}

// shift dst, cl
func emitShiftCL(code []byte, w bool, sub byte, dst X86Reg) []byte {
	return emitRegReg(code, w, []byte{X86_OP_GROUP2_RM_CL}, ext(sub), dst)
}

// bswap reg
func emitBswap(code []byte, w bool, reg X86Reg) []byte {
	code = appendRex(code, w, X86Reg{}, reg)
	return append(code, X86_PREFIX_0F, X86_OP2_BSWAP+reg.RegBits)
}

// movzx dst32, src16
func emitMovzx16(code []byte, dst, src X86Reg) []byte {
	return emitRegReg(code, false, []byte{X86_PREFIX_0F, X86_OP2_MOVZX_R_RM16}, dst, src)
}

func emitPush(code []byte, reg X86Reg) []byte {
	code = appendRex(code, false, X86Reg{}, reg)
	return append(code, X86_OP_PUSH_R+reg.RegBits)
}

func emitPop(code []byte, reg X86Reg) []byte {
	code = appendRex(code, false, X86Reg{}, reg)
	return append(code, X86_OP_POP_R+reg.RegBits)
}

// mov reg, [base+disp]
func emitLoadMem64(code []byte, reg, base X86Reg, disp int32) []byte {
	return emitMem(code, true, []byte{X86_OP_MOV_R_RM}, reg, base, disp)
}

// mov [base+disp], reg
func emitStoreMem64(code []byte, base X86Reg, disp int32, reg X86Reg) []byte {
	return emitMem(code, true, []byte{X86_OP_MOV_RM_R}, reg, base, disp)
}

// mov qword [base+disp], imm32
func emitStoreMemImm64(code []byte, base X86Reg, disp int32, imm int32) []byte {
	code = emitMem(code, true, []byte{X86_OP_MOV_RM_IMM}, ext(0), base, disp)
	return appendU32(code, uint32(imm))
}

// emitLoadSized zero-extends a 1, 2, 4 or 8 byte load from [base] into dst.
func emitLoadSized(code []byte, size int, dst, base X86Reg) []byte {
	switch size {
	case 1:
		return emitMem(code, false, []byte{X86_PREFIX_0F, X86_OP2_MOVZX_R_RM8}, dst, base, 0)
	case 2:
		return emitMem(code, false, []byte{X86_PREFIX_0F, X86_OP2_MOVZX_R_RM16}, dst, base, 0)
	case 4:
		return emitMem(code, false, []byte{X86_OP_MOV_R_RM}, dst, base, 0)
	default:
		return emitMem(code, true, []byte{X86_OP_MOV_R_RM}, dst, base, 0)
	}
}

// emitStoreSized writes the low size bytes of src to [base]. base must be
// an extended register so the REX prefix selects sil/dil/bpl for byte
// stores.
func emitStoreSized(code []byte, size int, base, src X86Reg) []byte {
	switch size {
	case 1:
		return emitMem(code, false, []byte{X86_OP_MOV_RM8_R8}, src, base, 0)
	case 2:
		code = append(code, X86_PREFIX_66)
		return emitMem(code, false, []byte{X86_OP_MOV_RM_R}, src, base, 0)
	case 4:
		return emitMem(code, false, []byte{X86_OP_MOV_RM_R}, src, base, 0)
	default:
		return emitMem(code, true, []byte{X86_OP_MOV_RM_R}, src, base, 0)
	}
}

// emitStoreSizedImm writes the low size bytes of imm (sign-extended to 64
// bits for size 8) to [base].
func emitStoreSizedImm(code []byte, size int, base X86Reg, imm int32) []byte {
	switch size {
	case 1:
		code = emitMem(code, false, []byte{X86_OP_MOV_RM8_IMM8}, ext(0), base, 0)
		return append(code, byte(imm))
	case 2:
		code = append(code, X86_PREFIX_66)
		code = emitMem(code, false, []byte{X86_OP_MOV_RM_IMM}, ext(0), base, 0)
		return binary.LittleEndian.AppendUint16(code, uint16(imm))
	case 4:
		code = emitMem(code, false, []byte{X86_OP_MOV_RM_IMM}, ext(0), base, 0)
		return appendU32(code, uint32(imm))
	default:
		code = emitMem(code, true, []byte{X86_OP_MOV_RM_IMM}, ext(0), base, 0)
		return appendU32(code, uint32(imm))
	}
}
