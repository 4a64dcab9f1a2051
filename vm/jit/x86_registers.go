package jit

// X86Reg represents an x86-64 register with encoding information
type X86Reg struct {
	Name    string
	RegBits byte // 3-bit code for ModRM/SIB
	REXBit  byte // 1 if register index >= 8
}

// Standard x86-64 register definitions
var (
	RAX = X86Reg{"rax", 0, 0}
	RCX = X86Reg{"rcx", 1, 0} // shift counts go through cl
	RDX = X86Reg{"rdx", 2, 0} // clobbered by div
	RBX = X86Reg{"rbx", 3, 0}
	RSP = X86Reg{"rsp", 4, 0}
	RBP = X86Reg{"rbp", 5, 0}
	RSI = X86Reg{"rsi", 6, 0}
	RDI = X86Reg{"rdi", 7, 0}
	R8  = X86Reg{"r8", 0, 1}
	R9  = X86Reg{"r9", 1, 1}
	R10 = X86Reg{"r10", 2, 1}
	R11 = X86Reg{"r11", 3, 1}
	R12 = X86Reg{"r12", 4, 1}
	R13 = X86Reg{"r13", 5, 1}
	R14 = X86Reg{"r14", 6, 1}
	R15 = X86Reg{"r15", 7, 1}
)

// regInfoList maps bytecode registers r0..r10 to host registers. r1..r5
// follow the System V argument order where it does not collide with the
// context register.
var regInfoList = [11]X86Reg{
	RAX, RSI, RDX, RCX, R8, R9, R12, R13, R14, R15, RBP,
}

// Registers the generated code reserves for itself.
var (
	CtxReg     = RDI // *jitContext
	CountReg   = RBX // instructions executed
	AddrReg    = R10 // vm address in, host address out of the translate stubs
	ScratchReg = R11
)

// calleeSaved is pushed on entry and popped, in reverse, on exit.
var calleeSaved = []X86Reg{RBX, RBP, R12, R13, R14, R15}

// ext is a ModRM reg field used as an opcode extension (/0../7).
func ext(n byte) X86Reg {
	return X86Reg{Name: "/" + string('0'+rune(n)), RegBits: n}
}
