package program

// OpKind groups opcodes that share an execution shape.
type OpKind uint8

const (
	KindInvalid   OpKind = iota
	KindALU              // dst = dst <op> src|imm
	KindEndian           // le16/32/64, be16/32/64
	KindLoadImm64        // lddw
	KindLoad             // ldx dst, [src+off]
	KindStoreImm         // st [dst+off], imm
	KindStoreReg         // stx [dst+off], src
	KindLoadAbs          // r0 = input[imm]
	KindLoadInd          // r0 = input[src+imm]
	KindJump             // ja and conditional jumps
	KindCall             // call imm
	KindCallReg          // callx reg
	KindExit
)

// ALUOp is the arithmetic operation of a KindALU instruction.
type ALUOp uint8

const (
	ALUAdd ALUOp = iota
	ALUSub
	ALUMul
	ALUDiv
	ALUOr
	ALUAnd
	ALULsh
	ALURsh
	ALUNeg
	ALUMod
	ALUXor
	ALUMov
	ALUArsh
)

// JumpCond is the predicate of a KindJump instruction.
type JumpCond uint8

const (
	CondAlways JumpCond = iota
	CondEq
	CondNe
	CondGt
	CondGe
	CondLt
	CondLe
	CondSet
	CondSgt
	CondSge
	CondSlt
	CondSle
)

// InstructionSpec describes one opcode. The assembler, disassembler,
// verifier, interpreter and JIT all read the same table.
type InstructionSpec struct {
	Opcode byte
	Name   string
	Kind   OpKind
	ALU    ALUOp
	Cond   JumpCond
	Is64   bool // ALU operand width
	SrcReg bool // second operand comes from src instead of imm
	Size   int  // memory access width in bytes
}

// InstrSpecs is indexed by opcode byte; nil entries are unknown opcodes.
var InstrSpecs [256]*InstructionSpec

var specsByName = make(map[string][]*InstructionSpec)

func define(spec InstructionSpec) {
	s := spec
	if InstrSpecs[s.Opcode] != nil {
		panic("duplicate opcode " + s.Name)
	}
	InstrSpecs[s.Opcode] = &s
	specsByName[s.Name] = append(specsByName[s.Name], &s)
}

func init() {
	alu := []struct {
		name string
		op   ALUOp
		code byte
	}{
		{"add", ALUAdd, BPF_ADD}, {"sub", ALUSub, BPF_SUB}, {"mul", ALUMul, BPF_MUL},
		{"div", ALUDiv, BPF_DIV}, {"or", ALUOr, BPF_OR}, {"and", ALUAnd, BPF_AND},
		{"lsh", ALULsh, BPF_LSH}, {"rsh", ALURsh, BPF_RSH}, {"mod", ALUMod, BPF_MOD},
		{"xor", ALUXor, BPF_XOR}, {"mov", ALUMov, BPF_MOV}, {"arsh", ALUArsh, BPF_ARSH},
	}
	for _, a := range alu {
		define(InstructionSpec{Opcode: BPF_ALU64 | BPF_K | a.code, Name: a.name, Kind: KindALU, ALU: a.op, Is64: true})
		define(InstructionSpec{Opcode: BPF_ALU64 | BPF_X | a.code, Name: a.name, Kind: KindALU, ALU: a.op, Is64: true, SrcReg: true})
		define(InstructionSpec{Opcode: BPF_ALU | BPF_K | a.code, Name: a.name + "32", Kind: KindALU, ALU: a.op})
		define(InstructionSpec{Opcode: BPF_ALU | BPF_X | a.code, Name: a.name + "32", Kind: KindALU, ALU: a.op, SrcReg: true})
	}
	define(InstructionSpec{Opcode: NEG64, Name: "neg", Kind: KindALU, ALU: ALUNeg, Is64: true})
	define(InstructionSpec{Opcode: NEG32, Name: "neg32", Kind: KindALU, ALU: ALUNeg})
	define(InstructionSpec{Opcode: LE, Name: "le", Kind: KindEndian})
	define(InstructionSpec{Opcode: BE, Name: "be", Kind: KindEndian, SrcReg: true})

	sizes := []struct {
		suffix string
		code   byte
		size   int
	}{
		{"b", BPF_B, 1}, {"h", BPF_H, 2}, {"w", BPF_W, 4}, {"dw", BPF_DW, 8},
	}
	for _, sz := range sizes {
		define(InstructionSpec{Opcode: BPF_LDX | BPF_MEM | sz.code, Name: "ldx" + sz.suffix, Kind: KindLoad, SrcReg: true, Size: sz.size})
		define(InstructionSpec{Opcode: BPF_ST | BPF_MEM | sz.code, Name: "st" + sz.suffix, Kind: KindStoreImm, Size: sz.size})
		define(InstructionSpec{Opcode: BPF_STX | BPF_MEM | sz.code, Name: "stx" + sz.suffix, Kind: KindStoreReg, SrcReg: true, Size: sz.size})
		define(InstructionSpec{Opcode: BPF_LD | BPF_ABS | sz.code, Name: "ldabs" + sz.suffix, Kind: KindLoadAbs, Size: sz.size})
		define(InstructionSpec{Opcode: BPF_LD | BPF_IND | sz.code, Name: "ldind" + sz.suffix, Kind: KindLoadInd, SrcReg: true, Size: sz.size})
	}
	define(InstructionSpec{Opcode: LD_DW_IMM, Name: "lddw", Kind: KindLoadImm64, Is64: true})

	jumps := []struct {
		name string
		cond JumpCond
		code byte
	}{
		{"jeq", CondEq, BPF_JEQ}, {"jne", CondNe, BPF_JNE}, {"jgt", CondGt, BPF_JGT},
		{"jge", CondGe, BPF_JGE}, {"jlt", CondLt, BPF_JLT}, {"jle", CondLe, BPF_JLE},
		{"jset", CondSet, BPF_JSET}, {"jsgt", CondSgt, BPF_JSGT}, {"jsge", CondSge, BPF_JSGE},
		{"jslt", CondSlt, BPF_JSLT}, {"jsle", CondSle, BPF_JSLE},
	}
	define(InstructionSpec{Opcode: JA, Name: "ja", Kind: KindJump, Cond: CondAlways})
	for _, j := range jumps {
		define(InstructionSpec{Opcode: BPF_JMP | BPF_K | j.code, Name: j.name, Kind: KindJump, Cond: j.cond})
		define(InstructionSpec{Opcode: BPF_JMP | BPF_X | j.code, Name: j.name, Kind: KindJump, Cond: j.cond, SrcReg: true})
	}
	define(InstructionSpec{Opcode: CALL_IMM, Name: "call", Kind: KindCall})
	define(InstructionSpec{Opcode: CALL_REG, Name: "callx", Kind: KindCallReg})
	define(InstructionSpec{Opcode: EXIT, Name: "exit", Kind: KindExit})
}

// LookupSpec returns the table entry for opcode, or nil if it is unknown.
func LookupSpec(opcode byte) *InstructionSpec {
	return InstrSpecs[opcode]
}

// LookupMnemonic finds the opcode for a mnemonic, choosing the register or
// immediate form.
func LookupMnemonic(name string, srcReg bool) (*InstructionSpec, bool) {
	specs := specsByName[name]
	for _, s := range specs {
		if s.SrcReg == srcReg {
			return s, true
		}
	}
	if len(specs) == 1 {
		return specs[0], true
	}
	return nil, false
}

// IsMnemonic reports whether name is a base mnemonic in the table.
func IsMnemonic(name string) bool {
	_, ok := specsByName[name]
	return ok
}
