package jit

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"math/rand"
	"time"

	"github.com/colorfulnotion/ebpfvm/log"
	"github.com/colorfulnotion/ebpfvm/vm/memory"
	"github.com/colorfulnotion/ebpfvm/vm/program"
	"github.com/colorfulnotion/ebpfvm/vmerrors"
	"golang.org/x/exp/slices"
)

// Exit kinds the generated code stores in jitContext.ExitKind before
// returning to Go.
const (
	exitLimit = iota + 1
	exitReturn
	exitCall
	exitSyscall
	exitCallx
	exitDivZero
	// exitTranslate + translateIndex(kind, size)
	exitTranslate
)

type stubID int

const (
	stubCommonExit stubID = iota
	stubLimit
	stubReturn
	stubCall
	stubSyscall
	stubCallx
	stubDivZero
	stubTranslate // 8 stubs: loads then stores, sizes 1, 2, 4, 8
	numStubs      = stubTranslate + 8
)

var stubNames = [numStubs]string{
	"common_exit", "exit_limit", "exit_return", "exit_call", "exit_syscall", "exit_callx", "exit_div_zero",
	"translate_load1", "translate_load2", "translate_load4", "translate_load8",
	"translate_store1", "translate_store2", "translate_store4", "translate_store8",
}

func translateIndex(kind memory.AccessKind, size int) int {
	idx := 0
	for s := size; s > 1; s >>= 1 {
		idx++
	}
	if kind == memory.Store {
		idx += 4
	}
	return idx
}

// translateAccess inverts translateIndex.
func translateAccess(idx int) (memory.AccessKind, int) {
	kind := memory.Load
	if idx >= 4 {
		kind = memory.Store
	}
	return kind, 1 << (idx % 4)
}

// Code is generated machine code plus the tables the runtime needs to map
// native addresses back to bytecode.
type Code struct {
	Text []byte
	// Offsets holds the native offset of every slot; a lddw second slot
	// repeats the offset of its first slot.
	Offsets []int32
	// BodyEnd is where the shared stubs start.
	BodyEnd int32
	Stubs   [numStubs]int32
}

// PCForOffset returns the slot whose code contains native offset off.
func (c *Code) PCForOffset(off int) int {
	i, found := slices.BinarySearch(c.Offsets, int32(off))
	if !found {
		i--
	}
	// step back from a lddw second slot to the instruction itself
	for i > 0 && c.Offsets[i-1] == c.Offsets[i] {
		i--
	}
	return i
}

type fixup struct {
	at     int // position of the rel32 field
	pc     int // bytecode target, or -1
	stub   stubID
	isStub bool
}

type compiler struct {
	p       *program.Program
	code    []byte
	offsets []int32
	fixups  []fixup
	stubs   [numStubs]int32

	sanitize bool
	rng      *rand.Rand
}

// Generate translates p into x86-64 machine code. Pass one emits the
// prologue, the body and the stubs while recording offsets and pending
// rel32 fields; pass two patches them. With cfg.SanitizeUserProvidedValues
// set, every call draws fresh blinding keys.
func Generate(p *program.Program, cfg program.Config) (*Code, error) {
	if p.Len() == 0 {
		return nil, vmerrors.ErrNoProgram
	}
	c := &compiler{
		p:        p,
		offsets:  make([]int32, p.Len()),
		sanitize: cfg.SanitizeUserProvidedValues,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.generatePrologue()
	for pc := 0; pc < p.Len(); pc++ {
		insn := p.Insns[pc]
		c.offsets[pc] = int32(len(c.code))
		if err := c.generateInstruction(insn); err != nil {
			return nil, fmt.Errorf("jit: pc %d: %w", pc, err)
		}
		if insn.IsWide() {
			pc++
			c.offsets[pc] = c.offsets[pc-1]
		}
	}
	bodyEnd := int32(len(c.code))
	c.generateStubs()

	for _, f := range c.fixups {
		var dest int32
		if f.isStub {
			dest = c.stubs[f.stub]
		} else {
			if f.pc < 0 || f.pc >= len(c.offsets) {
				return nil, fmt.Errorf("%w: target %d", vmerrors.ErrJumpOutOfRange, f.pc)
			}
			dest = c.offsets[f.pc]
		}
		binary.LittleEndian.PutUint32(c.code[f.at:], uint32(dest-int32(f.at+4)))
	}
	log.Debug(log.JITMonitoring, "generated", "slots", p.Len(), "bytes", len(c.code), "body", bodyEnd, "fixups", len(c.fixups))
	return &Code{Text: c.code, Offsets: c.offsets, BodyEnd: bodyEnd, Stubs: c.stubs}, nil
}

func (c *compiler) callStub(id stubID) {
	c.code = append(c.code, X86_OP_CALL_REL32)
	c.fixups = append(c.fixups, fixup{at: len(c.code), stub: id, isStub: true, pc: -1})
	c.code = appendU32(c.code, 0)
}

func (c *compiler) jmpStub(id stubID) {
	c.code = append(c.code, X86_OP_JMP_REL32)
	c.fixups = append(c.fixups, fixup{at: len(c.code), stub: id, isStub: true, pc: -1})
	c.code = appendU32(c.code, 0)
}

func (c *compiler) jmpPC(cc byte, target int) {
	if cc == 0 {
		c.code = append(c.code, X86_OP_JMP_REL32)
	} else {
		c.code = append(c.code, X86_PREFIX_0F, cc)
	}
	c.fixups = append(c.fixups, fixup{at: len(c.code), pc: target})
	c.code = appendU32(c.code, 0)
}

// generatePrologue saves the callee-saved registers, loads the bytecode
// registers and the counter from the context and jumps to ctx.Resume.
func (c *compiler) generatePrologue() {
	for _, r := range calleeSaved {
		c.code = emitPush(c.code, r)
	}
	for i, r := range regInfoList {
		c.code = emitLoadMem64(c.code, r, CtxReg, offRegs+int32(8*i))
	}
	c.code = emitLoadMem64(c.code, CountReg, CtxReg, offCount)
	c.code = emitLoadMem64(c.code, AddrReg, CtxReg, offHostAddr)
	c.code = emitMem(c.code, false, []byte{X86_OP_GROUP5_RM}, ext(X86_REG_JMP_RM), CtxReg, offResume)
}

// generateMeter emits cmp rbx, [rdi+limit]; jb +5; call exit_limit; inc rbx.
func (c *compiler) generateMeter() {
	c.code = emitMem(c.code, true, []byte{X86_OP_CMP_R_RM}, CountReg, CtxReg, offLimit)
	c.code = append(c.code, X86_OP_JB_REL8, 5)
	c.callStub(stubLimit)
	c.code = emitRegReg(c.code, true, []byte{X86_OP_GROUP5_RM}, ext(X86_REG_INC), CountReg)
}

func (c *compiler) generateInstruction(insn program.Instruction) error {
	spec := insn.Spec()
	if spec == nil {
		return fmt.Errorf("%w: 0x%02x", vmerrors.ErrUnknownOpcode, insn.Opc)
	}
	c.generateMeter()
	dst := regInfoList[insn.Dst]
	src := regInfoList[insn.Src]

	switch spec.Kind {
	case program.KindALU:
		if spec.SrcReg {
			c.generateAluReg(spec, dst, src)
		} else {
			c.generateAluImm(spec, dst, int32(insn.Imm))
		}
	case program.KindEndian:
		c.generateEndian(spec.Opcode == program.BE, int(insn.Imm), dst)
	case program.KindLoadImm64:
		c.loadConstant(true, dst, insn.Imm)
	case program.KindLoad:
		c.generateAddress(src, insn.Off)
		c.callStub(stubTranslate + stubID(translateIndex(memory.Load, spec.Size)))
		c.code = emitLoadSized(c.code, spec.Size, dst, AddrReg)
	case program.KindStoreImm:
		c.generateAddress(dst, insn.Off)
		c.callStub(stubTranslate + stubID(translateIndex(memory.Store, spec.Size)))
		if imm := int64(int32(insn.Imm)); c.shouldSanitize(imm) {
			c.loadConstant(true, ScratchReg, imm)
			c.code = emitStoreSized(c.code, spec.Size, AddrReg, ScratchReg)
		} else {
			c.code = emitStoreSizedImm(c.code, spec.Size, AddrReg, int32(imm))
		}
	case program.KindStoreReg:
		c.generateAddress(dst, insn.Off)
		c.callStub(stubTranslate + stubID(translateIndex(memory.Store, spec.Size)))
		c.code = emitStoreSized(c.code, spec.Size, AddrReg, src)
	case program.KindLoadAbs, program.KindLoadInd:
		c.loadConstant(true, AddrReg, int64(program.MM_INPUT_START+uint64(uint32(insn.Imm))))
		if spec.Kind == program.KindLoadInd {
			c.code = emitAluRegReg(c.code, true, X86_OP_ADD_RM_R, AddrReg, src)
		}
		c.callStub(stubTranslate + stubID(translateIndex(memory.Load, spec.Size)))
		c.code = emitLoadSized(c.code, spec.Size, regInfoList[0], AddrReg)
	case program.KindJump:
		c.generateJump(spec, insn, dst, src)
	case program.KindCall:
		if _, internal := c.p.Function(uint32(insn.Imm)); internal {
			c.callStub(stubCall)
		} else {
			c.callStub(stubSyscall)
		}
	case program.KindCallReg:
		c.callStub(stubCallx)
	case program.KindExit:
		c.callStub(stubReturn)
	default:
		return fmt.Errorf("%w: %s", vmerrors.ErrUnsupportedInstruction, spec.Name)
	}
	return nil
}

// generateAddress leaves base+off in r10.
func (c *compiler) generateAddress(base X86Reg, off int16) {
	c.code = emitMovRegToReg(c.code, true, AddrReg, base)
	if off != 0 {
		c.generateAluImmOp(true, X86_REG_ADD, X86_OP_ADD_RM_R, AddrReg, int64(off))
	}
}

// shouldSanitize reports whether v is worth blinding. Small values and
// all-ones masks carry too few chosen bits to matter.
func (c *compiler) shouldSanitize(v int64) bool {
	if !c.sanitize {
		return false
	}
	u := uint64(v)
	switch {
	case u == 0xFFFF, u == 0xFFFFFF, u == 0xFFFFFFFF, u == 0xFFFFFFFFFF,
		u == 0xFFFFFFFFFFFF, u == 0xFFFFFFFFFFFFFF, u == math.MaxUint64:
		return false
	case u <= 0xFF, ^u <= 0xFF:
		return false
	}
	return true
}

// loadConstant sets dst to v: the low 32 bits zero-extended when w is false,
// the full value otherwise. A sanitized value is emitted as v^key followed
// by xor dst, key. Values that need all 64 bits are also rotated so neither
// half is stored next to a sign-extended key.
func (c *compiler) loadConstant(w bool, dst X86Reg, v int64) {
	if !w {
		v = int64(uint32(v))
	}
	fits32 := !w || (v >= math.MinInt32 && v <= math.MaxInt32)
	switch {
	case !c.shouldSanitize(v) && fits32:
		c.code = emitMovImm32(c.code, w, dst, int32(v))
	case !c.shouldSanitize(v):
		c.code = emitMovImm64(c.code, dst, uint64(v))
	case fits32:
		key := int32(c.rng.Uint32())
		c.code = emitMovImm32(c.code, w, dst, int32(v)^key)
		c.code = emitAluImm(c.code, w, X86_REG_XOR, dst, key)
	default:
		lo, hi := int32(c.rng.Uint32()), int32(c.rng.Uint32())
		blinded := bits.RotateLeft64(uint64(v)^uint64(int64(lo)), 32) ^ uint64(int64(hi))
		c.code = emitMovImm64(c.code, dst, blinded)
		c.code = emitAluImm(c.code, true, X86_REG_XOR, dst, hi)
		c.code = emitShiftImm(c.code, true, X86_REG_ROL, dst, 32)
		c.code = emitAluImm(c.code, true, X86_REG_XOR, dst, lo)
	}
}

// generateAluImmOp applies sub (the 0x81 group form) or, for a sanitized
// immediate, op (the reg-reg form) with the immediate staged in r11.
func (c *compiler) generateAluImmOp(w bool, sub, op byte, dst X86Reg, imm int64) {
	if !c.shouldSanitize(imm) {
		c.code = emitAluImm(c.code, w, sub, dst, int32(imm))
		return
	}
	c.loadConstant(w, ScratchReg, imm)
	c.code = emitAluRegReg(c.code, w, op, dst, ScratchReg)
}

var aluRegOps = map[program.ALUOp]byte{
	program.ALUAdd: X86_OP_ADD_RM_R,
	program.ALUSub: X86_OP_SUB_RM_R,
	program.ALUOr:  X86_OP_OR_RM_R,
	program.ALUAnd: X86_OP_AND_RM_R,
	program.ALUXor: X86_OP_XOR_RM_R,
	program.ALUMov: X86_OP_MOV_RM_R,
}

var aluImmOps = map[program.ALUOp]byte{
	program.ALUAdd: X86_REG_ADD,
	program.ALUSub: X86_REG_SUB,
	program.ALUOr:  X86_REG_OR,
	program.ALUAnd: X86_REG_AND,
	program.ALUXor: X86_REG_XOR,
}

var shiftOps = map[program.ALUOp]byte{
	program.ALULsh:  X86_REG_SHL,
	program.ALURsh:  X86_REG_SHR,
	program.ALUArsh: X86_REG_SAR,
}

func (c *compiler) generateAluReg(spec *program.InstructionSpec, dst, src X86Reg) {
	w := spec.Is64
	if op, ok := aluRegOps[spec.ALU]; ok {
		c.code = emitAluRegReg(c.code, w, op, dst, src)
		return
	}
	switch spec.ALU {
	case program.ALUMul:
		c.code = emitImulRegReg(c.code, w, dst, src)
	case program.ALUDiv, program.ALUMod:
		c.code = emitMovRegToReg(c.code, w, ScratchReg, src)
		c.code = emitAluRegReg(c.code, w, X86_OP_TEST_RM_R, ScratchReg, ScratchReg)
		c.code = append(c.code, X86_OP_JNZ_REL8, 5)
		c.callStub(stubDivZero)
		c.generateDivide(w, spec.ALU == program.ALUMod, dst)
	case program.ALULsh, program.ALURsh, program.ALUArsh:
		c.generateShiftReg(w, shiftOps[spec.ALU], dst, src)
	case program.ALUNeg:
		c.code = emitUnary(c.code, w, X86_REG_NEG, dst)
	}
}

func (c *compiler) generateAluImm(spec *program.InstructionSpec, dst X86Reg, imm int32) {
	w := spec.Is64
	if sub, ok := aluImmOps[spec.ALU]; ok {
		c.generateAluImmOp(w, sub, aluRegOps[spec.ALU], dst, int64(imm))
		return
	}
	switch spec.ALU {
	case program.ALUMov:
		c.loadConstant(w, dst, int64(imm))
	case program.ALUMul:
		if c.shouldSanitize(int64(imm)) {
			c.loadConstant(w, ScratchReg, int64(imm))
			c.code = emitImulRegReg(c.code, w, dst, ScratchReg)
		} else {
			c.code = emitImulImm(c.code, w, dst, imm)
		}
	case program.ALUDiv, program.ALUMod:
		// a zero immediate divisor never passes verification
		c.loadConstant(w, ScratchReg, int64(imm))
		c.generateDivide(w, spec.ALU == program.ALUMod, dst)
	case program.ALULsh, program.ALURsh, program.ALUArsh:
		c.code = emitShiftImm(c.code, w, shiftOps[spec.ALU], dst, byte(imm))
		if !w {
			c.code = emitMovRegToReg(c.code, false, dst, dst)
		}
	case program.ALUNeg:
		c.code = emitUnary(c.code, w, X86_REG_NEG, dst)
	}
}

// generateDivide divides dst by r11 without disturbing the other mapped
// registers: rax is parked in r10 and rdx on the stack around div.
func (c *compiler) generateDivide(w, mod bool, dst X86Reg) {
	c.code = emitMovRegToReg(c.code, true, AddrReg, RAX)
	c.code = emitPush(c.code, RDX)
	c.code = emitMovRegToReg(c.code, true, RAX, dst)
	c.code = emitAluRegReg(c.code, false, X86_OP_XOR_RM_R, RDX, RDX)
	c.code = emitUnary(c.code, w, X86_REG_DIV, ScratchReg)
	if mod {
		c.code = emitMovRegToReg(c.code, true, ScratchReg, RDX)
	} else {
		c.code = emitMovRegToReg(c.code, true, ScratchReg, RAX)
	}
	c.code = emitPop(c.code, RDX)
	c.code = emitMovRegToReg(c.code, true, RAX, AddrReg)
	c.code = emitMovRegToReg(c.code, w, dst, ScratchReg)
}

// generateShiftReg shifts dst by src through cl, keeping rcx intact unless
// it is the destination.
func (c *compiler) generateShiftReg(w bool, sub byte, dst, src X86Reg) {
	switch {
	case src == RCX:
		c.code = emitShiftCL(c.code, w, sub, dst)
	case dst == RCX:
		c.code = emitMovRegToReg(c.code, true, ScratchReg, RCX)
		c.code = emitMovRegToReg(c.code, true, RCX, src)
		c.code = emitShiftCL(c.code, w, sub, ScratchReg)
		c.code = emitMovRegToReg(c.code, true, RCX, ScratchReg)
	default:
		c.code = emitMovRegToReg(c.code, true, ScratchReg, RCX)
		c.code = emitMovRegToReg(c.code, true, RCX, src)
		c.code = emitShiftCL(c.code, w, sub, dst)
		c.code = emitMovRegToReg(c.code, true, RCX, ScratchReg)
	}
	if !w {
		c.code = emitMovRegToReg(c.code, false, dst, dst)
	}
}

func (c *compiler) generateEndian(bigEndian bool, width int, dst X86Reg) {
	switch {
	case width == 16 && bigEndian:
		c.code = emitBswap(c.code, false, dst)
		c.code = emitShiftImm(c.code, false, X86_REG_SHR, dst, 16)
	case width == 16:
		c.code = emitMovzx16(c.code, dst, dst)
	case width == 32 && bigEndian:
		c.code = emitBswap(c.code, false, dst)
	case width == 32:
		c.code = emitMovRegToReg(c.code, false, dst, dst)
	case bigEndian:
		c.code = emitBswap(c.code, true, dst)
	}
}

var jumpCodes = map[program.JumpCond]byte{
	program.CondEq:  X86_OP2_JE,
	program.CondNe:  X86_OP2_JNE,
	program.CondGt:  X86_OP2_JA,
	program.CondGe:  X86_OP2_JAE,
	program.CondLt:  X86_OP2_JB,
	program.CondLe:  X86_OP2_JBE,
	program.CondSet: X86_OP2_JNE,
	program.CondSgt: X86_OP2_JG,
	program.CondSge: X86_OP2_JGE,
	program.CondSlt: X86_OP2_JL,
	program.CondSle: X86_OP2_JLE,
}

func (c *compiler) generateJump(spec *program.InstructionSpec, insn program.Instruction, dst, src X86Reg) {
	target := insn.JumpTarget()
	if spec.Cond == program.CondAlways {
		c.jmpPC(0, target)
		return
	}
	switch {
	case spec.Cond == program.CondSet && spec.SrcReg:
		c.code = emitAluRegReg(c.code, true, X86_OP_TEST_RM_R, dst, src)
	case spec.Cond == program.CondSet && c.shouldSanitize(int64(int32(insn.Imm))):
		c.loadConstant(true, ScratchReg, int64(int32(insn.Imm)))
		c.code = emitAluRegReg(c.code, true, X86_OP_TEST_RM_R, dst, ScratchReg)
	case spec.Cond == program.CondSet:
		c.code = emitTestImm(c.code, true, dst, int32(insn.Imm))
	case spec.SrcReg:
		c.code = emitAluRegReg(c.code, true, X86_OP_CMP_RM_R, dst, src)
	default:
		c.generateAluImmOp(true, X86_REG_CMP, X86_OP_CMP_RM_R, dst, int64(int32(insn.Imm)))
	}
	c.jmpPC(jumpCodes[spec.Cond], target)
}

func (c *compiler) generateStubs() {
	c.stubs[stubCommonExit] = int32(len(c.code))
	c.code = emitPop(c.code, ScratchReg)
	c.code = emitStoreMem64(c.code, CtxReg, offExitAddr, ScratchReg)
	for i, r := range regInfoList {
		c.code = emitStoreMem64(c.code, CtxReg, offRegs+int32(8*i), r)
	}
	c.code = emitStoreMem64(c.code, CtxReg, offCount, CountReg)
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		c.code = emitPop(c.code, calleeSaved[i])
	}
	c.code = append(c.code, X86_OP_RET)

	exits := []struct {
		id   stubID
		kind int32
	}{
		{stubLimit, exitLimit}, {stubReturn, exitReturn}, {stubCall, exitCall},
		{stubSyscall, exitSyscall}, {stubCallx, exitCallx}, {stubDivZero, exitDivZero},
	}
	for _, e := range exits {
		c.stubs[e.id] = int32(len(c.code))
		c.code = emitStoreMemImm64(c.code, CtxReg, offExitKind, e.kind)
		c.jmpStub(stubCommonExit)
	}
	for idx := 0; idx < 8; idx++ {
		c.stubs[stubTranslate+stubID(idx)] = int32(len(c.code))
		c.generateTranslateStub(idx)
	}
}

// generateTranslateStub emits the inline region lookup for one access kind
// and size. In: r10 = vm address. Out: r10 = host address. A miss records
// the address and exits through the common exit so Go can resolve it and
// resume after the call.
func (c *compiler) generateTranslateStub(idx int) {
	kind, size := translateAccess(idx)
	perm := int8(permRead)
	if kind == memory.Store {
		perm = permWrite
	}
	var slow []int
	jcc := func(cc byte) {
		c.code = append(c.code, X86_PREFIX_0F, cc)
		slow = append(slow, len(c.code))
		c.code = appendU32(c.code, 0)
	}

	c.code = emitStoreMem64(c.code, CtxReg, offVMAddr, AddrReg)
	c.code = emitMovRegToReg(c.code, true, ScratchReg, AddrReg)
	c.code = emitShiftImm(c.code, true, X86_REG_SHR, ScratchReg, 32)
	c.code = emitAluImm(c.code, true, X86_REG_CMP, ScratchReg, regionSlots)
	jcc(X86_OP2_JAE)
	c.code = emitShiftImm(c.code, true, X86_REG_SHL, ScratchReg, slotShift)
	c.code = emitAluRegReg(c.code, true, X86_OP_ADD_RM_R, ScratchReg, CtxReg)
	// test byte [r11+perm], bit
	c.code = emitMem(c.code, false, []byte{X86_OP_GROUP3_RM8}, ext(X86_REG_TEST), ScratchReg, offRegions+offSlotPerm)
	c.code = append(c.code, byte(perm))
	jcc(X86_OP2_JE)
	c.code = emitMem(c.code, true, []byte{X86_OP_SUB_R_RM}, AddrReg, ScratchReg, offRegions+offSlotVM)
	c.code = emitMem(c.code, true, []byte{X86_OP_CMP_R_RM}, AddrReg, ScratchReg, offRegions+offSlotLen)
	jcc(X86_OP2_JAE)
	c.code = emitAluImm8(c.code, true, X86_REG_ADD, AddrReg, int8(size))
	c.code = emitMem(c.code, true, []byte{X86_OP_CMP_R_RM}, AddrReg, ScratchReg, offRegions+offSlotLen)
	jcc(X86_OP2_JA)
	c.code = emitMem(c.code, true, []byte{X86_OP_ADD_R_RM}, AddrReg, ScratchReg, offRegions+offSlotHost)
	c.code = emitAluImm8(c.code, true, X86_REG_SUB, AddrReg, int8(size))
	c.code = append(c.code, X86_OP_RET)

	target := len(c.code)
	for _, at := range slow {
		binary.LittleEndian.PutUint32(c.code[at:], uint32(int32(target-(at+4))))
	}
	c.code = emitStoreMemImm64(c.code, CtxReg, offExitKind, int32(exitTranslate+idx))
	c.jmpStub(stubCommonExit)
}
