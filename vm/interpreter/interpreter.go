package interpreter

import (
	"math/bits"

	"github.com/colorfulnotion/ebpfvm/vm/machine"
	"github.com/colorfulnotion/ebpfvm/vm/program"
	"github.com/colorfulnotion/ebpfvm/vmerrors"
)

// Run executes env.Program from st.PC until the outermost exit and returns
// r0. st must have been Reset; on return st.Count holds the number of
// instructions executed. Errors are *machine.Fault.
func Run(env *machine.Env, st *machine.State) (uint64, error) {
	insns := env.Program.Insns
	mem := env.Mapping
	regs := &st.Regs
	for {
		if st.Count >= st.Limit {
			return 0, st.Fault(vmerrors.ErrInstructionLimitExceeded)
		}
		st.Count++

		pc := st.PC
		if pc < 0 || pc >= len(insns) {
			return 0, st.Fault(vmerrors.ErrMalformedInstruction)
		}
		insn := insns[pc]
		spec := program.InstrSpecs[insn.Opc]
		if spec == nil {
			return 0, st.Fault(vmerrors.ErrUnknownOpcode)
		}
		next := pc + 1

		switch spec.Kind {
		case program.KindALU:
			src := uint64(insn.Imm)
			if spec.SrcReg {
				src = regs[insn.Src]
			}
			var (
				v   uint64
				err error
			)
			if spec.Is64 {
				v, err = ALU64(spec.ALU, regs[insn.Dst], src)
			} else {
				v, err = ALU32(spec.ALU, regs[insn.Dst], src)
			}
			if err != nil {
				return 0, st.Fault(err)
			}
			regs[insn.Dst] = v

		case program.KindEndian:
			regs[insn.Dst] = ByteSwap(spec.Opcode == program.BE, int(insn.Imm), regs[insn.Dst])

		case program.KindLoadImm64:
			regs[insn.Dst] = uint64(insn.Imm)
			next = pc + 2

		case program.KindLoad:
			v, err := mem.Load(regs[insn.Src]+uint64(int64(insn.Off)), spec.Size)
			if err != nil {
				return 0, st.Fault(err)
			}
			regs[insn.Dst] = v

		case program.KindStoreImm:
			if err := mem.Store(regs[insn.Dst]+uint64(int64(insn.Off)), spec.Size, uint64(insn.Imm)); err != nil {
				return 0, st.Fault(err)
			}

		case program.KindStoreReg:
			if err := mem.Store(regs[insn.Dst]+uint64(int64(insn.Off)), spec.Size, regs[insn.Src]); err != nil {
				return 0, st.Fault(err)
			}

		case program.KindLoadAbs, program.KindLoadInd:
			addr := program.MM_INPUT_START + uint64(uint32(insn.Imm))
			if spec.Kind == program.KindLoadInd {
				addr += regs[insn.Src]
			}
			v, err := mem.Load(addr, spec.Size)
			if err != nil {
				return 0, st.Fault(err)
			}
			regs[0] = v

		case program.KindJump:
			src := uint64(insn.Imm)
			if spec.SrcReg {
				src = regs[insn.Src]
			}
			if Taken(spec.Cond, regs[insn.Dst], src) {
				next = insn.JumpTarget()
			}

		case program.KindCall:
			target, err := st.Call(env, insn)
			if err != nil {
				return 0, st.Fault(err)
			}
			next = target

		case program.KindCallReg:
			target, err := st.CallReg(env, insn)
			if err != nil {
				return 0, st.Fault(err)
			}
			next = target

		case program.KindExit:
			ret, ok := st.PopFrame()
			if !ok {
				return regs[0], nil
			}
			next = ret

		default:
			return 0, st.Fault(vmerrors.ErrUnknownOpcode)
		}
		st.PC = next
	}
}

// ALU64 applies op to two 64-bit operands.
func ALU64(op program.ALUOp, dst, src uint64) (uint64, error) {
	switch op {
	case program.ALUAdd:
		return dst + src, nil
	case program.ALUSub:
		return dst - src, nil
	case program.ALUMul:
		return dst * src, nil
	case program.ALUDiv:
		if src == 0 {
			return 0, vmerrors.ErrDivideByZero
		}
		return dst / src, nil
	case program.ALUMod:
		if src == 0 {
			return 0, vmerrors.ErrDivideByZero
		}
		return dst % src, nil
	case program.ALUOr:
		return dst | src, nil
	case program.ALUAnd:
		return dst & src, nil
	case program.ALUXor:
		return dst ^ src, nil
	case program.ALULsh:
		return dst << (src & 63), nil
	case program.ALURsh:
		return dst >> (src & 63), nil
	case program.ALUArsh:
		return uint64(int64(dst) >> (src & 63)), nil
	case program.ALUNeg:
		return -dst, nil
	case program.ALUMov:
		return src, nil
	}
	return 0, vmerrors.ErrUnknownOpcode
}

// ALU32 applies op to the low halves and zero-extends the result.
func ALU32(op program.ALUOp, dst, src uint64) (uint64, error) {
	d, s := uint32(dst), uint32(src)
	var r uint32
	switch op {
	case program.ALUAdd:
		r = d + s
	case program.ALUSub:
		r = d - s
	case program.ALUMul:
		r = d * s
	case program.ALUDiv:
		if s == 0 {
			return 0, vmerrors.ErrDivideByZero
		}
		r = d / s
	case program.ALUMod:
		if s == 0 {
			return 0, vmerrors.ErrDivideByZero
		}
		r = d % s
	case program.ALUOr:
		r = d | s
	case program.ALUAnd:
		r = d & s
	case program.ALUXor:
		r = d ^ s
	case program.ALULsh:
		r = d << (s & 31)
	case program.ALURsh:
		r = d >> (s & 31)
	case program.ALUArsh:
		r = uint32(int32(d) >> (s & 31))
	case program.ALUNeg:
		r = -d
	case program.ALUMov:
		r = s
	default:
		return 0, vmerrors.ErrUnknownOpcode
	}
	return uint64(r), nil
}

// ByteSwap implements le/be: the value is truncated to width bits and, for
// be, its bytes are reversed.
func ByteSwap(bigEndian bool, width int, v uint64) uint64 {
	switch width {
	case 16:
		if bigEndian {
			return uint64(bits.ReverseBytes16(uint16(v)))
		}
		return uint64(uint16(v))
	case 32:
		if bigEndian {
			return uint64(bits.ReverseBytes32(uint32(v)))
		}
		return uint64(uint32(v))
	default:
		if bigEndian {
			return bits.ReverseBytes64(v)
		}
		return v
	}
}

// Taken evaluates a jump predicate.
func Taken(cond program.JumpCond, dst, src uint64) bool {
	switch cond {
	case program.CondAlways:
		return true
	case program.CondEq:
		return dst == src
	case program.CondNe:
		return dst != src
	case program.CondGt:
		return dst > src
	case program.CondGe:
		return dst >= src
	case program.CondLt:
		return dst < src
	case program.CondLe:
		return dst <= src
	case program.CondSet:
		return dst&src != 0
	case program.CondSgt:
		return int64(dst) > int64(src)
	case program.CondSge:
		return int64(dst) >= int64(src)
	case program.CondSlt:
		return int64(dst) < int64(src)
	case program.CondSle:
		return int64(dst) <= int64(src)
	}
	return false
}
