package verifier

import (
	"fmt"

	"github.com/colorfulnotion/ebpfvm/log"
	"github.com/colorfulnotion/ebpfvm/vm/machine"
	"github.com/colorfulnotion/ebpfvm/vm/program"
	"github.com/colorfulnotion/ebpfvm/vmerrors"
)

// Verify runs the static checks every program passes before execution. It
// stops at the first failure and returns a *vmerrors.VerifyError.
//
// Reachability is checked in its relaxed form: every jump target must be a
// valid instruction and the final instruction must be exit or ja, so
// control can never run past the end of the text.
func Verify(p *program.Program, cfg program.Config, syscalls *machine.SyscallRegistry) error {
	if err := cfg.Validate(); err != nil {
		return &vmerrors.VerifyError{PC: 0, Err: err}
	}
	n := p.Len()
	if n == 0 {
		return &vmerrors.VerifyError{PC: 0, Err: vmerrors.ErrNoProgram}
	}
	if p.Entry < 0 || p.Entry >= n || p.IsSecondSlot(p.Entry) {
		return &vmerrors.VerifyError{PC: p.Entry, Err: vmerrors.ErrInvalidEntrypoint}
	}
	for _, fn := range p.FunctionList() {
		if fn.PC < 0 || fn.PC >= n || p.IsSecondSlot(fn.PC) {
			return &vmerrors.VerifyError{PC: fn.PC, Err: fmt.Errorf("%w: function %s", vmerrors.ErrJumpOutOfRange, fn.Name)}
		}
	}

	for pc := 0; pc < n; pc++ {
		insn := p.Insns[pc]
		if err := checkInstruction(p, cfg, syscalls, insn); err != nil {
			return &vmerrors.VerifyError{PC: pc, Err: err}
		}
		if insn.IsWide() {
			pc++
		}
	}

	last := p.Insns[n-1]
	if p.IsSecondSlot(n-1) || (last.Opc != program.EXIT && last.Opc != program.JA) {
		return &vmerrors.VerifyError{PC: n - 1, Err: vmerrors.ErrFallthroughEnd}
	}
	log.Debug(log.VerifyMonitoring, "program verified", "slots", n, "functions", len(p.Functions))
	return nil
}

func checkInstruction(p *program.Program, cfg program.Config, syscalls *machine.SyscallRegistry, insn program.Instruction) error {
	spec := insn.Spec()
	if spec == nil {
		return fmt.Errorf("%w: 0x%02x", vmerrors.ErrUnknownOpcode, insn.Opc)
	}
	if insn.Dst >= program.NumRegisters || insn.Src >= program.NumRegisters {
		return fmt.Errorf("%w: dst r%d src r%d", vmerrors.ErrInvalidRegister, insn.Dst, insn.Src)
	}

	switch spec.Kind {
	case program.KindALU:
		if insn.Dst == program.FramePointer {
			return vmerrors.ErrCannotWriteR10
		}
		if !spec.SrcReg {
			return checkALUImmediate(spec, insn.Imm)
		}
	case program.KindEndian:
		if !cfg.EnableByteSwap {
			return fmt.Errorf("%w: %s", vmerrors.ErrUnsupportedInstruction, spec.Name)
		}
		if insn.Dst == program.FramePointer {
			return vmerrors.ErrCannotWriteR10
		}
		if insn.Imm != 16 && insn.Imm != 32 && insn.Imm != 64 {
			return fmt.Errorf("%w: %d", vmerrors.ErrInvalidEndianWidth, insn.Imm)
		}
	case program.KindLoadImm64:
		if insn.Dst == program.FramePointer {
			return vmerrors.ErrCannotWriteR10
		}
		if insn.PC+1 >= p.Len() || p.Insns[insn.PC+1].Opc != 0 {
			return vmerrors.ErrIncompleteLDDW
		}
	case program.KindLoad:
		if insn.Dst == program.FramePointer {
			return vmerrors.ErrCannotWriteR10
		}
		if insn.Src == program.FramePointer {
			return checkStackOffset(cfg, insn.Off, spec.Size)
		}
	case program.KindStoreImm, program.KindStoreReg:
		if insn.Dst == program.FramePointer {
			return checkStackOffset(cfg, insn.Off, spec.Size)
		}
	case program.KindLoadAbs, program.KindLoadInd:
		if cfg.RejectLegacyLoads {
			return fmt.Errorf("%w: %s", vmerrors.ErrUnsupportedInstruction, spec.Name)
		}
	case program.KindJump:
		target := insn.JumpTarget()
		if target < 0 || target >= p.Len() {
			return fmt.Errorf("%w: target %d", vmerrors.ErrJumpOutOfRange, target)
		}
		if p.IsSecondSlot(target) {
			return fmt.Errorf("%w: target %d", vmerrors.ErrJumpToMiddleOfLDDW, target)
		}
	case program.KindCall:
		key := uint32(insn.Imm)
		if _, ok := syscalls.Lookup(key); ok {
			return nil
		}
		if _, ok := p.Function(key); !ok {
			return fmt.Errorf("%w: key 0x%08x", vmerrors.ErrUnresolvedSymbol, key)
		}
	case program.KindCallReg:
		if !cfg.EnableCallx {
			return fmt.Errorf("%w: %s", vmerrors.ErrUnsupportedInstruction, spec.Name)
		}
		if insn.Imm < 0 || insn.Imm >= program.NumRegisters {
			return fmt.Errorf("%w: callx r%d", vmerrors.ErrInvalidRegister, insn.Imm)
		}
	}
	return nil
}

func checkALUImmediate(spec *program.InstructionSpec, imm int64) error {
	width := int64(32)
	if spec.Is64 {
		width = 64
	}
	switch spec.ALU {
	case program.ALUDiv, program.ALUMod:
		if imm == 0 {
			return vmerrors.ErrDivisionByZero
		}
	case program.ALULsh, program.ALURsh, program.ALUArsh:
		if imm < 0 || imm >= width {
			return fmt.Errorf("%w: %s by %d", vmerrors.ErrShiftWithOverflow, spec.Name, imm)
		}
	}
	return nil
}

func checkStackOffset(cfg program.Config, off int16, size int) error {
	if !cfg.EnableStackOffsetCheck {
		return nil
	}
	if int(off) < -cfg.StackFrameSize || int(off)+size > 0 {
		return fmt.Errorf("%w: r10%+d (%d bytes)", vmerrors.ErrStackOutOfFrame, off, size)
	}
	return nil
}
