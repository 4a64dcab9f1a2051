package asm

import (
	"fmt"
	"math"
	"strings"

	"github.com/colorfulnotion/ebpfvm/log"
	"github.com/colorfulnotion/ebpfvm/vm/program"
	"github.com/colorfulnotion/ebpfvm/vmerrors"
)

// Output is an assembled program. Insns is slot-indexed like
// program.DecodeAll: a lddw is followed by its second slot.
type Output struct {
	Insns []program.Instruction
	Text  []byte
	Entry int
	// Functions holds labels used as call targets, plus the entrypoint label.
	Functions map[string]int
}

// Assemble parses one instruction per line; ';' also separates
// instructions. Jump and call targets may be
// numbers or labels; a call to a name that is not a label is a syscall and
// is encoded as the hash of the name.
func Assemble(src string) (*Output, error) {
	var stmts []statement
	labels := make(map[string]int)
	pc := 0
	for i, raw := range strings.Split(src, "\n") {
		line := i + 1
		for _, part := range strings.Split(stripComment(raw), ";") {
			text := strings.TrimSpace(part)
			for {
				label, rest, ok := splitLabel(text)
				if !ok {
					break
				}
				if _, dup := labels[label]; dup {
					return nil, &vmerrors.ParseError{Line: line, Msg: fmt.Sprintf("duplicate label %q", label)}
				}
				labels[label] = pc
				text = rest
			}
			if text == "" {
				continue
			}
			mnemonic, ops, err := parseStatement(text)
			if err != nil {
				return nil, &vmerrors.ParseError{Line: line, Msg: err.Error()}
			}
			stmts = append(stmts, statement{line: line, pc: pc, mnemonic: mnemonic, operands: ops})
			if mnemonic == "lddw" {
				pc += 2
			} else {
				pc++
			}
		}
	}

	out := &Output{Functions: make(map[string]int)}
	if entry, ok := labels["entrypoint"]; ok {
		out.Entry = entry
		out.Functions["entrypoint"] = entry
	}
	insns := make([]program.Instruction, 0, pc)
	for _, st := range stmts {
		insn, err := encodeStatement(st, labels, out.Functions)
		if err != nil {
			return nil, &vmerrors.ParseError{Line: st.line, Msg: err.Error()}
		}
		insns = append(insns, insn)
		if insn.IsWide() {
			hi := uint32(uint64(insn.Imm) >> 32)
			insns = append(insns, program.Instruction{PC: insn.PC + 1, Imm: int64(int32(hi))})
		}
	}
	out.Insns = insns
	out.Text = program.EncodeAll(insns)
	log.Debug(log.AsmMonitoring, "assembled", "slots", len(insns), "labels", len(labels), "functions", len(out.Functions))
	return out, nil
}

func endianMnemonic(name string) (base string, width int64, ok bool) {
	for _, b := range []string{"le", "be"} {
		for _, w := range []int64{16, 32, 64} {
			if name == fmt.Sprintf("%s%d", b, w) {
				return b, w, true
			}
		}
	}
	return "", 0, false
}

func imm32(v int64) (int64, error) {
	if v < math.MinInt32 || v > math.MaxUint32 {
		return 0, fmt.Errorf("immediate %d does not fit in 32 bits", v)
	}
	return int64(int32(uint32(v))), nil
}

func expect(name string, ops []operand, kinds ...operandKind) error {
	if len(ops) != len(kinds) {
		return fmt.Errorf("%s expects %d operands, got %d", name, len(kinds), len(ops))
	}
	for i, k := range kinds {
		if ops[i].kind == k {
			continue
		}
		return fmt.Errorf("%s: malformed operand %d %q", name, i+1, ops[i].text)
	}
	return nil
}

func jumpOffset(op operand, pc int, labels map[string]int) (int16, error) {
	var off int64
	switch op.kind {
	case opImm:
		off = op.imm
	case opIdent:
		target, ok := labels[op.text]
		if !ok {
			return 0, fmt.Errorf("unresolved label %q", op.text)
		}
		off = int64(target - pc - 1)
	default:
		return 0, fmt.Errorf("malformed jump target %q", op.text)
	}
	if off < math.MinInt16 || off > math.MaxInt16 {
		return 0, fmt.Errorf("jump offset %d out of range", off)
	}
	return int16(off), nil
}

func encodeStatement(st statement, labels map[string]int, functions map[string]int) (program.Instruction, error) {
	insn := program.Instruction{PC: st.pc}
	name, ops := st.mnemonic, st.operands

	if base, width, ok := endianMnemonic(name); ok {
		spec, _ := program.LookupMnemonic(base, base == "be")
		if err := expect(name, ops, opReg); err != nil {
			return insn, err
		}
		insn.Opc, insn.Dst, insn.Imm = spec.Opcode, ops[0].reg, width
		return insn, nil
	}
	if !program.IsMnemonic(name) && strings.HasSuffix(name, "64") && program.IsMnemonic(strings.TrimSuffix(name, "64")) {
		name = strings.TrimSuffix(name, "64")
	}
	if !program.IsMnemonic(name) {
		return insn, fmt.Errorf("unknown mnemonic %q", st.mnemonic)
	}

	srcReg := false
	switch {
	case len(ops) == 2 && ops[1].kind == opReg:
		srcReg = true
	case len(ops) == 3 && ops[1].kind == opReg:
		srcReg = true
	}
	spec, ok := program.LookupMnemonic(name, srcReg)
	if !ok {
		return insn, fmt.Errorf("%s has no %s form", name, map[bool]string{true: "register", false: "immediate"}[srcReg])
	}
	insn.Opc = spec.Opcode

	var err error
	switch spec.Kind {
	case program.KindALU:
		if spec.ALU == program.ALUNeg {
			if err = expect(name, ops, opReg); err != nil {
				return insn, err
			}
			insn.Dst = ops[0].reg
			return insn, nil
		}
		if spec.SrcReg {
			if err = expect(name, ops, opReg, opReg); err != nil {
				return insn, err
			}
			insn.Dst, insn.Src = ops[0].reg, ops[1].reg
			return insn, nil
		}
		if err = expect(name, ops, opReg, opImm); err != nil {
			return insn, err
		}
		insn.Dst = ops[0].reg
		insn.Imm, err = imm32(ops[1].imm)
	case program.KindLoadImm64:
		if err = expect(name, ops, opReg, opImm); err != nil {
			return insn, err
		}
		insn.Dst, insn.Imm = ops[0].reg, ops[1].imm
	case program.KindLoad:
		if err = expect(name, ops, opReg, opMem); err != nil {
			return insn, err
		}
		insn.Dst, insn.Src, insn.Off = ops[0].reg, ops[1].reg, ops[1].off
	case program.KindStoreImm:
		if err = expect(name, ops, opMem, opImm); err != nil {
			return insn, err
		}
		insn.Dst, insn.Off = ops[0].reg, ops[0].off
		insn.Imm, err = imm32(ops[1].imm)
	case program.KindStoreReg:
		if err = expect(name, ops, opMem, opReg); err != nil {
			return insn, err
		}
		insn.Dst, insn.Off, insn.Src = ops[0].reg, ops[0].off, ops[1].reg
	case program.KindLoadAbs:
		if err = expect(name, ops, opImm); err != nil {
			return insn, err
		}
		insn.Imm, err = imm32(ops[0].imm)
	case program.KindLoadInd:
		if err = expect(name, ops, opReg, opImm); err != nil {
			return insn, err
		}
		insn.Src = ops[0].reg
		insn.Imm, err = imm32(ops[1].imm)
	case program.KindJump:
		if spec.Cond == program.CondAlways {
			if len(ops) != 1 {
				return insn, fmt.Errorf("%s expects 1 operand, got %d", name, len(ops))
			}
			insn.Off, err = jumpOffset(ops[0], st.pc, labels)
			return insn, err
		}
		if len(ops) != 3 || ops[0].kind != opReg || (ops[1].kind != opReg && ops[1].kind != opImm) {
			return insn, fmt.Errorf("%s expects register, register or immediate, and target", name)
		}
		insn.Dst = ops[0].reg
		if spec.SrcReg {
			insn.Src = ops[1].reg
		} else if insn.Imm, err = imm32(ops[1].imm); err != nil {
			return insn, err
		}
		insn.Off, err = jumpOffset(ops[2], st.pc, labels)
	case program.KindCall:
		if len(ops) != 1 {
			return insn, fmt.Errorf("call expects 1 operand, got %d", len(ops))
		}
		switch ops[0].kind {
		case opImm:
			insn.Imm, err = imm32(ops[0].imm)
		case opIdent:
			target := ops[0].text
			if pc, ok := labels[target]; ok {
				functions[target] = pc
			}
			insn.Imm = int64(int32(program.HashSymbolName(target)))
		default:
			return insn, fmt.Errorf("malformed call target %q", ops[0].text)
		}
	case program.KindCallReg:
		if err = expect(name, ops, opReg); err != nil {
			return insn, err
		}
		insn.Imm = int64(ops[0].reg)
	case program.KindExit:
		err = expect(name, ops)
	}
	return insn, err
}
