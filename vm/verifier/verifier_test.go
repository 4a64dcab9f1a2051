package verifier

import (
	"encoding/binary"
	"testing"

	"github.com/colorfulnotion/ebpfvm/vm/asm"
	"github.com/colorfulnotion/ebpfvm/vm/machine"
	"github.com/colorfulnotion/ebpfvm/vm/memory"
	"github.com/colorfulnotion/ebpfvm/vm/program"
	"github.com/colorfulnotion/ebpfvm/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assemble(t *testing.T, src string) *program.Program {
	t.Helper()
	out, err := asm.Assemble(src)
	require.NoError(t, err)
	p, err := program.NewProgram(out.Text, 0, len(out.Text), out.Entry)
	require.NoError(t, err)
	for name, pc := range out.Functions {
		_, err := p.RegisterFunction(name, pc)
		require.NoError(t, err)
	}
	return p
}

func raw(t *testing.T, slots ...[8]byte) *program.Program {
	t.Helper()
	var text []byte
	for _, s := range slots {
		text = append(text, s[:]...)
	}
	p, err := program.NewProgram(text, 0, len(text), 0)
	require.NoError(t, err)
	return p
}

func slot(opc, regs byte, off int16, imm int32) [8]byte {
	var s [8]byte
	s[0] = opc
	s[1] = regs
	binary.LittleEndian.PutUint16(s[2:], uint16(off))
	binary.LittleEndian.PutUint32(s[4:], uint32(imm))
	return s
}

var exitSlot = slot(program.EXIT, 0, 0, 0)

func verifyErr(t *testing.T, err error, pc int, kind error) {
	t.Helper()
	require.Error(t, err)
	var ve *vmerrors.VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, pc, ve.PC)
	assert.ErrorIs(t, err, kind)
}

func TestVerifyAccepts(t *testing.T) {
	p := assemble(t, `
	entrypoint:
		mov r1, 0
		lddw r2, 0x100000000
		stxdw [r10-8], r2
		ldxdw r3, [r10-8]
		call helper
		jeq r0, 0, done
		mov r0, 1
	done:
		exit
	helper:
		mov r0, 0
		exit`)
	require.NoError(t, Verify(p, program.DefaultConfig(), nil))
}

func TestVerifyRejections(t *testing.T) {
	cfg := program.DefaultConfig()
	cases := []struct {
		name string
		src  string
		pc   int
		kind error
	}{
		{"jump out of range", "ja +5\nexit", 0, vmerrors.ErrJumpOutOfRange},
		{"jump before start", "mov r0, 0\njeq r0, 0, -3\nexit", 1, vmerrors.ErrJumpOutOfRange},
		{"jump into lddw", "ja +1\nlddw r0, 1\nexit", 0, vmerrors.ErrJumpToMiddleOfLDDW},
		{"write to r10", "mov r10, 1\nexit", 0, vmerrors.ErrCannotWriteR10},
		{"load into r10", "ldxdw r10, [r1]\nexit", 0, vmerrors.ErrCannotWriteR10},
		{"division by zero", "mov r0, 1\ndiv r0, 0\nexit", 1, vmerrors.ErrDivisionByZero},
		{"modulo by zero", "mod32 r0, 0\nexit", 0, vmerrors.ErrDivisionByZero},
		{"shift overflow", "lsh32 r0, 32\nexit", 0, vmerrors.ErrShiftWithOverflow},
		{"shift overflow 64", "arsh r0, 64\nexit", 0, vmerrors.ErrShiftWithOverflow},
		{"fallthrough", "mov r0, 0", 0, vmerrors.ErrFallthroughEnd},
		{"unresolved call", "call nowhere\nexit", 0, vmerrors.ErrUnresolvedSymbol},
		{"stack below frame", "stxdw [r10-4096], r1\nstxdw [r10-4104], r1\nexit", 1, vmerrors.ErrStackOutOfFrame},
		{"stack above frame", "ldxw r1, [r10-2]\nexit", 0, vmerrors.ErrStackOutOfFrame},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verifyErr(t, Verify(assemble(t, tc.src), cfg, nil), tc.pc, tc.kind)
		})
	}
}

func TestVerifyRawEncodings(t *testing.T) {
	cfg := program.DefaultConfig()

	// dst r11
	p := raw(t, slot(program.MOV64_IMM, 0x0b, 0, 1), exitSlot)
	verifyErr(t, Verify(p, cfg, nil), 0, vmerrors.ErrInvalidRegister)

	// src r12
	p = raw(t, slot(program.MOV64_REG, 0xc1, 0, 0), exitSlot)
	verifyErr(t, Verify(p, cfg, nil), 0, vmerrors.ErrInvalidRegister)

	p = raw(t, slot(0xff, 0, 0, 0), exitSlot)
	verifyErr(t, Verify(p, cfg, nil), 0, vmerrors.ErrUnknownOpcode)

	p = raw(t, slot(program.LD_DW_IMM, 0x01, 0, 1), slot(0x07, 0, 0, 0), exitSlot)
	verifyErr(t, Verify(p, cfg, nil), 0, vmerrors.ErrIncompleteLDDW)

	p = raw(t, slot(program.LE, 0x01, 0, 8), exitSlot)
	verifyErr(t, Verify(p, cfg, nil), 0, vmerrors.ErrInvalidEndianWidth)

	p = raw(t, slot(program.CALL_REG, 0, 0, 11), exitSlot)
	verifyErr(t, Verify(p, cfg, nil), 0, vmerrors.ErrInvalidRegister)

	p = raw(t, slot(program.MOV64_IMM, 0, 0, 0), exitSlot, slot(program.MOV64_IMM, 0, 0, 0))
	verifyErr(t, Verify(p, cfg, nil), 2, vmerrors.ErrFallthroughEnd)
}

func TestVerifyEmpty(t *testing.T) {
	p, err := program.NewProgram(nil, 0, 0, 0)
	require.NoError(t, err)
	verifyErr(t, Verify(p, program.DefaultConfig(), nil), 0, vmerrors.ErrNoProgram)
}

func TestVerifyEntrypoint(t *testing.T) {
	p := assemble(t, "lddw r0, 1\nexit")
	p.Entry = 1
	verifyErr(t, Verify(p, program.DefaultConfig(), nil), 1, vmerrors.ErrInvalidEntrypoint)
	p.Entry = 3
	verifyErr(t, Verify(p, program.DefaultConfig(), nil), 3, vmerrors.ErrInvalidEntrypoint)
}

func TestVerifyConfigGates(t *testing.T) {
	cfg := program.DefaultConfig()
	cfg.EnableCallx = false
	verifyErr(t, Verify(assemble(t, "callx r1\nexit"), cfg, nil), 0, vmerrors.ErrUnsupportedInstruction)

	cfg = program.DefaultConfig()
	cfg.EnableByteSwap = false
	verifyErr(t, Verify(assemble(t, "mov r0, 1\nbe16 r0\nexit"), cfg, nil), 1, vmerrors.ErrUnsupportedInstruction)

	cfg = program.DefaultConfig()
	cfg.RejectLegacyLoads = true
	verifyErr(t, Verify(assemble(t, "ldabsw 0\nexit"), cfg, nil), 0, vmerrors.ErrUnsupportedInstruction)
	require.NoError(t, Verify(assemble(t, "ldabsw 0\nexit"), program.DefaultConfig(), nil))

	cfg = program.DefaultConfig()
	cfg.EnableStackOffsetCheck = false
	require.NoError(t, Verify(assemble(t, "stxdw [r10+16], r1\nexit"), cfg, nil))

	cfg = program.DefaultConfig()
	cfg.StackFrameSize = 0
	verifyErr(t, Verify(assemble(t, "exit"), cfg, nil), 0, vmerrors.ErrInvalidConfig)
}

func TestVerifySyscallResolution(t *testing.T) {
	p := assemble(t, "call log\nexit")
	verifyErr(t, Verify(p, program.DefaultConfig(), nil), 0, vmerrors.ErrUnresolvedSymbol)

	reg := machine.NewSyscallRegistry()
	_, err := reg.Register("log", func(machine.Registers, *memory.MemoryMapping) (uint64, error) { return 0, nil })
	require.NoError(t, err)
	require.NoError(t, Verify(p, program.DefaultConfig(), reg))
}

func TestVerifyErrorMessage(t *testing.T) {
	err := Verify(assemble(t, "ja +5\nexit"), program.DefaultConfig(), nil)
	require.Error(t, err)
	assert.Equal(t, "verification failed at pc 0: JumpOutOfRange", err.Error())
	assert.Equal(t, vmerrors.ErrJumpOutOfRange, vmerrors.Kind(err))
}
