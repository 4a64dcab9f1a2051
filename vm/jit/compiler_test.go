package jit

import (
	"bytes"
	"strings"
	"testing"

	"github.com/colorfulnotion/ebpfvm/vm/asm"
	"github.com/colorfulnotion/ebpfvm/vm/program"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
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

// plainConfig turns off constant blinding so encodings are predictable.
func plainConfig() program.Config {
	cfg := program.DefaultConfig()
	cfg.SanitizeUserProvidedValues = false
	return cfg
}

func generate(t *testing.T, src string) *Code {
	t.Helper()
	code, err := Generate(assemble(t, src), plainConfig())
	require.NoError(t, err)
	return code
}

func decodeAll(t *testing.T, text []byte) []x86asm.Inst {
	t.Helper()
	var insts []x86asm.Inst
	for off := 0; off < len(text); {
		inst, err := x86asm.Decode(text[off:], 64)
		require.NoError(t, err, "offset 0x%x", off)
		insts = append(insts, inst)
		off += inst.Len
	}
	return insts
}

// meterBytes is cmp rbx, [rdi+8]; jb +5; call rel32 (opcode only).
var meterBytes = []byte{0x48, 0x3B, 0x5F, 0x08, 0x72, 0x05, 0xE8}

const meterLen = 4 + 2 + 5 + 3

func TestGeneratePrologue(t *testing.T) {
	code := generate(t, "mov r0, 1\nexit")
	inst, err := x86asm.Decode(code.Text, 64)
	require.NoError(t, err)
	assert.Equal(t, x86asm.PUSH, inst.Op)
	assert.Equal(t, x86asm.RBX, inst.Args[0])

	body := code.Text[code.Offsets[0]:]
	assert.Equal(t, meterBytes, body[:len(meterBytes)])
	assert.Equal(t, []byte{0x48, 0xFF, 0xC3}, body[len(meterBytes)+4:meterLen])
}

func TestGenerateAluEncoding(t *testing.T) {
	code := generate(t, "add r1, r2\nexit")
	at := code.Offsets[0] + meterLen
	// add rsi, rdx
	assert.Equal(t, []byte{0x48, 0x01, 0xD6}, code.Text[at:at+3])

	inst, err := x86asm.Decode(code.Text[at:], 64)
	require.NoError(t, err)
	assert.Equal(t, x86asm.ADD, inst.Op)
	assert.Equal(t, x86asm.RSI, inst.Args[0])
	assert.Equal(t, x86asm.RDX, inst.Args[1])
}

func TestGenerateDecodesCleanly(t *testing.T) {
	src := `
	entrypoint:
		mov r1, r10
		stdw [r10-8], 5
		ldxdw r2, [r10-8]
		stxb [r1-16], r6
		ldabsw 4
		ldindh r2, 0
		lddw r3, 0x1122334455667788
		be16 r3
		be64 r3
		le32 r3
		mov32 r4, 3
		div r3, r4
		mod32 r3, 7
		lsh r3, r2
		arsh32 r3, 3
		rsh r3, r3
		mul r9, -3
		neg32 r8
		jset r3, 0x10, +1
		jsgt r3, r4, -4
		callx r5
		call fn
		exit
	fn:
		mov r0, 0
		exit`
	decodeAll(t, generate(t, src).Text)

	code, err := Generate(assemble(t, src), program.DefaultConfig())
	require.NoError(t, err)
	decodeAll(t, code.Text)
}

func TestGenerateBlindsConstants(t *testing.T) {
	src := `
		lddw r0, 0x9090909090909090
		mov r1, 0x12345678
		add32 r2, 0x23456789
		mul r3, 0x3456789a
		jgt r3, 0x456789ab, +1
		stw [r10-8], 0x56789abc
		ldxw r4, [r10+0x6789]
		exit`
	sprayed := [][]byte{
		{0x90, 0x90, 0x90, 0x90},
		{0x78, 0x56, 0x34, 0x12},
		{0x89, 0x67, 0x45, 0x23},
		{0x9a, 0x78, 0x56, 0x34},
		{0xab, 0x89, 0x67, 0x45},
		{0xbc, 0x9a, 0x78, 0x56},
	}

	plain := generate(t, src)
	for _, b := range sprayed {
		assert.True(t, bytes.Contains(plain.Text, b), "% x missing without blinding", b)
	}
	assert.True(t, bytes.Contains(plain.Text, []byte{0x89, 0x67, 0x00, 0x00}))

	p := assemble(t, src)
	first, err := Generate(p, program.DefaultConfig())
	require.NoError(t, err)
	second, err := Generate(p, program.DefaultConfig())
	require.NoError(t, err)
	for _, code := range []*Code{first, second} {
		for _, b := range sprayed {
			assert.False(t, bytes.Contains(code.Text, b), "% x emitted verbatim", b)
		}
		assert.False(t, bytes.Contains(code.Text, []byte{0x89, 0x67, 0x00, 0x00}))
		decodeAll(t, code.Text)
	}
	assert.NotEqual(t, first.Text, second.Text, "keys are drawn per compile")
	assert.Equal(t, len(first.Text), len(second.Text))
}

func TestGenerateKeepsSmallConstants(t *testing.T) {
	src := "mov r0, 7\nadd r0, -2\nand r0, 0xffff\nmov32 r1, -1\nexit"
	plain := generate(t, src)
	code, err := Generate(assemble(t, src), program.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, plain.Text, code.Text)
}

func TestShouldSanitize(t *testing.T) {
	c := &compiler{sanitize: true}
	for _, v := range []int64{0, 1, 0xFF, -1, -256, 0xFFFF, 0xFFFFFF, 0xFFFFFFFF, 0xFFFFFFFFFF} {
		assert.False(t, c.shouldSanitize(v), "0x%x", v)
	}
	for _, v := range []int64{0x100, -257, 0x1234, 0x7FFFFFFF, 0x100000000} {
		assert.True(t, c.shouldSanitize(v), "0x%x", v)
	}
	c.sanitize = false
	assert.False(t, c.shouldSanitize(0x1234))
}

func TestGenerateOffsets(t *testing.T) {
	code := generate(t, "lddw r0, 1\nadd r0, 1\nja +0\nexit")
	require.Len(t, code.Offsets, 5)
	assert.Equal(t, code.Offsets[0], code.Offsets[1])
	for pc := 2; pc < len(code.Offsets); pc++ {
		assert.Greater(t, code.Offsets[pc], code.Offsets[pc-1])
	}
	assert.Greater(t, code.BodyEnd, code.Offsets[4])
	assert.Equal(t, code.BodyEnd, code.Stubs[stubCommonExit])

	for _, pc := range []int{0, 2, 3, 4} {
		assert.Equal(t, pc, code.PCForOffset(int(code.Offsets[pc])))
		assert.Equal(t, pc, code.PCForOffset(int(code.Offsets[pc])+1))
	}
	// inside lddw resolves to the first slot
	assert.Equal(t, 0, code.PCForOffset(int(code.Offsets[0])+meterLen+2))
}

func TestGenerateJumpTargets(t *testing.T) {
	code := generate(t, "mov r0, 0\nadd r0, 1\njlt r0, 10, -2\nexit")
	// the jcc rel32 is the last 6 bytes of pc 2
	end := int(code.Offsets[3])
	assert.Equal(t, []byte{0x0F, byte(X86_OP2_JB)}, code.Text[end-6:end-4])
	inst, err := x86asm.Decode(code.Text[end-6:], 64)
	require.NoError(t, err)
	rel, ok := inst.Args[0].(x86asm.Rel)
	require.True(t, ok)
	assert.Equal(t, int(code.Offsets[1]), end+int(rel))
}

func TestTranslateIndex(t *testing.T) {
	for idx := 0; idx < 8; idx++ {
		kind, size := translateAccess(idx)
		assert.Equal(t, idx, translateIndex(kind, size))
	}
}

func TestDisassembleLabels(t *testing.T) {
	code := generate(t, "lddw r0, 1\nexit")
	text := code.Disassemble()
	assert.Contains(t, text, "pc_0:\n")
	assert.NotContains(t, text, "pc_1:\n")
	assert.Contains(t, text, "pc_2:\n")
	assert.Contains(t, text, "common_exit:\n")
	assert.Contains(t, text, "translate_store8:\n")
	assert.False(t, strings.Contains(text, " db 0x"), "undecodable bytes:\n%s", text)
}
