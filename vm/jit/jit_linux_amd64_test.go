//go:build linux && amd64

package jit

import (
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/colorfulnotion/ebpfvm/vm/interpreter"
	"github.com/colorfulnotion/ebpfvm/vm/machine"
	"github.com/colorfulnotion/ebpfvm/vm/memory"
	"github.com/colorfulnotion/ebpfvm/vm/program"
	"github.com/colorfulnotion/ebpfvm/vm/verifier"
	"github.com/colorfulnotion/ebpfvm/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcome struct {
	r0    uint64
	err   error
	regs  machine.Registers
	count uint64
	input []byte
	stack []byte
	extra [][]byte
}

func newEnv(t *testing.T, p *program.Program, input []byte, syscalls *machine.SyscallRegistry, extra ...memory.Region) (*machine.Env, []byte) {
	t.Helper()
	cfg := program.DefaultConfig()
	stack := make([]byte, cfg.StackSize())
	regions := append([]memory.Region{
		memory.NewRegion("program", p.Image, program.MM_PROGRAM_START, memory.PermRead|memory.PermExec),
		memory.NewRegion("stack", stack, program.MM_STACK_START, memory.PermRead|memory.PermWrite),
		memory.NewRegion("input", input, program.MM_INPUT_START, memory.PermRead|memory.PermWrite),
	}, extra...)
	mapping, err := memory.NewMemoryMapping(regions...)
	require.NoError(t, err)
	return &machine.Env{Program: p, Config: cfg, Syscalls: syscalls, Mapping: mapping}, stack
}

// runBoth executes src on the interpreter and the JIT, with and without
// constant blinding, each against a fresh copy of input, and requires
// identical outcomes. Every run also gets its own copy of the extra regions.
func runBoth(t *testing.T, src string, input []byte, syscalls *machine.SyscallRegistry, limit uint64, extra ...memory.Region) outcome {
	t.Helper()
	p := assemble(t, src)
	require.NoError(t, verifier.Verify(p, program.DefaultConfig(), syscalls))

	run := func(jit *program.Config) outcome {
		in := slices.Clone(input)
		regions := slices.Clone(extra)
		var hosts [][]byte
		for i := range regions {
			regions[i].Host = slices.Clone(regions[i].Host)
			hosts = append(hosts, regions[i].Host)
		}
		env, stack := newEnv(t, p, in, syscalls, regions...)
		st := machine.NewState(env.Config)
		st.Reset(p.Entry, limit)
		var (
			r0  uint64
			err error
		)
		if jit != nil {
			jp, cerr := Compile(p, *jit)
			require.NoError(t, cerr)
			defer jp.Close()
			r0, err = jp.Run(env, st)
		} else {
			r0, err = interpreter.Run(env, st)
		}
		return outcome{r0: r0, err: err, regs: st.Regs, count: st.Count, input: in, stack: stack, extra: hosts}
	}

	want := run(nil)
	var got outcome
	for _, sanitize := range []bool{true, false} {
		cfg := program.DefaultConfig()
		cfg.SanitizeUserProvidedValues = sanitize
		got = run(&cfg)
		compareOutcomes(t, want, got)
	}
	return got
}

func compareOutcomes(t *testing.T, want, got outcome) {
	t.Helper()
	assert.Equal(t, want.r0, got.r0, "r0")
	assert.Equal(t, want.count, got.count, "instruction count")
	assert.Equal(t, want.regs, got.regs, "registers")
	assert.Equal(t, want.input, got.input, "input memory")
	assert.Equal(t, want.stack, got.stack, "stack memory")
	assert.Equal(t, want.extra, got.extra, "extra region memory")
	if want.err == nil {
		assert.NoError(t, got.err)
	} else {
		var wf, gf *machine.Fault
		require.ErrorAs(t, want.err, &wf)
		require.ErrorAs(t, got.err, &gf, "interpreter failed with %v", want.err)
		assert.Equal(t, vmerrors.Kind(wf), vmerrors.Kind(gf))
		assert.Equal(t, wf.PC, gf.PC)
		assert.Equal(t, wf.Instructions, gf.Instructions)
	}
}

func TestJitMatchesInterpreterALU(t *testing.T) {
	progs := []string{
		"mov r0, -1",
		"mov32 r0, -1",
		"mov r0, 5\nsub32 r0, 6",
		"lddw r0, 0x100000001\nadd32 r0, 1",
		"mov r0, 7\ndiv r0, 2",
		"mov r0, -1\ndiv r0, 2",
		"mov r0, -1\ndiv32 r0, 2",
		"mov r0, 7\nmod32 r0, 3",
		"lddw r0, 0xfffffffffffffff7\nmov r3, 10\nmod r0, r3",
		"mov r0, 3\nmul r0, -1",
		"mov r0, 3\nmul32 r0, -1",
		"mov r0, 0xff\nxor r0, 0x0f",
		"mov r0, 0x10\nor r0, 1\nand r0, 0x11",
		"mov r0, 1\nmov r1, 65\nlsh r0, r1",
		"mov r0, 1\nmov r1, 33\nlsh32 r0, r1",
		"mov r0, -1\nmov r3, 0\nlsh32 r0, r3",
		"mov r0, -1\nmov r3, 4\nrsh r3, r0\nmov r0, r3",
		"mov r3, -1\nmov r0, 8\narsh r3, r0\nadd r0, r3",
		"mov r0, -1\nrsh32 r0, 28",
		"mov r0, -1\nrsh r0, 60",
		"mov r0, -8\narsh r0, 1",
		"mov32 r0, -8\narsh32 r0, 1",
		"mov r0, 5\nneg r0",
		"mov r0, 5\nneg32 r0",
		"lddw r0, 0x1122334455667788\nle16 r0",
		"lddw r0, 0x1122334455667788\nle32 r0",
		"lddw r0, 0x1122334455667788\nle64 r0",
		"lddw r0, 0x1122334455667788\nbe16 r0",
		"lddw r0, 0x1122334455667788\nbe32 r0",
		"lddw r0, 0x1122334455667788\nbe64 r0",
		// division with the operands in rax and rdx
		"mov r0, 100\nmov r2, 7\ndiv r0, r2\nmov r3, r2\nadd r0, r3",
		"mov r2, 100\nmov r0, 7\nmod r2, r0\nmov r0, r2",
		"mov r2, 100\nmov r0, 7\ndiv32 r2, r0\nadd r0, r2",
		"mov r1, 9\nmov r6, 2\nmov r9, 5\nmul r9, r6\ndiv r9, r6\nadd r0, r9\nadd r0, r1",
	}
	for _, src := range progs {
		t.Run(src, func(t *testing.T) {
			runBoth(t, src+"\nexit", nil, nil, 1000)
		})
	}
}

func TestJitMatchesInterpreterJumps(t *testing.T) {
	jumps := []string{
		"jeq r1, -1", "jne r1, -1", "jgt r1, 1", "jsgt r1, 1", "jge r1, r1",
		"jlt r1, 1", "jslt r1, 1", "jle r1, r2", "jsle r1, r2", "jsge r2, r1",
		"jset r1, 0x100", "jset r2, 0x100", "jset r2, r1", "jgt r2, r4",
	}
	for _, j := range jumps {
		t.Run(j, func(t *testing.T) {
			out := runBoth(t, "mov r0, 0\nmov r1, -1\nmov r2, 7\nmov r4, 8\n"+j+", +1\nexit\nmov r0, 1\nexit", nil, nil, 1000)
			assert.NoError(t, out.err)
		})
	}
}

func TestJitMemory(t *testing.T) {
	input := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	progs := []string{
		"mov r1, 0x1234\nstxh [r10-2], r1\nldxh r0, [r10-2]",
		"stw [r10-4], -1\nldxw r0, [r10-4]",
		"stdw [r10-8], -1\nldxdw r0, [r10-8]",
		"sth [r10-8], -2\nstb [r10-1], 0x7f\nldxdw r0, [r10-8]",
		"ldxdw r0, [r1]",
		"ldabsh 2",
		"mov r2, 1\nldindb r2, 3",
		"stb [r1+7], 0x7f\nldxb r0, [r1+7]",
		"mov r6, 0x55\nstxb [r1], r6\nmov r2, 0x66\nstxb [r1+1], r2\nmov r5, 0x77\nstxb [r1+2], r5\nldxw r0, [r1]",
		"mov r0, r10\nstxdw [r10-8], r0\nldxdw r3, [r10-8]\nsub r0, r3",
	}
	for _, src := range progs {
		t.Run(src, func(t *testing.T) {
			out := runBoth(t, src+"\nexit", input, nil, 1000)
			assert.NoError(t, out.err)
		})
	}
}

func TestJitFaults(t *testing.T) {
	input := make([]byte, 8)
	cases := []struct {
		src  string
		kind error
	}{
		{"ldxdw r0, [r1+4]", vmerrors.ErrAccessViolation},
		{"mov r1, 0\nldxb r0, [r1]", vmerrors.ErrAccessViolation},
		{"lddw r1, 0x100000000\nstb [r1], 1", vmerrors.ErrAccessViolation},
		{"mov r1, r10\nadd r1, 0x13000\nstxb [r1], r1", vmerrors.ErrAccessViolation},
		{"lddw r1, 0x1000000000\nldxb r0, [r1]", vmerrors.ErrAccessViolation},
		{"ldabsw 6", vmerrors.ErrAccessViolation},
		{"mov r0, 1\nmov r1, 0\ndiv r0, r1", vmerrors.ErrDivideByZero},
		{"mov r0, 1\nlddw r1, 0x100000000\nmod32 r0, r1", vmerrors.ErrDivideByZero},
		{"mov r2, 0\ncallx r2", vmerrors.ErrCallOutsideText},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			out := runBoth(t, tc.src+"\nexit", input, nil, 1000)
			assert.ErrorIs(t, out.err, tc.kind)
		})
	}

	// the access violation detail survives the native exit
	out := runBoth(t, "ldxdw r0, [r1+4]\nexit", input, nil, 1000)
	var av *memory.AccessViolation
	require.True(t, errors.As(out.err, &av))
	assert.Equal(t, "input", av.Region)
	assert.Equal(t, uint64(program.MM_INPUT_START+4), av.Addr)
}

func TestJitTranslateSlowPath(t *testing.T) {
	rw := memory.PermRead | memory.PermWrite
	data := []byte{0, 0, 0, 0, 0x78, 0x56, 0x34, 0x12}
	cases := []struct {
		name  string
		src   string
		input []byte
		extra memory.Region
		r0    uint64
	}{
		{
			// beyond the inline region table
			name:  "high slot",
			src:   "lddw r1, 0x1000000000\nldxw r0, [r1+4]\nstw [r1], 9\nldxb r2, [r1]\nexit",
			extra: memory.NewRegion("extra", data, 0x10_0000_0000, rw),
			r0:    0x12345678,
		},
		{
			// the slot already publishes the input region
			name:  "shared slot",
			src:   "ldxw r0, [r1+20]\nstb [r1+16], 9\nldxb r2, [r1+16]\nldxb r3, [r1+1]\nexit",
			input: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
			extra: memory.NewRegion("extra", data, program.MM_INPUT_START+16, rw),
			r0:    0x12345678,
		},
		{
			name:  "crosses slots",
			src:   "lddw r1, 0x5fffffffc\nldxdw r0, [r1]\nstw [r1], 9\nldxb r2, [r1]\nexit",
			extra: memory.NewRegion("extra", data, 0x5_FFFF_FFFC, rw),
			r0:    0x1234567800000000,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := runBoth(t, tc.src, tc.input, nil, 1000, tc.extra)
			require.NoError(t, out.err)
			assert.Equal(t, uint64(9), out.regs[2])
			require.Len(t, out.extra, 1)
			assert.Equal(t, byte(9), out.extra[0][0])
			assert.Equal(t, tc.r0, out.r0)
		})
	}
}

func TestJitMetering(t *testing.T) {
	src := "mov r0, 0\nadd r0, 1\njlt r0, 10, -2\nexit"
	out := runBoth(t, src, nil, nil, 22)
	require.NoError(t, out.err)
	assert.Equal(t, uint64(10), out.r0)
	assert.Equal(t, uint64(22), out.count)

	out = runBoth(t, src, nil, nil, 21)
	assert.ErrorIs(t, out.err, vmerrors.ErrInstructionLimitExceeded)

	out = runBoth(t, src, nil, nil, 0)
	assert.ErrorIs(t, out.err, vmerrors.ErrInstructionLimitExceeded)

	// limit reached on a lddw reports the first slot
	out = runBoth(t, "mov r0, 0\nlddw r1, 5\nexit", nil, nil, 1)
	var f *machine.Fault
	require.ErrorAs(t, out.err, &f)
	assert.Equal(t, 1, f.PC)
}

func TestJitCalls(t *testing.T) {
	out := runBoth(t, `
	entrypoint:
		mov r6, 7
		call fn
		add r0, r6
		exit
	fn:
		mov r6, 1
		mov r0, 10
		exit`, nil, nil, 1000)
	require.NoError(t, out.err)
	assert.Equal(t, uint64(17), out.r0)

	out = runBoth(t, "entrypoint:\ncall entrypoint\nexit", nil, nil, 1000)
	assert.ErrorIs(t, out.err, vmerrors.ErrCallDepthExceeded)

	out = runBoth(t, "lddw r2, 0x100000020\ncallx r2\nexit\nmov r0, 9\nexit", nil, nil, 1000)
	require.NoError(t, out.err)
	assert.Equal(t, uint64(9), out.r0)

	reg := machine.NewSyscallRegistry()
	_, err := reg.Register("add2", func(regs machine.Registers, _ *memory.MemoryMapping) (uint64, error) {
		return regs[1] + regs[2], nil
	})
	require.NoError(t, err)
	_, err = reg.Register("poke", func(regs machine.Registers, mem *memory.MemoryMapping) (uint64, error) {
		return 0, mem.Store(regs[1], 1, 0xaa)
	})
	require.NoError(t, err)

	out = runBoth(t, "mov r1, 3\nmov r2, 4\ncall add2\nmov r6, r0\ncall add2\nadd r0, r6\nexit", nil, reg, 1000)
	require.NoError(t, out.err)
	assert.Equal(t, uint64(14), out.r0)

	out = runBoth(t, "add r1, 2\ncall poke\nldxb r0, [r1]\nexit", make([]byte, 4), reg, 1000)
	require.NoError(t, out.err)
	assert.Equal(t, uint64(0xaa), out.r0)

	out = runBoth(t, "mov r1, 0\ncall poke\nexit", make([]byte, 4), reg, 1000)
	assert.ErrorIs(t, out.err, vmerrors.ErrExternalCall)
}

func TestJitScenarioLoops(t *testing.T) {
	out := runBoth(t, "mov r1, r2; and r1, 1023; ldindb r1, 0; add r2, 1; jlt r2, 0x10000, -5; exit", make([]byte, 1024), nil, 327681)
	require.NoError(t, out.err)
	assert.Equal(t, uint64(327681), out.count)

	out = runBoth(t, "mov r1, r2; and r1, 1023; add r2, 1; jlt r2, 0x10000, -4; exit", []byte{}, nil, 262144)
	assert.ErrorIs(t, out.err, vmerrors.ErrInstructionLimitExceeded)
}

func TestJitConcurrentRuns(t *testing.T) {
	p := assemble(t, "mov r0, 0\nadd r0, 1\nstxdw [r10-8], r0\nldxdw r0, [r10-8]\njlt r0, 1000, -4\nexit")
	jp, err := Compile(p, program.DefaultConfig())
	require.NoError(t, err)
	defer jp.Close()

	var wg sync.WaitGroup
	results := make([]uint64, 8)
	errs := make([]error, 8)
	for i := range results {
		env, _ := newEnv(t, p, nil, nil)
		st := machine.NewState(env.Config)
		st.Reset(p.Entry, 1_000_000)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = jp.Run(env, st)
		}(i)
	}
	wg.Wait()
	for i := range results {
		assert.NoError(t, errs[i])
		assert.Equal(t, uint64(1000), results[i])
	}
}

func TestJitClose(t *testing.T) {
	p := assemble(t, "mov r0, 1\nexit")
	jp, err := Compile(p, program.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, jp.Close())
	require.NoError(t, jp.Close())

	env, _ := newEnv(t, p, nil, nil)
	st := machine.NewState(env.Config)
	st.Reset(p.Entry, 10)
	_, err = jp.Run(env, st)
	assert.Error(t, err)
}
