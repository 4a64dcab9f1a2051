package vm

import (
	"errors"
	"os"
	"testing"

	"github.com/colorfulnotion/ebpfvm/vm/machine"
	"github.com/colorfulnotion/ebpfvm/vm/program"
	"github.com/colorfulnotion/ebpfvm/vmerrors"
)

// stackReferenceELF is a relocatable object: entrypoint stores 1 at
// [r10-8], calls leaf through an R_BPF_64_32 relocation, and returns its own
// slot; leaf writes 7 to the same offset in its frame.
const stackReferenceELF = "testdata/stack_reference.so"

func loadStackReference(tb testing.TB) *Executable {
	tb.Helper()
	data, err := os.ReadFile(stackReferenceELF)
	if err != nil {
		tb.Fatal(err)
	}
	exe, err := FromELF(data, program.DefaultConfig(), nil, nil)
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { exe.Close() })
	return exe
}

func benchExecutable(b *testing.B, src string) *Executable {
	b.Helper()
	exe, err := FromAsm(src, program.DefaultConfig(), nil)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { exe.Close() })
	return exe
}

func BenchmarkInitVM(b *testing.B) {
	exe := loadStackReference(b)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := New(exe, nil); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkJitCompile(b *testing.B) {
	exe := loadStackReference(b)
	for i := 0; i < b.N; i++ {
		fresh := &Executable{prog: exe.prog, cfg: exe.cfg, syscalls: exe.syscalls}
		err := fresh.JitCompile()
		if errors.Is(err, vmerrors.ErrJitNotSupported) {
			b.Skip("no jit backend on this platform")
		}
		if err != nil {
			b.Fatal(err)
		}
		fresh.Close()
	}
}

func benchScenario(b *testing.B, sc Scenario, jit bool) {
	exe := benchExecutable(b, sc.Asm)
	if jit {
		if err := exe.JitCompile(); errors.Is(err, vmerrors.ErrJitNotSupported) {
			b.Skip("no jit backend on this platform")
		} else if err != nil {
			b.Fatal(err)
		}
	}
	vm, err := New(exe, make([]byte, sc.InputLen))
	if err != nil {
		b.Fatal(err)
	}
	run := vm.ExecuteInterpreted
	if jit {
		run = vm.ExecuteJIT
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := run(machine.NewCountingMeter(sc.Meter)); err != nil {
			b.Fatal(err)
		}
		if vm.LastInstructionCount() != sc.Meter {
			b.Fatalf("executed %d instructions, want %d", vm.LastInstructionCount(), sc.Meter)
		}
	}
}

func BenchmarkInterpreterLoop(b *testing.B) {
	for _, sc := range Scenarios {
		b.Run(sc.Name, func(b *testing.B) { benchScenario(b, sc, false) })
	}
}

func BenchmarkJITLoop(b *testing.B) {
	for _, sc := range Scenarios {
		b.Run(sc.Name, func(b *testing.B) { benchScenario(b, sc, true) })
	}
}
