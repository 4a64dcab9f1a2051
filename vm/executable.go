package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/colorfulnotion/ebpfvm/log"
	"github.com/colorfulnotion/ebpfvm/vm/asm"
	"github.com/colorfulnotion/ebpfvm/vm/jit"
	"github.com/colorfulnotion/ebpfvm/vm/loader"
	"github.com/colorfulnotion/ebpfvm/vm/machine"
	"github.com/colorfulnotion/ebpfvm/vm/program"
	"github.com/colorfulnotion/ebpfvm/vm/verifier"
	"github.com/colorfulnotion/ebpfvm/vmerrors"
)

var errExecutableClosed = errors.New("executable is closed")

// Executable is a verified program together with the configuration and
// syscalls it was verified against. It is immutable and may back any number
// of VMs on different goroutines. Native code is compiled at most once.
type Executable struct {
	prog     *program.Program
	cfg      program.Config
	syscalls *machine.SyscallRegistry

	jitOnce sync.Once
	jitProg *jit.Program
	jitErr  error
}

// FromELF loads and verifies an eBPF relocatable or shared object. resolve
// may be nil; it is consulted for undefined call symbols the registry lacks.
func FromELF(data []byte, cfg program.Config, syscalls *machine.SyscallRegistry, resolve loader.SymbolResolver) (*Executable, error) {
	p, reg, err := loader.Load(data, cfg, syscalls, resolve)
	if err != nil {
		return nil, err
	}
	return newExecutable(p, cfg, reg), nil
}

// FromAsm assembles src and verifies it the same way an object file is.
func FromAsm(src string, cfg program.Config, syscalls *machine.SyscallRegistry) (*Executable, error) {
	out, err := asm.Assemble(src)
	if err != nil {
		return nil, err
	}
	p, err := program.NewProgram(out.Text, 0, len(out.Text), out.Entry)
	if err != nil {
		return nil, err
	}
	for name, pc := range out.Functions {
		key, err := p.RegisterFunction(name, pc)
		if err != nil {
			return nil, &vmerrors.RelocationError{Offset: uint64(pc) * program.InsnSize, Symbol: name, Msg: err.Error()}
		}
		if sc, ok := syscalls.Lookup(key); ok {
			return nil, &vmerrors.RelocationError{Offset: uint64(pc) * program.InsnSize, Symbol: name,
				Msg: fmt.Sprintf("function hash collides with syscall %q", sc.Name)}
		}
	}
	if err := verifier.Verify(p, cfg, syscalls); err != nil {
		return nil, err
	}
	return newExecutable(p, cfg, syscalls), nil
}

// FromText verifies raw bytecode. Execution starts at slot 0 and no internal
// functions are registered, so every call imm must name a syscall.
func FromText(text []byte, cfg program.Config, syscalls *machine.SyscallRegistry) (*Executable, error) {
	p, err := program.NewProgram(text, 0, len(text), 0)
	if err != nil {
		return nil, err
	}
	if err := verifier.Verify(p, cfg, syscalls); err != nil {
		return nil, err
	}
	return newExecutable(p, cfg, syscalls), nil
}

func newExecutable(p *program.Program, cfg program.Config, syscalls *machine.SyscallRegistry) *Executable {
	if syscalls == nil {
		syscalls = machine.NewSyscallRegistry()
	}
	log.Debug(log.VMMonitoring, "executable ready", "slots", p.Len(), "entry", p.Entry,
		"functions", len(p.Functions), "syscalls", syscalls.Len(), "codeHash", fmt.Sprintf("%x", p.CodeHash()))
	return &Executable{prog: p, cfg: cfg, syscalls: syscalls}
}

func (e *Executable) Program() *program.Program { return e.prog }

func (e *Executable) Config() program.Config { return e.cfg }

func (e *Executable) Syscalls() *machine.SyscallRegistry { return e.syscalls }

// JitCompile compiles the program to native code once; later calls return
// the cached result. It returns an error wrapping vmerrors.ErrJitNotSupported
// on platforms without a backend.
func (e *Executable) JitCompile() error {
	e.jitOnce.Do(func() {
		e.jitProg, e.jitErr = jit.Compile(e.prog, e.cfg)
		if e.jitErr != nil {
			log.Warn(log.JITMonitoring, "jit compile failed", "err", e.jitErr)
		}
	})
	return e.jitErr
}

// JitCode returns the generated code, or nil before a successful JitCompile.
func (e *Executable) JitCode() *jit.Code {
	if e.jitProg == nil {
		return nil
	}
	return e.jitProg.Code()
}

// Close releases the native code. VMs must not run the JIT afterwards.
func (e *Executable) Close() error {
	e.jitOnce.Do(func() { e.jitErr = errExecutableClosed })
	if e.jitProg == nil {
		return nil
	}
	return e.jitProg.Close()
}
