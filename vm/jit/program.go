package jit

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/colorfulnotion/ebpfvm/log"
	"github.com/colorfulnotion/ebpfvm/vm/machine"
	"github.com/colorfulnotion/ebpfvm/vm/program"
	"github.com/colorfulnotion/ebpfvm/vmerrors"
)

// Program is compiled code mapped executable. It is immutable after
// Compile and may run on several goroutines at once, each with its own
// machine.State.
type Program struct {
	code *Code
	exec []byte
	base uintptr

	closeOnce sync.Once
	closeErr  error
}

// Compile generates native code for p under cfg and maps it executable. The
// mapping is released by Close or, failing that, by a finalizer.
func Compile(p *program.Program, cfg program.Config) (*Program, error) {
	code, err := Generate(p, cfg)
	if err != nil {
		return nil, err
	}
	exec, err := mapCode(code.Text)
	if err != nil {
		return nil, err
	}
	jp := &Program{
		code: code,
		exec: exec,
		base: uintptr(unsafe.Pointer(&exec[0])),
	}
	runtime.SetFinalizer(jp, (*Program).Close)
	log.Debug(log.JITMonitoring, "compiled", "bytes", len(code.Text), "base", fmt.Sprintf("0x%x", jp.base))
	return jp, nil
}

// Code returns the generated code and its tables.
func (jp *Program) Code() *Code {
	return jp.code
}

// Close unmaps the code. It is safe to call more than once.
func (jp *Program) Close() error {
	jp.closeOnce.Do(func() {
		runtime.SetFinalizer(jp, nil)
		jp.closeErr = unmapCode(jp.exec)
		jp.exec = nil
	})
	return jp.closeErr
}

// Run executes the compiled program from st.PC with the same observable
// behaviour as interpreter.Run: registers, memory, instruction count and
// faults all match. Calls, returns, faults and memory accesses the inline
// region table cannot serve exit to Go, which handles them and re-enters.
func (jp *Program) Run(env *machine.Env, st *machine.State) (uint64, error) {
	if jp.exec == nil {
		return 0, fmt.Errorf("jit: program is closed")
	}
	defer runtime.KeepAlive(jp)

	ctx := new(jitContext)
	ctx.Count = st.Count
	ctx.Limit = st.Limit
	ctx.Regs = st.Regs
	ctx.fillRegions(env.Mapping)
	ctx.Resume = jp.resumeAddr(st.PC)
	insns := env.Program.Insns

	for {
		jitcall(jp.base, unsafe.Pointer(ctx))

		st.Regs = ctx.Regs
		st.Count = ctx.Count
		st.PC = jp.code.PCForOffset(int(uintptr(ctx.ExitAddr)-jp.base) - 1)

		var (
			next int
			err  error
		)
		switch kind := ctx.ExitKind; {
		case kind == exitLimit:
			return 0, st.Fault(vmerrors.ErrInstructionLimitExceeded)
		case kind == exitDivZero:
			return 0, st.Fault(vmerrors.ErrDivideByZero)
		case kind == exitReturn:
			ret, ok := st.PopFrame()
			if !ok {
				return st.Regs[0], nil
			}
			next = ret
		case kind == exitCall, kind == exitSyscall:
			next, err = st.Call(env, insns[st.PC])
		case kind == exitCallx:
			next, err = st.CallReg(env, insns[st.PC])
		case kind >= exitTranslate && kind < exitTranslate+8:
			access, size := translateAccess(int(kind - exitTranslate))
			b, terr := env.Mapping.Translate(ctx.VMAddr, uint64(size), access)
			if terr != nil {
				return 0, st.Fault(terr)
			}
			ctx.HostAddr = uint64(uintptr(unsafe.Pointer(&b[0])))
			ctx.Resume = ctx.ExitAddr
			continue
		default:
			return 0, st.Fault(fmt.Errorf("%w: unknown jit exit %d", vmerrors.ErrMalformedInstruction, kind))
		}
		if err != nil {
			return 0, st.Fault(err)
		}
		st.PC = next
		ctx.Regs = st.Regs
		ctx.Resume = jp.resumeAddr(next)
	}
}

func (jp *Program) resumeAddr(pc int) uint64 {
	return uint64(jp.base) + uint64(jp.code.Offsets[pc])
}
