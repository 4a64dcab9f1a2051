package vm

import (
	"github.com/colorfulnotion/ebpfvm/log"
	"github.com/colorfulnotion/ebpfvm/vm/interpreter"
	"github.com/colorfulnotion/ebpfvm/vm/machine"
	"github.com/colorfulnotion/ebpfvm/vm/memory"
	"github.com/colorfulnotion/ebpfvm/vm/program"
)

// VM binds an Executable to one memory mapping. A VM is not safe for
// concurrent use; run several VMs over one Executable instead.
type VM struct {
	exe *Executable
	env machine.Env
	st  *machine.State

	stack []byte
	heap  []byte

	lastCount  uint64
	totalCount uint64
}

// New maps the program, a fresh stack and heap sized by the executable's
// Config, the host input buffer and any extra host regions.
func New(exe *Executable, input []byte, regions ...memory.Region) (*VM, error) {
	cfg := exe.cfg
	vm := &VM{
		exe:   exe,
		st:    machine.NewState(cfg),
		stack: make([]byte, cfg.StackSize()),
		heap:  make([]byte, cfg.HeapSize),
	}
	all := []memory.Region{
		memory.NewRegion("program", exe.prog.Image, program.MM_PROGRAM_START, memory.PermRead|memory.PermExec),
		memory.NewRegion("stack", vm.stack, program.MM_STACK_START, memory.PermRead|memory.PermWrite),
		memory.NewRegion("heap", vm.heap, program.MM_HEAP_START, memory.PermRead|memory.PermWrite),
		memory.NewRegion("input", input, program.MM_INPUT_START, memory.PermRead|memory.PermWrite),
	}
	all = append(all, regions...)
	mapping, err := memory.NewMemoryMapping(all...)
	if err != nil {
		return nil, err
	}
	vm.env = machine.Env{
		Program:  exe.prog,
		Config:   cfg,
		Syscalls: exe.syscalls,
		Mapping:  mapping,
	}
	return vm, nil
}

// ExecuteInterpreted runs the program from its entry point and returns r0.
// The meter is read once before and charged once after, faults included.
func (vm *VM) ExecuteInterpreted(meter machine.InstructionMeter) (uint64, error) {
	vm.st.Reset(vm.exe.prog.Entry, meter.Remaining())
	r0, err := interpreter.Run(&vm.env, vm.st)
	vm.finish(meter, "interpreter", err)
	return r0, err
}

// ExecuteJIT is ExecuteInterpreted on native code, compiling on first use.
// On platforms without a backend it returns vmerrors.ErrJitNotSupported
// without touching the meter.
func (vm *VM) ExecuteJIT(meter machine.InstructionMeter) (uint64, error) {
	if err := vm.exe.JitCompile(); err != nil {
		return 0, err
	}
	vm.st.Reset(vm.exe.prog.Entry, meter.Remaining())
	r0, err := vm.exe.jitProg.Run(&vm.env, vm.st)
	vm.finish(meter, "jit", err)
	return r0, err
}

func (vm *VM) finish(meter machine.InstructionMeter, backend string, err error) {
	vm.lastCount = vm.st.Count
	vm.totalCount += vm.st.Count
	meter.Consume(vm.st.Count)
	if !log.ModuleEnabled(log.VMMonitoring) {
		return
	}
	if err != nil {
		log.Debug(log.VMMonitoring, "execution faulted", "backend", backend, "instructions", vm.st.Count, "err", err)
		return
	}
	log.Trace(log.VMMonitoring, "execution finished", "backend", backend, "instructions", vm.st.Count, "r0", vm.st.Regs[0])
}

// LastInstructionCount is the number of instructions the last execution ran.
func (vm *VM) LastInstructionCount() uint64 { return vm.lastCount }

// TotalInstructionCount accumulates over every execution of this VM.
func (vm *VM) TotalInstructionCount() uint64 { return vm.totalCount }

// Registers returns the register file as the last execution left it.
func (vm *VM) Registers() machine.Registers { return vm.st.Regs }

func (vm *VM) Mapping() *memory.MemoryMapping { return vm.env.Mapping }

func (vm *VM) Executable() *Executable { return vm.exe }
