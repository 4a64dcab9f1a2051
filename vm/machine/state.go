package machine

import (
	"fmt"

	"github.com/colorfulnotion/ebpfvm/vm/memory"
	"github.com/colorfulnotion/ebpfvm/vm/program"
	"github.com/colorfulnotion/ebpfvm/vmerrors"
)

// Registers is the register file r0..r10.
type Registers [program.NumRegisters]uint64

// Frame is pushed by internal calls and popped by exit.
type Frame struct {
	Saved    [4]uint64 // r6..r9
	FramePtr uint64
	ReturnPC int
}

// Env is what both backends consult while executing one program.
type Env struct {
	Program  *program.Program
	Config   program.Config
	Syscalls *SyscallRegistry
	Mapping  *memory.MemoryMapping
}

// State is the mutable part of an execution. The frame array is sized once
// from Config.MaxCallDepth; the main frame is implicit so at most
// MaxCallDepth-1 frames are pushed.
type State struct {
	Regs  Registers
	PC    int
	Count uint64
	Limit uint64

	frames    []Frame
	depth     int
	frameSize uint64
}

func NewState(cfg program.Config) *State {
	return &State{
		frames:    make([]Frame, cfg.MaxCallDepth),
		frameSize: uint64(cfg.StackFrameSize),
	}
}

// Reset prepares the state for a new execution starting at entry.
func (s *State) Reset(entry int, limit uint64) {
	s.Regs = Registers{}
	s.Regs[1] = program.MM_INPUT_START
	s.Regs[program.FramePointer] = program.MM_STACK_START + s.frameSize
	s.PC = entry
	s.Count = 0
	s.Limit = limit
	s.depth = 0
}

// Depth is the number of frames pushed above the main frame.
func (s *State) Depth() int {
	return s.depth
}

// Fault wraps err with the current pc and instruction count.
func (s *State) Fault(err error) *Fault {
	return &Fault{Err: err, PC: s.PC, Instructions: s.Count}
}

// PushFrame saves r6..r9 and r10 and moves r10 to the next frame.
func (s *State) PushFrame(returnPC int) error {
	if s.depth+1 >= len(s.frames) {
		return fmt.Errorf("%w: depth %d", vmerrors.ErrCallDepthExceeded, len(s.frames))
	}
	f := &s.frames[s.depth]
	copy(f.Saved[:], s.Regs[6:10])
	f.FramePtr = s.Regs[program.FramePointer]
	f.ReturnPC = returnPC
	s.depth++
	s.Regs[program.FramePointer] += s.frameSize
	return nil
}

// PopFrame restores the caller's registers. ok is false at depth zero.
func (s *State) PopFrame() (returnPC int, ok bool) {
	if s.depth == 0 {
		return 0, false
	}
	s.depth--
	f := &s.frames[s.depth]
	copy(s.Regs[6:10], f.Saved[:])
	s.Regs[program.FramePointer] = f.FramePtr
	return f.ReturnPC, true
}

// Call runs a call imm at insn: a registered syscall first, then an
// internal function. It returns the next pc.
func (s *State) Call(env *Env, insn program.Instruction) (int, error) {
	key := uint32(insn.Imm)
	if sc, ok := env.Syscalls.Lookup(key); ok {
		v, err := sc.Fn(s.Regs, env.Mapping)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", vmerrors.ErrExternalCall, sc.Name, err)
		}
		s.Regs[0] = v
		return insn.PC + 1, nil
	}
	target, ok := env.Program.Function(key)
	if !ok {
		return 0, fmt.Errorf("%w: key 0x%08x", vmerrors.ErrUnresolvedSymbol, key)
	}
	if err := s.PushFrame(insn.PC + 1); err != nil {
		return 0, err
	}
	return target, nil
}

// CallReg runs callx: the target register holds a text address.
func (s *State) CallReg(env *Env, insn program.Instruction) (int, error) {
	addr := s.Regs[insn.Imm]
	target, ok := env.Program.PCForAddress(addr)
	if !ok {
		return 0, fmt.Errorf("%w: 0x%x", vmerrors.ErrCallOutsideText, addr)
	}
	if env.Program.IsSecondSlot(target) {
		return 0, fmt.Errorf("%w: call into the second slot of lddw at pc %d", vmerrors.ErrMalformedInstruction, target-1)
	}
	if err := s.PushFrame(insn.PC + 1); err != nil {
		return 0, err
	}
	return target, nil
}
