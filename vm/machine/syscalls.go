package machine

import (
	"cmp"
	"fmt"

	"github.com/colorfulnotion/ebpfvm/vm/memory"
	"github.com/colorfulnotion/ebpfvm/vm/program"
	"golang.org/x/exp/slices"
)

// HostFunction is invoked by call instructions whose key names a registered
// syscall. r1..r5 carry the arguments; the result lands in r0. A non-nil
// error ends execution with ExternalCallError wrapping it.
type HostFunction func(regs Registers, mem *memory.MemoryMapping) (uint64, error)

type Syscall struct {
	Name string
	Key  uint32
	Fn   HostFunction
}

// SyscallRegistry maps call keys to host functions. It is filled before an
// Executable is built and read-only afterwards.
type SyscallRegistry struct {
	byKey map[uint32]*Syscall
}

func NewSyscallRegistry() *SyscallRegistry {
	return &SyscallRegistry{byKey: make(map[uint32]*Syscall)}
}

// Register adds fn under name and returns its key.
func (r *SyscallRegistry) Register(name string, fn HostFunction) (uint32, error) {
	key := program.HashSymbolName(name)
	if prev, ok := r.byKey[key]; ok {
		return 0, fmt.Errorf("syscall %q collides with %q (key 0x%08x)", name, prev.Name, key)
	}
	r.byKey[key] = &Syscall{Name: name, Key: key, Fn: fn}
	return key, nil
}

// Lookup is safe on a nil registry.
func (r *SyscallRegistry) Lookup(key uint32) (*Syscall, bool) {
	if r == nil {
		return nil, false
	}
	sc, ok := r.byKey[key]
	return sc, ok
}

func (r *SyscallRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byKey)
}

// List returns the syscalls ordered by name.
func (r *SyscallRegistry) List() []*Syscall {
	if r == nil {
		return nil
	}
	out := make([]*Syscall, 0, len(r.byKey))
	for _, sc := range r.byKey {
		out = append(out, sc)
	}
	slices.SortFunc(out, func(a, b *Syscall) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Clone copies the registry so a loader can add resolved symbols without
// touching the caller's registry.
func (r *SyscallRegistry) Clone() *SyscallRegistry {
	c := NewSyscallRegistry()
	if r != nil {
		for k, v := range r.byKey {
			c.byKey[k] = v
		}
	}
	return c
}
