package jit

import (
	"unsafe"

	"github.com/colorfulnotion/ebpfvm/vm/memory"
	"github.com/colorfulnotion/ebpfvm/vm/program"
)

// regionSlots is the number of 4 GiB slots the inline translation table
// covers; addresses at or above regionSlots<<32 always take the slow path.
const regionSlots = 16

const (
	permRead  = 1
	permWrite = 2
)

// regionSlot is one inline translation entry. A zero length sends every
// access in the slot to the slow path.
type regionSlot struct {
	Host uint64
	VM   uint64
	Len  uint64
	Perm uint64
}

// jitContext is shared between Go and the generated code, which addresses
// its fields through RDI at the offsets below.
type jitContext struct {
	Count    uint64
	Limit    uint64
	ExitKind uint64
	ExitAddr uint64
	Resume   uint64
	HostAddr uint64
	VMAddr   uint64
	Regs     [program.NumRegisters]uint64
	Regions  [regionSlots]regionSlot
}

var (
	offCount    = int32(unsafe.Offsetof(jitContext{}.Count))
	offLimit    = int32(unsafe.Offsetof(jitContext{}.Limit))
	offExitKind = int32(unsafe.Offsetof(jitContext{}.ExitKind))
	offExitAddr = int32(unsafe.Offsetof(jitContext{}.ExitAddr))
	offResume   = int32(unsafe.Offsetof(jitContext{}.Resume))
	offHostAddr = int32(unsafe.Offsetof(jitContext{}.HostAddr))
	offVMAddr   = int32(unsafe.Offsetof(jitContext{}.VMAddr))
	offRegs     = int32(unsafe.Offsetof(jitContext{}.Regs))
	offRegions  = int32(unsafe.Offsetof(jitContext{}.Regions))

	offSlotHost = int32(unsafe.Offsetof(regionSlot{}.Host))
	offSlotVM   = int32(unsafe.Offsetof(regionSlot{}.VM))
	offSlotLen  = int32(unsafe.Offsetof(regionSlot{}.Len))
	offSlotPerm = int32(unsafe.Offsetof(regionSlot{}.Perm))
)

// slotShift turns a slot index into a byte offset into Regions.
const slotShift = 5

func init() {
	if unsafe.Sizeof(regionSlot{}) != 1<<slotShift {
		panic("jit: regionSlot size does not match slotShift")
	}
}

// fillRegions publishes the regions that fit inside one slot. Accesses the
// table cannot serve, such as a second region sharing a slot, fall through
// to the slow path.
func (c *jitContext) fillRegions(m *memory.MemoryMapping) {
	c.Regions = [regionSlots]regionSlot{}
	for _, r := range m.Regions() {
		slot := r.VMAddr >> 32
		if slot >= regionSlots || r.Len() == 0 || (r.End()-1)>>32 != slot || c.Regions[slot].Len != 0 {
			continue
		}
		var perm uint64
		if r.Perm&memory.PermRead != 0 {
			perm |= permRead
		}
		if r.Perm&memory.PermWrite != 0 {
			perm |= permWrite
		}
		c.Regions[slot] = regionSlot{
			Host: uint64(uintptr(unsafe.Pointer(&r.Host[0]))),
			VM:   r.VMAddr,
			Len:  r.Len(),
			Perm: perm,
		}
	}
}
