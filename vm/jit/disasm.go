package jit

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders the native code with bytecode pc and stub labels.
func (c *Code) Disassemble() string {
	labels := make(map[int][]string)
	for pc, off := range c.Offsets {
		if pc > 0 && c.Offsets[pc-1] == off {
			continue
		}
		labels[int(off)] = append(labels[int(off)], fmt.Sprintf("pc_%d", pc))
	}
	for id, off := range c.Stubs {
		labels[int(off)] = append(labels[int(off)], stubNames[id])
	}

	var sb strings.Builder
	offset := 0
	for offset < len(c.Text) {
		for _, l := range labels[offset] {
			fmt.Fprintf(&sb, "%s:\n", l)
		}
		inst, err := x86asm.Decode(c.Text[offset:], 64)
		if err != nil {
			fmt.Fprintf(&sb, "0x%04x: db 0x%02x\n", offset, c.Text[offset])
			offset++
			continue
		}
		hexBytes := make([]string, 0, inst.Len)
		for i := 0; i < inst.Len; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", c.Text[offset+i]))
		}
		fmt.Fprintf(&sb, "0x%04x: %-16s %s\n", offset, strings.Join(hexBytes, " "), inst.String())
		offset += inst.Len
	}
	return sb.String()
}
