//go:build linux && amd64

package jit

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// jitcall enters generated code at entry with ctx in RDI. ctx must stay on
// the heap while native code holds its address, so this is not noescape.
func jitcall(entry uintptr, ctx unsafe.Pointer)

// mapCode copies text into a fresh anonymous mapping and flips it to
// read+exec.
func mapCode(text []byte) ([]byte, error) {
	if len(text) == 0 {
		return nil, fmt.Errorf("jit: empty code")
	}
	mem, err := unix.Mmap(-1, 0, len(text), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("jit: mmap code: %w", err)
	}
	copy(mem, text)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("jit: mprotect code: %w", err)
	}
	return mem, nil
}

func unmapCode(mem []byte) error {
	if mem == nil {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("jit: munmap code: %w", err)
	}
	return nil
}
