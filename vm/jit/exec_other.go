//go:build !(linux && amd64)

package jit

import (
	"unsafe"

	"github.com/colorfulnotion/ebpfvm/log"
	"github.com/colorfulnotion/ebpfvm/vmerrors"
)

func jitcall(entry uintptr, ctx unsafe.Pointer) {
	panic("jit: native execution is not supported on this platform")
}

func mapCode(text []byte) ([]byte, error) {
	log.Warn(log.JITMonitoring, "native code execution is not supported on this platform")
	return nil, vmerrors.ErrJitNotSupported
}

func unmapCode(mem []byte) error {
	return nil
}
