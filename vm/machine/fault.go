package machine

import (
	"fmt"

	"github.com/colorfulnotion/ebpfvm/vmerrors"
)

// Fault ends an execution. Err matches a vmerrors sentinel with errors.Is and
// may carry detail such as *memory.AccessViolation or a host payload.
type Fault struct {
	Err          error
	PC           int
	Instructions uint64
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s at pc %d after %d instructions: %v", vmerrors.GetErrorName(vmerrors.Kind(f.Err)), f.PC, f.Instructions, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }
