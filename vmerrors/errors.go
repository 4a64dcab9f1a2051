package vmerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Parse (P) and Relocation (R) Errors
var (
	ErrParse      = errors.New("P1|ParseError: Malformed object file or assembly text.")
	ErrRelocation = errors.New("R1|RelocationError: Relocation could not be applied.")
)

// Verification (V) Errors
var (
	ErrNoProgram              = errors.New("V1|NoProgram: Text section is empty.")
	ErrUnknownOpcode          = errors.New("V2|UnknownOpcode: Opcode is not part of the instruction set.")
	ErrInvalidRegister        = errors.New("V3|InvalidRegister: Register number out of range.")
	ErrCannotWriteR10         = errors.New("V4|CannotWriteR10: Frame pointer r10 is read only.")
	ErrIncompleteLDDW         = errors.New("V5|IncompleteLDDW: Wide immediate is missing its second slot.")
	ErrJumpOutOfRange         = errors.New("V6|JumpOutOfRange: Jump target outside of the text section.")
	ErrJumpToMiddleOfLDDW     = errors.New("V7|JumpToMiddleOfLDDW: Jump target is the second slot of a wide immediate.")
	ErrUnresolvedSymbol       = errors.New("V8|UnresolvedSymbol: Call target is neither a function nor a registered syscall.")
	ErrDivisionByZero         = errors.New("V9|DivisionByZero: Division or modulo by immediate zero.")
	ErrShiftWithOverflow      = errors.New("V10|ShiftWithOverflow: Shift immediate exceeds the operand width.")
	ErrInvalidEndianWidth     = errors.New("V11|InvalidEndianWidth: Byte swap width must be 16, 32 or 64.")
	ErrUnsupportedInstruction = errors.New("V12|UnsupportedInstruction: Instruction disabled by the configuration.")
	ErrStackOutOfFrame        = errors.New("V13|StackOutOfFrame: Frame pointer access outside the current frame.")
	ErrInvalidEntrypoint      = errors.New("V14|InvalidEntrypoint: Entry point outside of the text section.")
	ErrFallthroughEnd         = errors.New("V15|FallthroughEnd: Last instruction must be exit or ja.")
	ErrInvalidConfig          = errors.New("V16|InvalidConfig: Configuration cannot bound the stack.")
)

// Execution (E) Errors
var (
	ErrMalformedInstruction     = errors.New("E1|MalformedInstruction: Instruction could not be decoded.")
	ErrAccessViolation          = errors.New("E2|AccessViolation: Memory access outside of the mapped regions.")
	ErrCallDepthExceeded        = errors.New("E3|CallDepthExceeded: Call stack is full.")
	ErrInstructionLimitExceeded = errors.New("E4|InstructionLimitExceeded: Instruction meter exhausted.")
	ErrExternalCall             = errors.New("E5|ExternalCallError: Host function returned an error.")
	ErrDivideByZero             = errors.New("E6|DivideByZero: Division or modulo by zero register.")
	ErrCallOutsideText          = errors.New("E7|CallOutsideText: Indirect call target outside of the text section.")
)

// JIT (J) Errors
var (
	ErrJitNotSupported = errors.New("J1|JitNotSupported: No native backend for this platform.")
)

// ParseError reports malformed input before any Executable exists. Line is
// set for assembly text, Section for object files.
type ParseError struct {
	Section string
	Line    int
	Msg     string
}

func (e *ParseError) Error() string {
	switch {
	case e.Line > 0:
		return fmt.Sprintf("parse error at line %d: %s", e.Line, e.Msg)
	case e.Section != "":
		return fmt.Sprintf("parse error in section %s: %s", e.Section, e.Msg)
	default:
		return "parse error: " + e.Msg
	}
}

func (e *ParseError) Unwrap() error { return ErrParse }

// RelocationError reports a relocation that could not be applied.
type RelocationError struct {
	Offset uint64
	Symbol string
	Msg    string
}

func (e *RelocationError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("relocation at 0x%x (%s): %s", e.Offset, e.Symbol, e.Msg)
	}
	return fmt.Sprintf("relocation at 0x%x: %s", e.Offset, e.Msg)
}

func (e *RelocationError) Unwrap() error { return ErrRelocation }

// VerifyError is the first static verification failure, at instruction PC.
type VerifyError struct {
	PC  int
	Err error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verification failed at pc %d: %s", e.PC, GetErrorName(e.Err))
}

func (e *VerifyError) Unwrap() error { return e.Err }

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	if len(parts) < 2 {
		return errStr
	}
	nameDesc := parts[1]
	// Split on ':' to separate the error name from its description.
	nameParts := strings.SplitN(nameDesc, ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorDesc extracts the error description from the error message.
func GetErrorDesc(err error) string {
	if err == nil {
		return ""
	}
	parts := strings.SplitN(err.Error(), ":", 2)
	if len(parts) < 2 {
		return "DESC NOT SET"
	}
	return strings.TrimSpace(parts[1])
}

// ErrExternalCall leads so a host payload that wraps another kind does not
// shadow it.
var taxonomy = []error{
	ErrExternalCall,
	ErrParse, ErrRelocation,
	ErrNoProgram, ErrUnknownOpcode, ErrInvalidRegister, ErrCannotWriteR10, ErrIncompleteLDDW,
	ErrJumpOutOfRange, ErrJumpToMiddleOfLDDW, ErrUnresolvedSymbol, ErrDivisionByZero,
	ErrShiftWithOverflow, ErrInvalidEndianWidth, ErrUnsupportedInstruction, ErrStackOutOfFrame,
	ErrInvalidEntrypoint, ErrFallthroughEnd, ErrInvalidConfig,
	ErrMalformedInstruction, ErrAccessViolation, ErrCallDepthExceeded, ErrInstructionLimitExceeded,
	ErrDivideByZero, ErrCallOutsideText,
	ErrJitNotSupported,
}

// Kind returns the taxonomy sentinel err matches, or nil. Wrapped errors
// (ParseError, VerifyError, faults) resolve to their kind.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range taxonomy {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
