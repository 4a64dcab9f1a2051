package program

import (
	"encoding/json"
	"fmt"

	"github.com/colorfulnotion/ebpfvm/vmerrors"
)

// Config holds the validation and compilation toggles fixed when an
// Executable is built. The verifier, interpreter and JIT read the same value.
type Config struct {
	MaxCallDepth   int `json:"max_call_depth"`
	StackFrameSize int `json:"stack_frame_size"`
	HeapSize       int `json:"heap_size"`

	EnableCallx            bool `json:"enable_callx"`
	EnableByteSwap         bool `json:"enable_byte_swap"`
	RejectLegacyLoads      bool `json:"reject_legacy_loads"`
	EnableStackOffsetCheck bool `json:"enable_stack_offset_check"`

	// SanitizeUserProvidedValues makes the JIT load immediates and offsets
	// blinded by a per-compile random key so they never appear verbatim in
	// executable memory.
	SanitizeUserProvidedValues bool `json:"sanitize_user_provided_values"`
}

func DefaultConfig() Config {
	return Config{
		MaxCallDepth:           20,
		StackFrameSize:         4096,
		HeapSize:               32 * 1024,
		EnableCallx:            true,
		EnableByteSwap:         true,
		RejectLegacyLoads:      false,
		EnableStackOffsetCheck: true,

		SanitizeUserProvidedValues: true,
	}
}

// ParseConfig overlays JSON onto DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// StackSize is the size of the stack region: one frame per call level.
func (c Config) StackSize() uint64 {
	return uint64(c.StackFrameSize) * uint64(c.MaxCallDepth)
}

// Validate checks that the stack and heap fit their region slots.
func (c Config) Validate() error {
	switch {
	case c.MaxCallDepth < 1:
		return fmt.Errorf("%w: max_call_depth %d", vmerrors.ErrInvalidConfig, c.MaxCallDepth)
	case c.StackFrameSize <= 0 || c.StackFrameSize%8 != 0:
		return fmt.Errorf("%w: stack_frame_size %d", vmerrors.ErrInvalidConfig, c.StackFrameSize)
	case c.StackSize() > MM_REGION_SIZE:
		return fmt.Errorf("%w: stack of %d bytes exceeds region", vmerrors.ErrInvalidConfig, c.StackSize())
	case c.HeapSize < 0 || uint64(c.HeapSize) > MM_REGION_SIZE:
		return fmt.Errorf("%w: heap_size %d", vmerrors.ErrInvalidConfig, c.HeapSize)
	}
	return nil
}
