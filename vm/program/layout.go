package program

// Virtual address layout. Each region owns one 4 GiB slot, so the slot
// index of an address is addr >> 32.
const (
	MM_PROGRAM_START = 0x1_0000_0000
	MM_STACK_START   = 0x2_0000_0000
	MM_HEAP_START    = 0x3_0000_0000
	MM_INPUT_START   = 0x4_0000_0000

	MM_REGION_SIZE = 0x1_0000_0000
)
