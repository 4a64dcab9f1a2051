package program

import (
	"cmp"
	"fmt"

	"github.com/colorfulnotion/ebpfvm/vmerrors"
	"golang.org/x/exp/slices"
)

// Program is a decoded instruction stream plus the metadata execution needs.
// Both construction paths (object loader and assembler) produce one; the
// verifier checks it before it is wrapped in an Executable.
type Program struct {
	// Image is the program region: text followed by read-only data.
	Image []byte
	// Text is the instruction slice of Image starting at TextOffset.
	Text       []byte
	TextOffset uint64
	Insns      []Instruction
	Entry      int

	Functions     map[uint32]int
	FunctionNames map[uint32]string

	secondSlot []bool
}

// NewProgram decodes text (which must be a sub-slice of image at textOffset,
// or image itself when textOffset is 0 and there is no read-only data).
func NewProgram(image []byte, textOffset uint64, textLen int, entry int) (*Program, error) {
	if textOffset+uint64(textLen) > uint64(len(image)) {
		return nil, fmt.Errorf("%w: text [%d, %d) outside image of %d bytes", vmerrors.ErrMalformedInstruction, textOffset, textOffset+uint64(textLen), len(image))
	}
	text := image[textOffset : textOffset+uint64(textLen)]
	insns, err := DecodeAll(text)
	if err != nil {
		return nil, err
	}
	p := &Program{
		Image:         image,
		Text:          text,
		TextOffset:    textOffset,
		Insns:         insns,
		Entry:         entry,
		Functions:     make(map[uint32]int),
		FunctionNames: make(map[uint32]string),
		secondSlot:    make([]bool, len(insns)),
	}
	for pc := 0; pc < len(insns); pc++ {
		if insns[pc].IsWide() {
			p.secondSlot[pc+1] = true
			pc++
		}
	}
	return p, nil
}

// Len is the number of slots.
func (p *Program) Len() int {
	return len(p.Insns)
}

// IsSecondSlot reports whether pc is the upper half of a lddw.
func (p *Program) IsSecondSlot(pc int) bool {
	return pc >= 0 && pc < len(p.secondSlot) && p.secondSlot[pc]
}

// TextAddr is the virtual address of slot 0.
func (p *Program) TextAddr() uint64 {
	return MM_PROGRAM_START + p.TextOffset
}

// PCForAddress maps a virtual address inside text to its slot.
func (p *Program) PCForAddress(addr uint64) (int, bool) {
	start := p.TextAddr()
	if addr < start || addr >= start+uint64(len(p.Text)) || (addr-start)%InsnSize != 0 {
		return 0, false
	}
	return int((addr - start) / InsnSize), true
}

// RegisterFunction records name at pc and returns its call key.
func (p *Program) RegisterFunction(name string, pc int) (uint32, error) {
	key := HashSymbolName(name)
	if prev, ok := p.Functions[key]; ok && prev != pc {
		return 0, fmt.Errorf("symbol hash collision for %q: pc %d and %d", name, prev, pc)
	}
	p.Functions[key] = pc
	p.FunctionNames[key] = name
	return key, nil
}

// Function resolves a call key.
func (p *Program) Function(key uint32) (int, bool) {
	pc, ok := p.Functions[key]
	return pc, ok
}

// FunctionList returns the registered functions ordered by pc.
func (p *Program) FunctionList() []FunctionInfo {
	out := make([]FunctionInfo, 0, len(p.Functions))
	for key, pc := range p.Functions {
		out = append(out, FunctionInfo{Key: key, PC: pc, Name: p.FunctionNames[key]})
	}
	slices.SortFunc(out, func(a, b FunctionInfo) int {
		if c := cmp.Compare(a.PC, b.PC); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}

type FunctionInfo struct {
	Key  uint32
	PC   int
	Name string
}
