package program

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/ebpfvm/vmerrors"
)

// InsnSize is the width of one encoding slot.
const InsnSize = 8

// NumRegisters counts r0..r10.
const NumRegisters = 11

// FramePointer is r10, the read-only frame register.
const FramePointer = 10

// Instruction is a decoded slot. For lddw Imm holds the full 64-bit value
// taken from both slots.
type Instruction struct {
	PC  int
	Opc byte
	Dst uint8
	Src uint8
	Off int16
	Imm int64
}

// Spec returns the opcode table entry, or nil for unknown opcodes.
func (i Instruction) Spec() *InstructionSpec {
	return InstrSpecs[i.Opc]
}

// IsWide reports whether the instruction occupies two slots.
func (i Instruction) IsWide() bool {
	return i.Opc == LD_DW_IMM
}

// Slots is the number of encoding slots the instruction occupies.
func (i Instruction) Slots() int {
	if i.IsWide() {
		return 2
	}
	return 1
}

// JumpTarget is pc + 1 + off.
func (i Instruction) JumpTarget() int {
	return i.PC + 1 + int(i.Off)
}

// Decode reads the instruction at slot pc of text.
func Decode(text []byte, pc int) (Instruction, error) {
	if pc < 0 || (pc+1)*InsnSize > len(text) {
		return Instruction{}, fmt.Errorf("%w: slot %d out of range", vmerrors.ErrMalformedInstruction, pc)
	}
	insn := decodeSlot(text[pc*InsnSize:], pc)
	if insn.Opc&0x07 == BPF_JMP32 {
		return Instruction{}, fmt.Errorf("%w: unsupported class 0x%02x at slot %d", vmerrors.ErrMalformedInstruction, insn.Opc, pc)
	}
	if insn.Opc == LD_DW_IMM {
		if (pc+2)*InsnSize > len(text) {
			return Instruction{}, fmt.Errorf("%w: lddw at slot %d has no second slot", vmerrors.ErrMalformedInstruction, pc)
		}
		hi := binary.LittleEndian.Uint32(text[(pc+1)*InsnSize+4:])
		insn.Imm = int64(uint64(uint32(insn.Imm)) | uint64(hi)<<32)
	}
	return insn, nil
}

func decodeSlot(b []byte, pc int) Instruction {
	return Instruction{
		PC:  pc,
		Opc: b[0],
		Dst: b[1] & 0x0f,
		Src: b[1] >> 4,
		Off: int16(binary.LittleEndian.Uint16(b[2:])),
		Imm: int64(int32(binary.LittleEndian.Uint32(b[4:]))),
	}
}

// DecodeAll decodes every slot of text. The second slot of a lddw is kept
// as its raw decoding so indexes line up with slot numbers.
func DecodeAll(text []byte) ([]Instruction, error) {
	if len(text)%InsnSize != 0 {
		return nil, fmt.Errorf("%w: text length %d is not a multiple of %d", vmerrors.ErrMalformedInstruction, len(text), InsnSize)
	}
	n := len(text) / InsnSize
	insns := make([]Instruction, n)
	for pc := 0; pc < n; pc++ {
		insn, err := Decode(text, pc)
		if err != nil {
			return nil, err
		}
		insns[pc] = insn
		if insn.IsWide() {
			insns[pc+1] = decodeSlot(text[(pc+1)*InsnSize:], pc+1)
			pc++
		}
	}
	return insns, nil
}

// Encode returns the 8 or 16 byte encoding.
func (i Instruction) Encode() []byte {
	out := make([]byte, InsnSize*i.Slots())
	out[0] = i.Opc
	out[1] = i.Dst&0x0f | i.Src<<4
	binary.LittleEndian.PutUint16(out[2:], uint16(i.Off))
	binary.LittleEndian.PutUint32(out[4:], uint32(i.Imm))
	if i.IsWide() {
		binary.LittleEndian.PutUint32(out[12:], uint32(uint64(i.Imm)>>32))
	}
	return out
}

// EncodeAll concatenates the encodings of insns, skipping lddw second slots
// that DecodeAll keeps for indexing.
func EncodeAll(insns []Instruction) []byte {
	out := make([]byte, 0, len(insns)*InsnSize)
	for pc := 0; pc < len(insns); pc++ {
		out = append(out, insns[pc].Encode()...)
		if insns[pc].IsWide() {
			pc++
		}
	}
	return out
}
