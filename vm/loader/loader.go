package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/colorfulnotion/ebpfvm/log"
	"github.com/colorfulnotion/ebpfvm/vm/machine"
	"github.com/colorfulnotion/ebpfvm/vm/program"
	"github.com/colorfulnotion/ebpfvm/vm/verifier"
	"github.com/colorfulnotion/ebpfvm/vmerrors"
)

// BPF relocation types.
const (
	R_BPF_NONE        = 0
	R_BPF_64_64       = 1
	R_BPF_64_RELATIVE = 8
	R_BPF_64_32       = 10
)

// pseudoCall marks a call whose imm is a pc-relative offset instead of a key.
const pseudoCall = 1

// SymbolResolver supplies host functions for undefined symbols that are not
// already in the syscall registry.
type SymbolResolver func(name string) (machine.HostFunction, bool)

// Load parses an ELF object, applies its relocations, builds the function
// table and verifies the result. The returned registry is a copy of
// syscalls extended with whatever resolve supplied.
func Load(data []byte, cfg program.Config, syscalls *machine.SyscallRegistry, resolve SymbolResolver) (*program.Program, *machine.SyscallRegistry, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, nil, &vmerrors.ParseError{Section: headerSection, Msg: err.Error()}
	}
	defer f.Close()

	if err := checkHeader(f); err != nil {
		return nil, nil, err
	}
	l := &objectLoader{
		f:        f,
		syscalls: syscalls.Clone(),
		resolve:  resolve,
		sections: make(map[int]uint64),
		funcs:    make(map[int]string),
	}
	if err := l.layout(); err != nil {
		return nil, nil, err
	}
	if err := l.collectFunctions(); err != nil {
		return nil, nil, err
	}
	if err := l.relocate(); err != nil {
		return nil, nil, err
	}
	if err := l.fixPseudoCalls(); err != nil {
		return nil, nil, err
	}
	entry, err := l.entry()
	if err != nil {
		return nil, nil, err
	}

	p, err := program.NewProgram(l.image, 0, len(l.text), entry)
	if err != nil {
		return nil, nil, &vmerrors.ParseError{Section: ".text", Msg: err.Error()}
	}
	for pc, name := range l.funcs {
		key, err := p.RegisterFunction(name, pc)
		if err != nil {
			return nil, nil, &vmerrors.RelocationError{Offset: uint64(pc) * program.InsnSize, Symbol: name, Msg: err.Error()}
		}
		if sc, ok := l.syscalls.Lookup(key); ok {
			return nil, nil, &vmerrors.RelocationError{Offset: uint64(pc) * program.InsnSize, Symbol: name,
				Msg: fmt.Sprintf("function hash collides with syscall %q", sc.Name)}
		}
	}
	if err := verifier.Verify(p, cfg, l.syscalls); err != nil {
		return nil, nil, err
	}
	log.Debug(log.LoaderMonitoring, "object loaded", "text", len(l.text), "image", len(l.image),
		"functions", len(p.Functions), "syscalls", l.syscalls.Len(), "entry", entry)
	return p, l.syscalls, nil
}

// headerSection names the ELF file header in parse errors.
const headerSection = "ELF header"

func checkHeader(f *elf.File) error {
	switch {
	case f.Class != elf.ELFCLASS64:
		return &vmerrors.ParseError{Section: headerSection, Msg: fmt.Sprintf("unsupported class %v", f.Class)}
	case f.Data != elf.ELFDATA2LSB:
		return &vmerrors.ParseError{Section: headerSection, Msg: fmt.Sprintf("unsupported byte order %v", f.Data)}
	case f.Machine != elf.EM_BPF:
		return &vmerrors.ParseError{Section: headerSection, Msg: fmt.Sprintf("unsupported machine %v", f.Machine)}
	case f.Type != elf.ET_REL && f.Type != elf.ET_DYN:
		return &vmerrors.ParseError{Section: headerSection, Msg: fmt.Sprintf("unsupported object type %v", f.Type)}
	}
	return nil
}

type objectLoader struct {
	f        *elf.File
	syscalls *machine.SyscallRegistry
	resolve  SymbolResolver

	textIdx int
	textSec *elf.Section
	image   []byte
	text    []byte
	// section index -> offset of the section inside image
	sections map[int]uint64
	// pc -> function name
	funcs map[int]string
}

func isReadOnlyData(name string) bool {
	return strings.HasPrefix(name, ".rodata") || strings.HasPrefix(name, ".data.rel.ro")
}

// layout places .text at offset 0 and the read-only sections after it,
// each aligned to 8.
func (l *objectLoader) layout() error {
	for i, s := range l.f.Sections {
		if s.Name == ".text" {
			l.textIdx, l.textSec = i, s
			break
		}
	}
	if l.textSec == nil {
		return &vmerrors.ParseError{Section: ".text", Msg: "section not found"}
	}
	text, err := l.textSec.Data()
	if err != nil {
		return &vmerrors.ParseError{Section: ".text", Msg: err.Error()}
	}
	if len(text)%program.InsnSize != 0 {
		return &vmerrors.ParseError{Section: ".text", Msg: fmt.Sprintf("size %d is not a multiple of %d", len(text), program.InsnSize)}
	}
	l.image = append([]byte(nil), text...)
	l.sections[l.textIdx] = 0

	for i, s := range l.f.Sections {
		if i == l.textIdx || s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		switch {
		case isReadOnlyData(s.Name):
			if s.Type == elf.SHT_NOBITS {
				continue
			}
			data, err := s.Data()
			if err != nil {
				return &vmerrors.ParseError{Section: s.Name, Msg: err.Error()}
			}
			for len(l.image)%8 != 0 {
				l.image = append(l.image, 0)
			}
			l.sections[i] = uint64(len(l.image))
			l.image = append(l.image, data...)
		case s.Flags&elf.SHF_WRITE != 0 && s.Size > 0:
			return &vmerrors.ParseError{Section: s.Name, Msg: "writable sections are not supported"}
		}
	}
	l.text = l.image[:len(text)]
	return nil
}

// symbolOffset is the offset of sym inside its section.
func (l *objectLoader) symbolOffset(sym elf.Symbol) uint64 {
	if l.f.Type == elf.ET_DYN && int(sym.Section) < len(l.f.Sections) {
		return sym.Value - l.f.Sections[sym.Section].Addr
	}
	return sym.Value
}

func (l *objectLoader) collectFunctions() error {
	syms, err := l.f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		return nil
	}
	if err != nil {
		return &vmerrors.ParseError{Section: ".symtab", Msg: err.Error()}
	}
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || int(sym.Section) != l.textIdx || sym.Name == "" {
			continue
		}
		off := l.symbolOffset(sym)
		if off%program.InsnSize != 0 || off >= uint64(len(l.text)) {
			return &vmerrors.ParseError{Section: ".symtab", Msg: fmt.Sprintf("function %s at 0x%x is outside .text", sym.Name, off)}
		}
		l.funcs[int(off/program.InsnSize)] = sym.Name
	}
	return nil
}

type relocation struct {
	off    uint64
	sym    uint32
	typ    uint32
	addend int64
	rela   bool
}

func (l *objectLoader) relocate() error {
	for _, s := range l.f.Sections {
		if s.Type != elf.SHT_REL && s.Type != elf.SHT_RELA {
			continue
		}
		// ET_DYN relocation sections carry virtual addresses and no target.
		if s.Info != 0 && int(s.Info) != l.textIdx {
			continue
		}
		rels, err := readRelocations(s)
		if err != nil {
			return &vmerrors.ParseError{Section: s.Name, Msg: err.Error()}
		}
		syms, err := l.symbolsFor(s)
		if err != nil {
			return &vmerrors.ParseError{Section: s.Name, Msg: err.Error()}
		}
		for _, r := range rels {
			if s.Info == 0 {
				if r.off < l.textSec.Addr || r.off >= l.textSec.Addr+uint64(len(l.text)) {
					return &vmerrors.RelocationError{Offset: r.off, Msg: "target outside .text"}
				}
				r.off -= l.textSec.Addr
			}
			if err := l.apply(r, syms); err != nil {
				return err
			}
		}
	}
	return nil
}

func readRelocations(s *elf.Section) ([]relocation, error) {
	data, err := s.Data()
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)
	if s.Type == elf.SHT_RELA {
		raw := make([]elf.Rela64, len(data)/24)
		if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
			return nil, err
		}
		out := make([]relocation, len(raw))
		for i, e := range raw {
			out[i] = relocation{off: e.Off, sym: elf.R_SYM64(e.Info), typ: elf.R_TYPE64(e.Info), addend: e.Addend, rela: true}
		}
		return out, nil
	}
	raw := make([]elf.Rel64, len(data)/16)
	if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
		return nil, err
	}
	out := make([]relocation, len(raw))
	for i, e := range raw {
		out[i] = relocation{off: e.Off, sym: elf.R_SYM64(e.Info), typ: elf.R_TYPE64(e.Info)}
	}
	return out, nil
}

func (l *objectLoader) symbolsFor(s *elf.Section) ([]elf.Symbol, error) {
	if int(s.Link) < len(l.f.Sections) && l.f.Sections[s.Link].Type == elf.SHT_DYNSYM {
		return l.f.DynamicSymbols()
	}
	syms, err := l.f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		return nil, nil
	}
	return syms, err
}

func (l *objectLoader) apply(r relocation, syms []elf.Symbol) error {
	if r.typ == R_BPF_NONE {
		return nil
	}
	var sym elf.Symbol
	if r.sym != 0 {
		// debug/elf drops the null symbol, so index i is syms[i-1].
		if int(r.sym) > len(syms) {
			return &vmerrors.RelocationError{Offset: r.off, Msg: fmt.Sprintf("symbol index %d out of range", r.sym)}
		}
		sym = syms[r.sym-1]
	}
	if r.off%program.InsnSize != 0 || r.off+program.InsnSize > uint64(len(l.text)) {
		return &vmerrors.RelocationError{Offset: r.off, Symbol: sym.Name, Msg: "offset is not an instruction in .text"}
	}
	insn := l.text[r.off:]

	switch r.typ {
	case R_BPF_64_64:
		if insn[0] != program.LD_DW_IMM || r.off+2*program.InsnSize > uint64(len(l.text)) {
			return &vmerrors.RelocationError{Offset: r.off, Symbol: sym.Name, Msg: "R_BPF_64_64 must target lddw"}
		}
		base, ok := l.sections[int(sym.Section)]
		if !ok {
			return &vmerrors.RelocationError{Offset: r.off, Symbol: sym.Name, Msg: "symbol is not in a loaded section"}
		}
		addend := r.addend
		if !r.rela {
			addend = int64(int32(binary.LittleEndian.Uint32(insn[4:])))
		}
		patchWide(insn, program.MM_PROGRAM_START+base+l.symbolOffset(sym)+uint64(addend))
	case R_BPF_64_RELATIVE:
		if insn[0] != program.LD_DW_IMM || r.off+2*program.InsnSize > uint64(len(l.text)) {
			return &vmerrors.RelocationError{Offset: r.off, Msg: "R_BPF_64_RELATIVE must target lddw"}
		}
		v := uint64(binary.LittleEndian.Uint32(insn[4:])) | uint64(binary.LittleEndian.Uint32(insn[12:]))<<32
		if l.f.Type == elf.ET_DYN {
			off, ok := l.imageOffset(v)
			if !ok {
				return &vmerrors.RelocationError{Offset: r.off, Msg: fmt.Sprintf("address 0x%x is not in a loaded section", v)}
			}
			v = off
		}
		patchWide(insn, program.MM_PROGRAM_START+v)
	case R_BPF_64_32:
		if insn[0] != program.CALL_IMM {
			return &vmerrors.RelocationError{Offset: r.off, Symbol: sym.Name, Msg: "R_BPF_64_32 must target call"}
		}
		key, err := l.callKey(r, sym)
		if err != nil {
			return err
		}
		insn[1] &^= 0xf0
		binary.LittleEndian.PutUint32(insn[4:], key)
	default:
		return &vmerrors.RelocationError{Offset: r.off, Symbol: sym.Name, Msg: fmt.Sprintf("unsupported relocation type %d", r.typ)}
	}
	return nil
}

func (l *objectLoader) callKey(r relocation, sym elf.Symbol) (uint32, error) {
	switch {
	case elf.ST_TYPE(sym.Info) == elf.STT_SECTION:
		return 0, &vmerrors.RelocationError{Offset: r.off, Symbol: sym.Name, Msg: "section-relative calls are not supported"}
	case sym.Section == elf.SHN_UNDEF:
		if sym.Name == "" {
			return 0, &vmerrors.RelocationError{Offset: r.off, Msg: "call to unnamed undefined symbol"}
		}
		key := program.HashSymbolName(sym.Name)
		if _, ok := l.syscalls.Lookup(key); ok {
			return key, nil
		}
		if l.resolve != nil {
			if fn, ok := l.resolve(sym.Name); ok {
				if _, err := l.syscalls.Register(sym.Name, fn); err != nil {
					return 0, &vmerrors.RelocationError{Offset: r.off, Symbol: sym.Name, Msg: err.Error()}
				}
				log.Trace(log.LoaderMonitoring, "resolved syscall", "name", sym.Name, "key", key)
				return key, nil
			}
		}
		return 0, &vmerrors.RelocationError{Offset: r.off, Symbol: sym.Name, Msg: "unresolved symbol"}
	case int(sym.Section) == l.textIdx:
		off := l.symbolOffset(sym)
		if off%program.InsnSize != 0 || off >= uint64(len(l.text)) {
			return 0, &vmerrors.RelocationError{Offset: r.off, Symbol: sym.Name, Msg: "call target outside .text"}
		}
		pc := int(off / program.InsnSize)
		name, ok := l.funcs[pc]
		if !ok {
			name = sym.Name
			l.funcs[pc] = name
		}
		return program.HashSymbolName(name), nil
	default:
		return 0, &vmerrors.RelocationError{Offset: r.off, Symbol: sym.Name, Msg: "call target is not in .text"}
	}
}

// fixPseudoCalls rewrites pc-relative calls left without a relocation into
// function keys.
func (l *objectLoader) fixPseudoCalls() error {
	n := len(l.text) / program.InsnSize
	for pc := 0; pc < n; pc++ {
		insn := l.text[pc*program.InsnSize:]
		if insn[0] == program.LD_DW_IMM {
			pc++
			continue
		}
		if insn[0] != program.CALL_IMM || insn[1]>>4 != pseudoCall {
			continue
		}
		target := pc + 1 + int(int32(binary.LittleEndian.Uint32(insn[4:])))
		if target < 0 || target >= n {
			return &vmerrors.RelocationError{Offset: uint64(pc) * program.InsnSize, Msg: fmt.Sprintf("relative call to pc %d outside .text", target)}
		}
		name, ok := l.funcs[target]
		if !ok {
			name = fmt.Sprintf("function_%d", target)
			l.funcs[target] = name
		}
		insn[1] &^= 0xf0
		binary.LittleEndian.PutUint32(insn[4:], program.HashSymbolName(name))
	}
	return nil
}

func (l *objectLoader) entry() (int, error) {
	for pc, name := range l.funcs {
		if name == "entrypoint" {
			return pc, nil
		}
	}
	off := l.f.Entry
	if l.f.Type == elf.ET_DYN {
		off -= l.textSec.Addr
	}
	if off%program.InsnSize != 0 || off >= uint64(len(l.text)) {
		return 0, &vmerrors.ParseError{Section: headerSection, Msg: fmt.Sprintf("entry 0x%x is not an instruction in .text", l.f.Entry)}
	}
	pc := int(off / program.InsnSize)
	if _, ok := l.funcs[pc]; !ok {
		l.funcs[pc] = "entrypoint"
	}
	return pc, nil
}

// imageOffset maps a virtual address of a shared object to an image offset.
func (l *objectLoader) imageOffset(addr uint64) (uint64, bool) {
	for idx, base := range l.sections {
		s := l.f.Sections[idx]
		if addr >= s.Addr && addr < s.Addr+s.Size {
			return base + addr - s.Addr, true
		}
	}
	return 0, false
}

func patchWide(insn []byte, v uint64) {
	binary.LittleEndian.PutUint32(insn[4:], uint32(v))
	binary.LittleEndian.PutUint32(insn[12:], uint32(v>>32))
}
