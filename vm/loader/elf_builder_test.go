package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

type testSym struct {
	name    string
	section string // "" for undefined
	value   uint64
	typ     elf.SymType
	bind    elf.SymBind
}

type testRel struct {
	off uint64
	sym string
	typ uint32
}

type testSection struct {
	name  string
	flags elf.SectionFlag
	data  []byte
}

// testObject writes a minimal ELF64 relocatable object for the loader tests.
type testObject struct {
	machine  elf.Machine
	typ      elf.Type
	entry    uint64
	sections []testSection
	syms     []testSym
	rels     []testRel
}

func newTestObject(text []byte) *testObject {
	return &testObject{
		machine:  elf.EM_BPF,
		typ:      elf.ET_REL,
		sections: []testSection{{name: ".text", flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: text}},
	}
}

func (o *testObject) addSection(name string, flags elf.SectionFlag, data []byte) *testObject {
	o.sections = append(o.sections, testSection{name: name, flags: flags, data: data})
	return o
}

func (o *testObject) addSym(s testSym) *testObject {
	o.syms = append(o.syms, s)
	return o
}

func (o *testObject) addRel(off uint64, sym string, typ uint32) *testObject {
	o.rels = append(o.rels, testRel{off: off, sym: sym, typ: typ})
	return o
}

type strtab struct{ buf bytes.Buffer }

func newStrtab() *strtab {
	s := &strtab{}
	s.buf.WriteByte(0)
	return s
}

func (s *strtab) add(name string) uint32 {
	if name == "" {
		return 0
	}
	off := uint32(s.buf.Len())
	s.buf.WriteString(name)
	s.buf.WriteByte(0)
	return off
}

func (o *testObject) bytes() []byte {
	le := binary.LittleEndian
	// section indexes: 0 null, 1.. user sections, then symtab, strtab, rel.text, shstrtab
	secIndex := make(map[string]int)
	for i, s := range o.sections {
		secIndex[s.name] = i + 1
	}
	symtabIdx := len(o.sections) + 1
	strtabIdx := symtabIdx + 1
	relIdx := strtabIdx + 1
	shstrIdx := relIdx + 1

	names := newStrtab()
	var symtab bytes.Buffer
	symtab.Write(make([]byte, 24))
	symIndex := make(map[string]int)
	for i, s := range o.syms {
		symIndex[s.name] = i + 1
		var e elf.Sym64
		e.Name = names.add(s.name)
		e.Info = byte(s.bind)<<4 | byte(s.typ)
		if s.section != "" {
			e.Shndx = uint16(secIndex[s.section])
		}
		e.Value = s.value
		binary.Write(&symtab, le, e)
	}
	var rel bytes.Buffer
	for _, r := range o.rels {
		binary.Write(&rel, le, elf.Rel64{Off: r.off, Info: elf.R_INFO(uint32(symIndex[r.sym]), r.typ)})
	}

	shstr := newStrtab()
	type hdr struct {
		sh   elf.Section64
		data []byte
	}
	hdrs := []hdr{{}}
	for _, s := range o.sections {
		typ := elf.SHT_PROGBITS
		hdrs = append(hdrs, hdr{sh: elf.Section64{Name: shstr.add(s.name), Type: uint32(typ), Flags: uint64(s.flags), Addralign: 8}, data: s.data})
	}
	hdrs = append(hdrs,
		hdr{sh: elf.Section64{Name: shstr.add(".symtab"), Type: uint32(elf.SHT_SYMTAB), Link: uint32(strtabIdx), Info: 1, Addralign: 8, Entsize: 24}, data: symtab.Bytes()},
		hdr{sh: elf.Section64{Name: shstr.add(".strtab"), Type: uint32(elf.SHT_STRTAB), Addralign: 1}, data: names.buf.Bytes()},
		hdr{sh: elf.Section64{Name: shstr.add(".rel.text"), Type: uint32(elf.SHT_REL), Link: uint32(symtabIdx), Info: 1, Addralign: 8, Entsize: 16}, data: rel.Bytes()},
	)
	shstrName := shstr.add(".shstrtab")
	hdrs = append(hdrs, hdr{sh: elf.Section64{Name: shstrName, Type: uint32(elf.SHT_STRTAB), Addralign: 1}, data: shstr.buf.Bytes()})

	var body bytes.Buffer
	body.Write(make([]byte, 64))
	for i := 1; i < len(hdrs); i++ {
		for body.Len()%8 != 0 {
			body.WriteByte(0)
		}
		hdrs[i].sh.Off = uint64(body.Len())
		hdrs[i].sh.Size = uint64(len(hdrs[i].data))
		body.Write(hdrs[i].data)
	}
	for body.Len()%8 != 0 {
		body.WriteByte(0)
	}
	shoff := uint64(body.Len())
	for _, h := range hdrs {
		binary.Write(&body, le, h.sh)
	}

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	fh := elf.Header64{
		Ident:     ident,
		Type:      uint16(o.typ),
		Machine:   uint16(o.machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     o.entry,
		Shoff:     shoff,
		Ehsize:    64,
		Phentsize: 56,
		Shentsize: 64,
		Shnum:     uint16(len(hdrs)),
		Shstrndx:  uint16(shstrIdx),
	}
	out := body.Bytes()
	var head bytes.Buffer
	binary.Write(&head, le, fh)
	copy(out, head.Bytes())
	return out
}
