// Package elftest builds small, deterministic little-endian ELF images for
// tests.
package elftest

import (
	"debug/elf"
	"encoding/binary"
)

// Section is a section to be laid out by the builder. Size is only used for
// SHT_NOBITS sections; for every other type the size is len(Data).
type Section struct {
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Addr  uint64
	Data  []byte
	Size  uint64
	Align uint64
}

// Symbol is a symbol table entry. Section names the defining section; an
// empty name produces an undefined symbol.
type Symbol struct {
	Name    string
	Type    elf.SymType
	Bind    elf.SymBind
	Section string
	Value   uint64
	Size    uint64
}

// Rela is a relocation with addend.
type Rela struct {
	Offset uint64
	Info   uint64
	Addend int64
}

type segment struct {
	typ     elf.ProgType
	flags   elf.ProgFlag
	section string
}

type dyn struct {
	tag elf.DynTag
	val uint64
}

// Builder accumulates sections, segments and tables. The zero value builds
// an ELF64 x86-64 executable.
type Builder struct {
	Class   elf.Class
	Machine elf.Machine
	Type    elf.Type
	Entry   uint64

	sections []Section
	segments []segment
	symbols  []Symbol
	dynsyms  []Symbol
	relas    []Rela
	plt      []Rela
	dynamic  []dyn
}

// New returns a builder for an ELF64 x86-64 executable.
func New() *Builder {
	return &Builder{Class: elf.ELFCLASS64, Machine: elf.EM_X86_64, Type: elf.ET_EXEC}
}

// AddSection appends a section with contents.
func (b *Builder) AddSection(name string, typ elf.SectionType, flags elf.SectionFlag, addr uint64, data []byte) *Builder {
	b.sections = append(b.sections, Section{Name: name, Type: typ, Flags: flags, Addr: addr, Data: data})
	return b
}

// AddText appends an executable .text-like section.
func (b *Builder) AddText(name string, addr uint64, code []byte) *Builder {
	return b.AddSection(name, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, addr, code)
}

// AddNobits appends a section that occupies memory but no file bytes.
func (b *Builder) AddNobits(name string, addr, size uint64) *Builder {
	b.sections = append(b.sections, Section{Name: name, Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: addr, Size: size})
	return b
}

// AddSegment adds a program header spanning the named section.
func (b *Builder) AddSegment(typ elf.ProgType, flags elf.ProgFlag, section string) *Builder {
	b.segments = append(b.segments, segment{typ: typ, flags: flags, section: section})
	return b
}

// AddSymbol adds a global symbol to .symtab.
func (b *Builder) AddSymbol(name string, typ elf.SymType, section string, value, size uint64) *Builder {
	b.symbols = append(b.symbols, Symbol{Name: name, Type: typ, Bind: elf.STB_GLOBAL, Section: section, Value: value, Size: size})
	return b
}

// AddDynSymbol adds a global symbol to .dynsym.
func (b *Builder) AddDynSymbol(name string, typ elf.SymType, section string, value, size uint64) *Builder {
	b.dynsyms = append(b.dynsyms, Symbol{Name: name, Type: typ, Bind: elf.STB_GLOBAL, Section: section, Value: value, Size: size})
	return b
}

// AddRela adds an entry to .rela.dyn.
func (b *Builder) AddRela(off, info uint64, addend int64) *Builder {
	b.relas = append(b.relas, Rela{Offset: off, Info: info, Addend: addend})
	return b
}

// AddPLTRela adds an entry to .rela.plt.
func (b *Builder) AddPLTRela(off, info uint64, addend int64) *Builder {
	b.plt = append(b.plt, Rela{Offset: off, Info: info, Addend: addend})
	return b
}

// AddDynamic adds an entry to .dynamic. The DT_NULL terminator is implicit.
func (b *Builder) AddDynamic(tag elf.DynTag, val uint64) *Builder {
	b.dynamic = append(b.dynamic, dyn{tag: tag, val: val})
	return b
}

type enc struct {
	is64 bool
	buf  []byte
}

func (e *enc) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *enc) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *enc) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *enc) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *enc) word(v uint64) {
	if e.is64 {
		e.u64(v)
		return
	}
	e.u32(uint32(v))
}

type strtab struct {
	data []byte
	idx  map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{data: []byte{0}, idx: map[string]uint32{"": 0}}
}

func (t *strtab) add(s string) uint32 {
	if i, ok := t.idx[s]; ok {
		return i
	}
	i := uint32(len(t.data))
	t.data = append(t.data, s...)
	t.data = append(t.data, 0)
	t.idx[s] = i
	return i
}

type placed struct {
	Section
	link, info uint32
	entsize    uint64
	offset     uint64
}

func (p *placed) size() uint64 {
	if p.Type == elf.SHT_NOBITS {
		return p.Size
	}
	return uint64(len(p.Data))
}

func align(v, a uint64) uint64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// Build lays the image out: header, program headers, section contents,
// section header table.
func (b *Builder) Build() []byte {
	is64 := b.Class != elf.ELFCLASS32
	ehsize, phsize, shsize := uint64(52), uint64(32), uint64(40)
	symsize, relasize, dynsize := uint64(16), uint64(12), uint64(8)
	if is64 {
		ehsize, phsize, shsize = 64, 56, 64
		symsize, relasize, dynsize = 24, 24, 16
	}

	// Index 0 is the null section.
	secs := []*placed{{}}
	index := map[string]uint32{}
	for _, s := range b.sections {
		index[s.Name] = uint32(len(secs))
		secs = append(secs, &placed{Section: s})
	}
	appendSec := func(p *placed) uint32 {
		i := uint32(len(secs))
		index[p.Name] = i
		secs = append(secs, p)
		return i
	}

	symbols := func(syms []Symbol, strs *strtab) []byte {
		e := &enc{is64: is64}
		for range symsize {
			e.u8(0)
		}
		for _, s := range syms {
			name := strs.add(s.Name)
			info := elf.ST_INFO(s.Bind, s.Type)
			shndx := uint16(elf.SHN_UNDEF)
			if s.Section != "" {
				shndx = uint16(index[s.Section])
			}
			if is64 {
				e.u32(name)
				e.u8(info)
				e.u8(0)
				e.u16(shndx)
				e.u64(s.Value)
				e.u64(s.Size)
			} else {
				e.u32(name)
				e.u32(uint32(s.Value))
				e.u32(uint32(s.Size))
				e.u8(info)
				e.u8(0)
				e.u16(shndx)
			}
		}
		return e.buf
	}

	if len(b.dynsyms) > 0 {
		dynstr := newStrtab()
		data := symbols(b.dynsyms, dynstr)
		strIdx := uint32(len(secs)) + 1
		appendSec(&placed{Section: Section{Name: ".dynsym", Type: elf.SHT_DYNSYM, Flags: elf.SHF_ALLOC, Data: data, Align: 8}, link: strIdx, info: 1, entsize: symsize})
		appendSec(&placed{Section: Section{Name: ".dynstr", Type: elf.SHT_STRTAB, Flags: elf.SHF_ALLOC, Data: dynstr.data, Align: 1}})
	}

	relas := func(rs []Rela) []byte {
		e := &enc{is64: is64}
		for _, r := range rs {
			e.word(r.Offset)
			e.word(r.Info)
			e.word(uint64(r.Addend))
		}
		return e.buf
	}
	if len(b.relas) > 0 {
		appendSec(&placed{Section: Section{Name: ".rela.dyn", Type: elf.SHT_RELA, Flags: elf.SHF_ALLOC, Data: relas(b.relas), Align: 8}, link: index[".dynsym"], entsize: relasize})
	}
	if len(b.plt) > 0 {
		appendSec(&placed{Section: Section{Name: ".rela.plt", Type: elf.SHT_RELA, Flags: elf.SHF_ALLOC, Data: relas(b.plt), Align: 8}, link: index[".dynsym"], entsize: relasize})
	}
	if len(b.dynamic) > 0 {
		e := &enc{is64: is64}
		for _, d := range append(b.dynamic, dyn{tag: elf.DT_NULL}) {
			e.word(uint64(d.tag))
			e.word(d.val)
		}
		appendSec(&placed{Section: Section{Name: ".dynamic", Type: elf.SHT_DYNAMIC, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Data: e.buf, Align: 8}, link: index[".dynstr"], entsize: dynsize})
	}
	if len(b.symbols) > 0 {
		strs := newStrtab()
		data := symbols(b.symbols, strs)
		strIdx := uint32(len(secs)) + 1
		appendSec(&placed{Section: Section{Name: ".symtab", Type: elf.SHT_SYMTAB, Data: data, Align: 8}, link: strIdx, info: 1, entsize: symsize})
		appendSec(&placed{Section: Section{Name: ".strtab", Type: elf.SHT_STRTAB, Data: strs.data, Align: 1}})
	}

	shstr := newStrtab()
	for _, p := range secs[1:] {
		shstr.add(p.Name)
	}
	shstr.add(".shstrtab")
	shstrndx := appendSec(&placed{Section: Section{Name: ".shstrtab", Type: elf.SHT_STRTAB, Align: 1}})
	secs[shstrndx].Data = shstr.data

	// Layout.
	off := ehsize + phsize*uint64(len(b.segments))
	for _, p := range secs[1:] {
		a := p.Align
		if a == 0 {
			a = 16
		}
		off = align(off, a)
		p.offset = off
		if p.Type != elf.SHT_NOBITS {
			off += uint64(len(p.Data))
		}
	}
	shoff := align(off, 8)

	e := &enc{is64: is64}

	// ELF header.
	class := elf.ELFCLASS64
	if !is64 {
		class = elf.ELFCLASS32
	}
	e.buf = append(e.buf, elf.ELFMAG...)
	e.u8(uint8(class))
	e.u8(uint8(elf.ELFDATA2LSB))
	e.u8(uint8(elf.EV_CURRENT))
	for len(e.buf) < elf.EI_NIDENT {
		e.u8(0)
	}
	machine := b.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_X86_64
		if !is64 {
			machine = elf.EM_386
		}
	}
	typ := b.Type
	if typ == elf.ET_NONE {
		typ = elf.ET_EXEC
	}
	e.u16(uint16(typ))
	e.u16(uint16(machine))
	e.u32(uint32(elf.EV_CURRENT))
	e.word(b.Entry)
	phoff := uint64(0)
	if len(b.segments) > 0 {
		phoff = ehsize
	}
	e.word(phoff)
	e.word(shoff)
	e.u32(0)
	e.u16(uint16(ehsize))
	e.u16(uint16(phsize))
	e.u16(uint16(len(b.segments)))
	e.u16(uint16(shsize))
	e.u16(uint16(len(secs)))
	e.u16(uint16(shstrndx))

	// Program headers.
	for _, sg := range b.segments {
		p := secs[index[sg.section]]
		filesz := uint64(len(p.Data))
		if p.Type == elf.SHT_NOBITS {
			filesz = 0
		}
		if is64 {
			e.u32(uint32(sg.typ))
			e.u32(uint32(sg.flags))
			e.u64(p.offset)
			e.u64(p.Addr)
			e.u64(p.Addr)
			e.u64(filesz)
			e.u64(p.size())
			e.u64(0x1000)
		} else {
			e.u32(uint32(sg.typ))
			e.u32(uint32(p.offset))
			e.u32(uint32(p.Addr))
			e.u32(uint32(p.Addr))
			e.u32(uint32(filesz))
			e.u32(uint32(p.size()))
			e.u32(uint32(sg.flags))
			e.u32(0x1000)
		}
	}

	// Section contents.
	for _, p := range secs[1:] {
		for uint64(len(e.buf)) < p.offset {
			e.u8(0)
		}
		if p.Type != elf.SHT_NOBITS {
			e.buf = append(e.buf, p.Data...)
		}
	}
	for uint64(len(e.buf)) < shoff {
		e.u8(0)
	}

	// Section header table.
	for i, p := range secs {
		var name uint32
		if i > 0 {
			name = shstr.add(p.Name)
		}
		if is64 {
			e.u32(name)
			e.u32(uint32(p.Type))
			e.u64(uint64(p.Flags))
			e.u64(p.Addr)
			e.u64(p.offset)
			e.u64(p.size())
			e.u32(p.link)
			e.u32(p.info)
			e.u64(p.Align)
			e.u64(p.entsize)
		} else {
			e.u32(name)
			e.u32(uint32(p.Type))
			e.u32(uint32(p.Flags))
			e.u32(uint32(p.Addr))
			e.u32(uint32(p.offset))
			e.u32(uint32(p.size()))
			e.u32(p.link)
			e.u32(p.info)
			e.u32(uint32(p.Align))
			e.u32(uint32(p.entsize))
		}
	}
	return e.buf
}
