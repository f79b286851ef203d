package elfx

import (
	"debug/elf"
	"fmt"
	"sync"

	"github.com/ianlancetaylor/demangle"

	"ropkit/internal/chunk"
)

// Symbol is one decoded symbol table entry.
type Symbol struct {
	Name      string
	Demangled string
	Value     uint64
	Size      uint64
	Type      elf.SymType
	Bind      elf.SymBind
	Shndx     elf.SectionIndex
}

// Defined reports whether the symbol belongs to a section of this image.
func (s Symbol) Defined() bool {
	return s.Shndx != elf.SHN_UNDEF && s.Shndx < elf.SHN_LORESERVE
}

// demangler caches demangled names. An image may be read concurrently, so the
// cache takes its own lock.
type demangler struct {
	mu    sync.RWMutex
	full  map[string]string
	short map[string]string
}

func (d *demangler) lookup(m map[string]string, mangled string, opts ...demangle.Option) string {
	d.mu.RLock()
	if v, ok := m[mangled]; ok {
		d.mu.RUnlock()
		return v
	}
	d.mu.RUnlock()

	v := demangle.Filter(mangled, opts...)

	d.mu.Lock()
	m[mangled] = v
	d.mu.Unlock()
	return v
}

func newDemangler() *demangler {
	return &demangler{full: make(map[string]string), short: make(map[string]string)}
}

// Full returns the demangled name, or mangled itself when it is not mangled.
func (d *demangler) Full(mangled string) string {
	return d.lookup(d.full, mangled, demangle.NoClones)
}

// Short returns the demangled name without parameters.
func (d *demangler) Short(mangled string) string {
	return d.lookup(d.short, mangled, demangle.NoParams, demangle.NoClones)
}

// Symbols decodes the static symbol table followed by every dynamic symbol
// table. The null entry of each table is skipped.
func (im *Image) Symbols() ([]Symbol, error) {
	if im.closed {
		return nil, ErrClosed
	}
	var out []Symbol
	for _, typ := range []elf.SectionType{elf.SHT_SYMTAB, elf.SHT_DYNSYM} {
		for _, s := range im.sections {
			if s.Type != typ {
				continue
			}
			syms, err := im.readSymbols(s)
			if err != nil {
				return nil, err
			}
			out = append(out, syms...)
		}
	}
	return out, nil
}

func (im *Image) readSymbols(s *Section) ([]Symbol, error) {
	data := im.Bytes(im.SectionDataChunk(s))
	if uint64(len(data)) != s.Size || s.Size%im.lay.sym != 0 {
		return nil, fmt.Errorf("%w: %s at %#x: %d bytes in image, header says %#x", ErrInconsistent, s.Type, s.Offset, len(data), s.Size)
	}
	var names []byte
	if l := im.linked(s); l != nil && l.Type == elf.SHT_STRTAB {
		names = im.Bytes(im.SectionDataChunk(l))
	}

	n := s.Size / im.lay.sym
	out := make([]Symbol, 0, n)
	for i := uint64(1); i < n; i++ {
		sym := im.decodeSymbol(data[i*im.lay.sym:])
		if name, err := cstring(names, im.order.Uint32(data[i*im.lay.sym:])); err == nil {
			sym.Name = name
		}
		sym.Demangled = im.names.Full(sym.Name)
		out = append(out, sym)
	}
	return out, nil
}

func (im *Image) decodeSymbol(b []byte) Symbol {
	o := im.order
	var info uint8
	var sym Symbol
	if im.Class == elf.ELFCLASS64 {
		info = b[4]
		sym.Shndx = elf.SectionIndex(o.Uint16(b[6:]))
		sym.Value = o.Uint64(b[8:])
		sym.Size = o.Uint64(b[16:])
	} else {
		sym.Value = uint64(o.Uint32(b[4:]))
		sym.Size = uint64(o.Uint32(b[8:]))
		info = b[12]
		sym.Shndx = elf.SectionIndex(o.Uint16(b[14:]))
	}
	sym.Type = elf.ST_TYPE(info)
	sym.Bind = elf.ST_BIND(info)
	return sym
}

// function finds a defined STT_FUNC symbol by raw name or by its demangled
// name without parameters. Among same-named symbols a sized one wins.
func (im *Image) function(name string) (Symbol, bool) {
	syms, err := im.Symbols()
	if err != nil || name == "" {
		return Symbol{}, false
	}
	for _, match := range []func(Symbol) bool{
		func(s Symbol) bool { return s.Name == name },
		func(s Symbol) bool { return im.names.Short(s.Name) == name },
	} {
		var first *Symbol
		for i, s := range syms {
			if s.Type != elf.STT_FUNC || !s.Defined() || !match(s) {
				continue
			}
			if s.Size > 0 {
				return s, true
			}
			if first == nil {
				first = &syms[i]
			}
		}
		if first != nil {
			return *first, true
		}
	}
	return Symbol{}, false
}

// FunctionOffset returns the virtual address of the named function, or 0.
func (im *Image) FunctionOffset(name string) uint64 {
	s, ok := im.function(name)
	if !ok {
		return 0
	}
	return s.Value
}

// FunctionChunk returns the file range holding the named function. See
// SymbolChunk.
func (im *Image) FunctionChunk(name string) (chunk.Chunk, bool) {
	sym, ok := im.function(name)
	if !ok {
		return chunk.Chunk{}, false
	}
	return im.SymbolChunk(sym)
}

// SymbolChunk returns the file range holding the bytes of sym. The symbol
// must be defined and non-empty and lie wholly inside one loaded section
// with file contents.
func (im *Image) SymbolChunk(sym Symbol) (chunk.Chunk, bool) {
	if im.closed || !sym.Defined() || sym.Size == 0 {
		return chunk.Chunk{}, false
	}
	span := chunk.New(sym.Value, sym.Size)
	for _, s := range im.sections {
		if s.Type == elf.SHT_NOBITS || s.Flags&elf.SHF_ALLOC == 0 || !s.Span().Covers(span) {
			continue
		}
		c := chunk.New(s.Offset+(sym.Value-s.Addr), sym.Size)
		if !im.SectionDataChunk(s).Covers(c) {
			continue
		}
		return c, true
	}
	return chunk.Chunk{}, false
}
