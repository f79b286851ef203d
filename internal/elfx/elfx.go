// Package elfx parses ELF images into a mutable structural model: sections,
// program headers, symbol and string tables, dynamic tags. Every section and
// program header is a view (offset, size) into the buffer owned by the Image.
package elfx

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"slices"

	"ropkit/internal/chunk"
	"ropkit/internal/disasm"
)

// Section is a section header. Link and Info refer to positions in the
// section header table the image was parsed from.
type Section struct {
	NameIndex uint32
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// Span returns the virtual address range of the section.
func (s *Section) Span() chunk.Chunk {
	return chunk.New(s.Addr, s.Size)
}

// FileRange returns the bytes the section occupies in the file. SHT_NOBITS
// sections occupy none.
func (s *Section) FileRange() chunk.Chunk {
	if s.Type == elf.SHT_NOBITS {
		return chunk.New(s.Offset, 0)
	}
	return chunk.New(s.Offset, s.Size)
}

// ProgramHeader is a segment descriptor.
type ProgramHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// FileRange returns the bytes the segment occupies in the file.
func (p *ProgramHeader) FileRange() chunk.Chunk {
	return chunk.New(p.Offset, p.Filesz)
}

// BinaryImage is the structural model callers program against.
type BinaryImage interface {
	AddSection(s *Section) error
	RemoveSection(s *Section) error
	Sections() []*Section
	ShstrSection() *Section
	StrtabSection() *Section
	SymtabSection() *Section
	SectionName(s *Section) (string, error)
	SectionByName(name string) *Section
	SectionDataChunk(s *Section) chunk.Chunk
	SectionTag(s *Section) elf.DynTag
	IsPointerTag(tag elf.DynTag) bool
	UpdateSymbolOffsets(s *Section, delta int64) error
	UpdateDynamicOffsets(s *Section, delta int64) error
	DynamicEntries() ([]DynamicEntry, error)

	AddProgramHeader(p *ProgramHeader) error
	RemoveProgramHeader(p *ProgramHeader) error
	ProgramHeaders() []*ProgramHeader
	ProgramHeaderDataChunk(p *ProgramHeader) chunk.Chunk

	Symbols() ([]Symbol, error)
	FunctionOffset(name string) uint64
	FunctionChunk(name string) (chunk.Chunk, bool)
	SymbolChunk(sym Symbol) (chunk.Chunk, bool)

	Bytes(c chunk.Chunk) []byte
	VA2Off(va uint64) (uint64, bool)
	Arch() disasm.Arch
	Close() error
}

var _ BinaryImage = (*Image)(nil)

// Image is a parsed ELF file. Mutating methods must be serialized by the
// caller; concurrent readers are safe while no mutation is in progress.
type Image struct {
	Path    string
	Class   elf.Class
	Data    elf.Data
	Machine elf.Machine
	Type    elf.Type
	Entry   uint64

	buf    []byte
	order  binary.ByteOrder
	lay    layout
	closed bool

	// table is the section header table as parsed; Link/Info index into it.
	table    []*Section
	sections []*Section
	progs    []*ProgramHeader

	shstr  *Section
	strtab *Section
	symtab *Section

	// shstrHdr is the e_shstrndx section; shstr tracks it while it is a member.
	shstrHdr *Section

	names *demangler
}

// Open reads and parses the ELF file at path.
func Open(path string) (*Image, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	im, err := Parse(buf, chunk.Chunk{})
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	im.Path = path
	return im, nil
}

// Parse parses the ELF image held in buf[region]. An empty region selects the
// whole buffer. The image takes ownership of the selected bytes: offset
// updates write into them and the caller must not modify them afterwards.
func Parse(buf []byte, region chunk.Chunk) (*Image, error) {
	if region.Empty() {
		region = chunk.New(0, uint64(len(buf)))
	}
	if !region.Within(uint64(len(buf))) {
		return nil, fmt.Errorf("%w: region %v outside buffer of %d bytes", ErrMalformed, region, len(buf))
	}

	im := &Image{buf: region.Slice(buf), names: newDemangler()}
	if err := im.parse(); err != nil {
		return nil, err
	}
	return im, nil
}

// Close releases the buffer and all structural metadata. It is safe to call
// more than once. Chunks obtained earlier keep their numeric value but no
// longer resolve to bytes through this image.
func (im *Image) Close() error {
	im.buf = nil
	im.table = nil
	im.sections = nil
	im.progs = nil
	im.shstr, im.strtab, im.symtab = nil, nil, nil
	im.shstrHdr = nil
	im.closed = true
	return nil
}

// Size returns the length of the image buffer.
func (im *Image) Size() uint64 {
	return uint64(len(im.buf))
}

// Bytes returns the bytes covered by c, clipped to the image. The slice
// aliases the image buffer and must be treated as read-only.
func (im *Image) Bytes(c chunk.Chunk) []byte {
	return c.Slice(im.buf)
}

// Arch reports the instruction set of the image.
func (im *Image) Arch() disasm.Arch {
	return disasm.ArchFromELF(im.Machine, im.Class, im.Data)
}

// VA2Off translates a virtual address into a file offset
// using PT_LOAD segments. It returns false if VA is unmapped.
func (im *Image) VA2Off(va uint64) (uint64, bool) {
	for _, p := range im.progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if va >= p.Vaddr && va-p.Vaddr < p.Filesz {
			return p.Offset + (va - p.Vaddr), true
		}
	}
	return 0, false
}

// Sections returns a snapshot of the ordered section list.
func (im *Image) Sections() []*Section {
	return slices.Clone(im.sections)
}

// ProgramHeaders returns a snapshot of the ordered program header list.
func (im *Image) ProgramHeaders() []*ProgramHeader {
	return slices.Clone(im.progs)
}

// ShstrSection returns the section header string table, or nil.
func (im *Image) ShstrSection() *Section { return im.shstr }

// StrtabSection returns the symbol string table, or nil.
func (im *Image) StrtabSection() *Section { return im.strtab }

// SymtabSection returns the static symbol table, or nil.
func (im *Image) SymtabSection() *Section { return im.symtab }
