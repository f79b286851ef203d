package elfx

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"ropkit/internal/chunk"
)

// layout holds the on-disk structure sizes of one ELF class.
type layout struct {
	ehdr, phdr, shdr uint64
	sym, rel, rela   uint64
	dyn, word        uint64
}

var (
	layout64 = layout{ehdr: 64, phdr: 56, shdr: 64, sym: elf.Sym64Size, rel: 16, rela: 24, dyn: 16, word: 8}
	layout32 = layout{ehdr: 52, phdr: 32, shdr: 40, sym: elf.Sym32Size, rel: 8, rela: 12, dyn: 8, word: 4}
)

// symValueOff is the offset of st_value inside a symbol entry.
func (l layout) symValueOff() uint64 {
	if l.word == 8 {
		return 8
	}
	return 4
}

type header struct {
	typ, machine               uint16
	entry, phoff, shoff        uint64
	ehsize, phentsize, phnum   uint16
	shentsize, shnum, shstrndx uint16
}

func (im *Image) parse() error {
	h, err := im.parseIdent()
	if err != nil {
		return err
	}

	var errs *multierror.Error
	size := uint64(len(im.buf))

	if uint64(h.ehsize) < im.lay.ehdr {
		errs = multierror.Append(errs, fmt.Errorf("header size %d, want at least %d", h.ehsize, im.lay.ehdr))
	}

	phTable := chunk.New(h.phoff, uint64(h.phnum)*uint64(h.phentsize))
	phOK := true
	if h.phnum > 0 {
		if uint64(h.phentsize) != im.lay.phdr {
			errs = multierror.Append(errs, fmt.Errorf("program header entry size %d, want %d", h.phentsize, im.lay.phdr))
			phOK = false
		}
		if !phTable.Within(size) {
			errs = multierror.Append(errs, fmt.Errorf("program header table %v outside image of %d bytes", phTable, size))
			phOK = false
		}
	}

	shTable := chunk.New(h.shoff, uint64(h.shnum)*uint64(h.shentsize))
	shOK := true
	if h.shnum > 0 {
		if uint64(h.shentsize) != im.lay.shdr {
			errs = multierror.Append(errs, fmt.Errorf("section header entry size %d, want %d", h.shentsize, im.lay.shdr))
			shOK = false
		}
		if !shTable.Within(size) {
			errs = multierror.Append(errs, fmt.Errorf("section header table %v outside image of %d bytes", shTable, size))
			shOK = false
		}
		if h.shstrndx != uint16(elf.SHN_UNDEF) && h.shstrndx >= h.shnum {
			errs = multierror.Append(errs, fmt.Errorf("shstrndx %d out of range (%d sections)", h.shstrndx, h.shnum))
			shOK = false
		}
	}

	if phOK && h.phnum > 0 {
		for i := uint64(0); i < uint64(h.phnum); i++ {
			p := im.readProg(h.phoff + i*im.lay.phdr)
			if !p.FileRange().Within(size) {
				errs = multierror.Append(errs, fmt.Errorf("program header %d: file range %v outside image", i, p.FileRange()))
			}
			if p.Type == elf.PT_LOAD && p.Filesz > p.Memsz {
				errs = multierror.Append(errs, fmt.Errorf("program header %d: filesz %#x exceeds memsz %#x", i, p.Filesz, p.Memsz))
			}
			im.progs = append(im.progs, p)
		}
	}

	if shOK && h.shnum > 0 {
		for i := uint64(0); i < uint64(h.shnum); i++ {
			s := im.readSection(h.shoff + i*im.lay.shdr)
			if s.Type != elf.SHT_NULL && !s.FileRange().Within(size) {
				errs = multierror.Append(errs, fmt.Errorf("section %d: file range %v outside image", i, s.FileRange()))
			}
			if n, err := im.checkEntsize(s); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("section %d: %w", i, err))
			} else {
				s.Entsize = n
			}
			im.table = append(im.table, s)
		}
		if h.shstrndx != uint16(elf.SHN_UNDEF) {
			shstr := im.table[h.shstrndx]
			if shstr.Type != elf.SHT_STRTAB {
				errs = multierror.Append(errs, fmt.Errorf("shstrndx %d names a %s section", h.shstrndx, shstr.Type))
			} else {
				im.shstrHdr = shstr
				im.shstr = shstr
			}
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	im.sections = append([]*Section(nil), im.table...)
	im.refreshRoles()
	return nil
}

func (im *Image) parseIdent() (header, error) {
	var h header
	if len(im.buf) < elf.EI_NIDENT {
		return h, fmt.Errorf("%w: %d bytes is too short for an ELF header", ErrMalformed, len(im.buf))
	}
	if !bytes.Equal(im.buf[:4], []byte(elf.ELFMAG)) {
		return h, fmt.Errorf("%w: bad magic %x", ErrMalformed, im.buf[:4])
	}

	im.Class = elf.Class(im.buf[elf.EI_CLASS])
	switch im.Class {
	case elf.ELFCLASS64:
		im.lay = layout64
	case elf.ELFCLASS32:
		im.lay = layout32
	default:
		return h, fmt.Errorf("%w: unknown class %d", ErrMalformed, im.Class)
	}

	im.Data = elf.Data(im.buf[elf.EI_DATA])
	switch im.Data {
	case elf.ELFDATA2LSB:
		im.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		im.order = binary.BigEndian
	default:
		return h, fmt.Errorf("%w: unknown data encoding %d", ErrMalformed, im.Data)
	}

	if uint64(len(im.buf)) < im.lay.ehdr {
		return h, fmt.Errorf("%w: %d bytes is too short for a %s header", ErrMalformed, len(im.buf), im.Class)
	}

	r := bytes.NewReader(im.buf)
	if im.Class == elf.ELFCLASS64 {
		var eh elf.Header64
		if err := binary.Read(r, im.order, &eh); err != nil {
			return h, fmt.Errorf("%w: read header: %w", ErrMalformed, err)
		}
		h = header{
			typ: eh.Type, machine: eh.Machine,
			entry: eh.Entry, phoff: eh.Phoff, shoff: eh.Shoff,
			ehsize: eh.Ehsize, phentsize: eh.Phentsize, phnum: eh.Phnum,
			shentsize: eh.Shentsize, shnum: eh.Shnum, shstrndx: eh.Shstrndx,
		}
	} else {
		var eh elf.Header32
		if err := binary.Read(r, im.order, &eh); err != nil {
			return h, fmt.Errorf("%w: read header: %w", ErrMalformed, err)
		}
		h = header{
			typ: eh.Type, machine: eh.Machine,
			entry: uint64(eh.Entry), phoff: uint64(eh.Phoff), shoff: uint64(eh.Shoff),
			ehsize: eh.Ehsize, phentsize: eh.Phentsize, phnum: eh.Phnum,
			shentsize: eh.Shentsize, shnum: eh.Shnum, shstrndx: eh.Shstrndx,
		}
	}

	im.Type = elf.Type(h.typ)
	im.Machine = elf.Machine(h.machine)
	im.Entry = h.entry
	return h, nil
}

// readSection decodes the section header at off. Bounds are checked by the caller.
func (im *Image) readSection(off uint64) *Section {
	b := im.buf[off:]
	o := im.order
	if im.Class == elf.ELFCLASS64 {
		return &Section{
			NameIndex: o.Uint32(b[0:]),
			Type:      elf.SectionType(o.Uint32(b[4:])),
			Flags:     elf.SectionFlag(o.Uint64(b[8:])),
			Addr:      o.Uint64(b[16:]),
			Offset:    o.Uint64(b[24:]),
			Size:      o.Uint64(b[32:]),
			Link:      o.Uint32(b[40:]),
			Info:      o.Uint32(b[44:]),
			Addralign: o.Uint64(b[48:]),
			Entsize:   o.Uint64(b[56:]),
		}
	}
	return &Section{
		NameIndex: o.Uint32(b[0:]),
		Type:      elf.SectionType(o.Uint32(b[4:])),
		Flags:     elf.SectionFlag(o.Uint32(b[8:])),
		Addr:      uint64(o.Uint32(b[12:])),
		Offset:    uint64(o.Uint32(b[16:])),
		Size:      uint64(o.Uint32(b[20:])),
		Link:      o.Uint32(b[24:]),
		Info:      o.Uint32(b[28:]),
		Addralign: uint64(o.Uint32(b[32:])),
		Entsize:   uint64(o.Uint32(b[36:])),
	}
}

// readProg decodes the program header at off. Bounds are checked by the caller.
func (im *Image) readProg(off uint64) *ProgramHeader {
	b := im.buf[off:]
	o := im.order
	if im.Class == elf.ELFCLASS64 {
		return &ProgramHeader{
			Type:   elf.ProgType(o.Uint32(b[0:])),
			Flags:  elf.ProgFlag(o.Uint32(b[4:])),
			Offset: o.Uint64(b[8:]),
			Vaddr:  o.Uint64(b[16:]),
			Paddr:  o.Uint64(b[24:]),
			Filesz: o.Uint64(b[32:]),
			Memsz:  o.Uint64(b[40:]),
			Align:  o.Uint64(b[48:]),
		}
	}
	return &ProgramHeader{
		Type:   elf.ProgType(o.Uint32(b[0:])),
		Offset: uint64(o.Uint32(b[4:])),
		Vaddr:  uint64(o.Uint32(b[8:])),
		Paddr:  uint64(o.Uint32(b[12:])),
		Filesz: uint64(o.Uint32(b[16:])),
		Memsz:  uint64(o.Uint32(b[20:])),
		Flags:  elf.ProgFlag(o.Uint32(b[24:])),
		Align:  uint64(o.Uint32(b[28:])),
	}
}

// entrySize returns the fixed entry size for table sections, or 0.
func (im *Image) entrySize(t elf.SectionType) uint64 {
	switch t {
	case elf.SHT_SYMTAB, elf.SHT_DYNSYM:
		return im.lay.sym
	case elf.SHT_REL:
		return im.lay.rel
	case elf.SHT_RELA:
		return im.lay.rela
	case elf.SHT_DYNAMIC:
		return im.lay.dyn
	}
	return 0
}

// checkEntsize validates a table section and returns its entry size, with a
// zero entsize normalised to the class's. s is not modified.
func (im *Image) checkEntsize(s *Section) (uint64, error) {
	want := im.entrySize(s.Type)
	if want == 0 {
		return s.Entsize, nil
	}
	got := s.Entsize
	if got == 0 {
		got = want
	}
	if got != want {
		return 0, fmt.Errorf("%s entry size %d, want %d", s.Type, got, want)
	}
	if s.Size%want != 0 {
		return 0, fmt.Errorf("%s size %#x is not a multiple of %d", s.Type, s.Size, want)
	}
	return got, nil
}

// word reads a class-sized unsigned value.
func (im *Image) word(off uint64) uint64 {
	if im.lay.word == 8 {
		return im.order.Uint64(im.buf[off:])
	}
	return uint64(im.order.Uint32(im.buf[off:]))
}

// putWord writes a class-sized unsigned value.
func (im *Image) putWord(off, v uint64) {
	if im.lay.word == 8 {
		im.order.PutUint64(im.buf[off:], v)
		return
	}
	im.order.PutUint32(im.buf[off:], uint32(v))
}
