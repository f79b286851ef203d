package elfx

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"slices"

	"ropkit/internal/chunk"
)

var errNil = errors.New("nil header")

// AddSection appends s to the section list. Table sections (symbols,
// relocations, dynamic) must carry a consistent entry size.
func (im *Image) AddSection(s *Section) error {
	if im.closed {
		return ErrClosed
	}
	if s == nil {
		return errNil
	}
	if slices.Contains(im.sections, s) {
		return fmt.Errorf("section %d: %w", s.NameIndex, ErrDuplicate)
	}
	n, err := im.checkEntsize(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInconsistent, err)
	}
	s.Entsize = n
	im.sections = append(im.sections, s)
	im.refreshRoles()
	return nil
}

// RemoveSection drops s from the section list.
func (im *Image) RemoveSection(s *Section) error {
	if im.closed {
		return ErrClosed
	}
	i := slices.Index(im.sections, s)
	if s == nil || i < 0 {
		return ErrNotFound
	}
	im.sections = slices.Delete(slices.Clone(im.sections), i, i+1)
	im.refreshRoles()
	return nil
}

// refreshRoles recomputes the cached string and symbol table sections from
// the current membership. The shstr role belongs to the e_shstrndx section
// whenever it is a member.
func (im *Image) refreshRoles() {
	im.shstr = nil
	if im.member(im.shstrHdr) {
		im.shstr = im.shstrHdr
	}

	im.symtab = nil
	for _, s := range im.sections {
		if s.Type == elf.SHT_SYMTAB {
			im.symtab = s
			break
		}
	}

	im.strtab = nil
	for _, s := range im.sections {
		if s.Type != elf.SHT_STRTAB || s == im.shstr {
			continue
		}
		if name, err := im.SectionName(s); err == nil && name == ".strtab" {
			im.strtab = s
			return
		}
	}
	if im.symtab != nil {
		if l := im.linked(im.symtab); l != nil && l.Type == elf.SHT_STRTAB {
			im.strtab = l
		}
	}
}

// linked resolves s.Link to a member section.
func (im *Image) linked(s *Section) *Section {
	if int(s.Link) >= len(im.table) || s.Link == uint32(elf.SHN_UNDEF) {
		return nil
	}
	l := im.table[s.Link]
	if !slices.Contains(im.sections, l) {
		return nil
	}
	return l
}

func (im *Image) member(s *Section) bool {
	return s != nil && slices.Contains(im.sections, s)
}

// SectionName resolves the name of s through the section header string table.
func (im *Image) SectionName(s *Section) (string, error) {
	if im.shstr == nil {
		return "", ErrNoShstr
	}
	if s == nil {
		return "", errNil
	}
	return cstring(im.Bytes(im.SectionDataChunk(im.shstr)), s.NameIndex)
}

// cstring returns the NUL terminated string starting at off.
func cstring(tab []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(tab)) {
		return "", fmt.Errorf("%w: index %d outside table of %d bytes", ErrUnresolvedName, off, len(tab))
	}
	rest := tab[off:]
	n := bytes.IndexByte(rest, 0)
	if n < 0 {
		return "", fmt.Errorf("%w: index %d is not terminated", ErrUnresolvedName, off)
	}
	return string(rest[:n]), nil
}

// SectionByName returns the first member section called name, or nil.
func (im *Image) SectionByName(name string) *Section {
	for _, s := range im.sections {
		if n, err := im.SectionName(s); err == nil && n == name {
			return s
		}
	}
	return nil
}

// SectionDataChunk returns the file bytes of s, clipped to the image.
func (im *Image) SectionDataChunk(s *Section) chunk.Chunk {
	if s == nil {
		return chunk.Chunk{}
	}
	return s.FileRange().Clip(im.Size())
}

func (im *Image) AddProgramHeader(p *ProgramHeader) error {
	if im.closed {
		return ErrClosed
	}
	if p == nil {
		return errNil
	}
	if slices.Contains(im.progs, p) {
		return fmt.Errorf("program header at %#x: %w", p.Offset, ErrDuplicate)
	}
	im.progs = append(im.progs, p)
	return nil
}

func (im *Image) RemoveProgramHeader(p *ProgramHeader) error {
	if im.closed {
		return ErrClosed
	}
	i := slices.Index(im.progs, p)
	if p == nil || i < 0 {
		return ErrNotFound
	}
	im.progs = slices.Delete(slices.Clone(im.progs), i, i+1)
	return nil
}

// ProgramHeaderDataChunk returns the file bytes of p, clipped to the image.
func (im *Image) ProgramHeaderDataChunk(p *ProgramHeader) chunk.Chunk {
	if p == nil {
		return chunk.Chunk{}
	}
	return p.FileRange().Clip(im.Size())
}
