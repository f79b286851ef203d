package elfx

import (
	"debug/elf"
	"fmt"
	"math"

	"ropkit/internal/chunk"
)

// DynamicEntry is one entry of a dynamic section.
type DynamicEntry struct {
	Tag elf.DynTag
	Val uint64
}

// patch is a pending class-sized write into the image buffer.
type patch struct {
	off uint64
	val uint64
}

// UpdateSymbolOffsets shifts by delta every symbol value and relocation
// offset that lies inside the address range of s. Symbols come from the
// static symbol table and from DT_SYMTAB sections; relocations from DT_RELA,
// DT_REL and DT_JMPREL sections. Either every affected entry is rewritten or,
// on error, none is.
func (im *Image) UpdateSymbolOffsets(s *Section, delta int64) error {
	if im.closed {
		return ErrClosed
	}
	if !im.member(s) {
		return ErrNotFound
	}
	span := s.Span()

	var patches []patch
	for _, t := range im.sections {
		var field, step uint64
		switch tag := im.SectionTag(t); {
		case t.Type == elf.SHT_SYMTAB || (tag == elf.DT_SYMTAB && t.Type == elf.SHT_DYNSYM):
			field, step = im.lay.symValueOff(), im.lay.sym
		case (tag == elf.DT_RELA || tag == elf.DT_JMPREL) && t.Type == elf.SHT_RELA:
			field, step = 0, im.lay.rela
		case (tag == elf.DT_REL || tag == elf.DT_JMPREL) && t.Type == elf.SHT_REL:
			field, step = 0, im.lay.rel
		default:
			continue
		}

		// Symbol tables start with the null symbol.
		first := uint64(0)
		if t.Type == elf.SHT_SYMTAB || t.Type == elf.SHT_DYNSYM {
			first = 1
		}
		ps, err := im.collect(t, first, field, step, span, delta)
		if err != nil {
			return err
		}
		patches = append(patches, ps...)
	}

	im.apply(patches)
	return nil
}

// UpdateDynamicOffsets shifts by delta every pointer-valued dynamic entry
// whose value lies inside the address range of s, with the same all-or-nothing
// behaviour as UpdateSymbolOffsets.
func (im *Image) UpdateDynamicOffsets(s *Section, delta int64) error {
	if im.closed {
		return ErrClosed
	}
	if !im.member(s) {
		return ErrNotFound
	}
	span := s.Span()

	var patches []patch
	for _, t := range im.sections {
		if t.Type != elf.SHT_DYNAMIC {
			continue
		}
		if err := im.checkTable(t, im.lay.dyn); err != nil {
			return err
		}
		for off := t.Offset; off < t.Offset+t.Size; off += im.lay.dyn {
			tag := im.dynTag(off)
			if tag == elf.DT_NULL {
				break
			}
			if !IsPointerTag(tag) {
				continue
			}
			voff := off + im.lay.word
			v := im.word(voff)
			if !span.Contains(v) {
				continue
			}
			nv, err := im.shift(v, delta)
			if err != nil {
				return fmt.Errorf("dynamic %s at %#x: %w", tag, off, err)
			}
			patches = append(patches, patch{off: voff, val: nv})
		}
	}

	im.apply(patches)
	return nil
}

// DynamicEntries returns the entries of every dynamic section up to and
// excluding its DT_NULL terminator.
func (im *Image) DynamicEntries() ([]DynamicEntry, error) {
	if im.closed {
		return nil, ErrClosed
	}
	var out []DynamicEntry
	for _, t := range im.sections {
		if t.Type != elf.SHT_DYNAMIC {
			continue
		}
		if err := im.checkTable(t, im.lay.dyn); err != nil {
			return nil, err
		}
		for off := t.Offset; off < t.Offset+t.Size; off += im.lay.dyn {
			tag := im.dynTag(off)
			if tag == elf.DT_NULL {
				break
			}
			out = append(out, DynamicEntry{Tag: tag, Val: im.word(off + im.lay.word)})
		}
	}
	return out, nil
}

func (im *Image) dynTag(off uint64) elf.DynTag {
	if im.lay.word == 8 {
		return elf.DynTag(int64(im.order.Uint64(im.buf[off:])))
	}
	return elf.DynTag(int32(im.order.Uint32(im.buf[off:])))
}

// collect computes the patches for one table without touching the buffer.
func (im *Image) collect(t *Section, first, field, step uint64, span chunk.Chunk, delta int64) ([]patch, error) {
	if err := im.checkTable(t, step); err != nil {
		return nil, err
	}
	var out []patch
	for i := first; i < t.Size/step; i++ {
		off := t.Offset + i*step + field
		v := im.word(off)
		if !span.Contains(v) {
			continue
		}
		nv, err := im.shift(v, delta)
		if err != nil {
			return nil, fmt.Errorf("%s entry %d: %w", t.Type, i, err)
		}
		out = append(out, patch{off: off, val: nv})
	}
	return out, nil
}

// checkTable verifies that a table section is wholly inside the image and
// made of whole entries.
func (im *Image) checkTable(t *Section, step uint64) error {
	if !t.FileRange().Within(im.Size()) {
		return fmt.Errorf("%w: %s at %#x extends past the image", ErrInconsistent, t.Type, t.Offset)
	}
	if t.Size%step != 0 {
		return fmt.Errorf("%w: %s size %#x is not a multiple of %d", ErrInconsistent, t.Type, t.Size, step)
	}
	return nil
}

func (im *Image) shift(v uint64, delta int64) (uint64, error) {
	var nv uint64
	if delta >= 0 {
		nv = v + uint64(delta)
		if nv < v {
			return 0, fmt.Errorf("%w: %#x%+d overflows", ErrInconsistent, v, delta)
		}
	} else {
		d := uint64(-delta)
		if d > v {
			return 0, fmt.Errorf("%w: %#x%+d underflows", ErrInconsistent, v, delta)
		}
		nv = v - d
	}
	if im.lay.word == 4 && nv > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %#x does not fit a 32-bit image", ErrInconsistent, nv)
	}
	return nv, nil
}

func (im *Image) apply(ps []patch) {
	for _, p := range ps {
		im.putWord(p.off, p.val)
	}
}
