package elfx

import (
	"debug/elf"
	"slices"
)

// Sections are classified by name first, then by type.
var (
	tagByName = map[string]elf.DynTag{
		".got.plt":       elf.DT_PLTGOT,
		".got":           elf.DT_PLTGOT,
		".hash":          elf.DT_HASH,
		".gnu.hash":      elf.DT_GNU_HASH,
		".dynstr":        elf.DT_STRTAB,
		".dynsym":        elf.DT_SYMTAB,
		".rela.dyn":      elf.DT_RELA,
		".rel.dyn":       elf.DT_REL,
		".rela.plt":      elf.DT_JMPREL,
		".rel.plt":       elf.DT_JMPREL,
		".init":          elf.DT_INIT,
		".fini":          elf.DT_FINI,
		".init_array":    elf.DT_INIT_ARRAY,
		".fini_array":    elf.DT_FINI_ARRAY,
		".preinit_array": elf.DT_PREINIT_ARRAY,
		".gnu.version":   elf.DT_VERSYM,
		".gnu.version_r": elf.DT_VERNEED,
		".gnu.version_d": elf.DT_VERDEF,
	}

	tagByType = map[elf.SectionType]elf.DynTag{
		elf.SHT_HASH:          elf.DT_HASH,
		elf.SHT_GNU_HASH:      elf.DT_GNU_HASH,
		elf.SHT_DYNSYM:        elf.DT_SYMTAB,
		elf.SHT_INIT_ARRAY:    elf.DT_INIT_ARRAY,
		elf.SHT_FINI_ARRAY:    elf.DT_FINI_ARRAY,
		elf.SHT_PREINIT_ARRAY: elf.DT_PREINIT_ARRAY,
		elf.SHT_GNU_VERSYM:    elf.DT_VERSYM,
		elf.SHT_GNU_VERNEED:   elf.DT_VERNEED,
		elf.SHT_GNU_VERDEF:    elf.DT_VERDEF,
	}

	pointerTags = map[elf.DynTag]bool{
		elf.DT_PLTGOT:        true,
		elf.DT_HASH:          true,
		elf.DT_GNU_HASH:      true,
		elf.DT_STRTAB:        true,
		elf.DT_SYMTAB:        true,
		elf.DT_RELA:          true,
		elf.DT_REL:           true,
		elf.DT_JMPREL:        true,
		elf.DT_INIT:          true,
		elf.DT_FINI:          true,
		elf.DT_INIT_ARRAY:    true,
		elf.DT_FINI_ARRAY:    true,
		elf.DT_PREINIT_ARRAY: true,
		elf.DT_VERSYM:        true,
		elf.DT_VERNEED:       true,
		elf.DT_VERDEF:        true,
	}
)

// SectionTag returns the dynamic tag describing s, or DT_NULL.
func (im *Image) SectionTag(s *Section) elf.DynTag {
	if s == nil {
		return elf.DT_NULL
	}
	if name, err := im.SectionName(s); err == nil {
		if tag, ok := tagByName[name]; ok {
			return tag
		}
	}
	if tag, ok := tagByType[s.Type]; ok {
		return tag
	}
	return elf.DT_NULL
}

// IsPointerTag reports whether entries with tag hold an address.
func (im *Image) IsPointerTag(tag elf.DynTag) bool {
	return IsPointerTag(tag)
}

// IsPointerTag is the package-level form of (*Image).IsPointerTag.
func IsPointerTag(tag elf.DynTag) bool {
	return pointerTags[tag]
}

// PointerTags returns the pointer-valued tag set in ascending order.
func PointerTags() []elf.DynTag {
	out := make([]elf.DynTag, 0, len(pointerTags))
	for t := range pointerTags {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
