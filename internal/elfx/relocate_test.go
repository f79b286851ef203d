package elfx

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ropkit/internal/chunk"
	"ropkit/internal/elfx/elftest"
)

func relocImage(t *testing.T) *Image {
	b := scenario().
		AddSection(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 0x2000, make([]byte, 16)).
		AddSegment(elf.PT_LOAD, elf.PF_R|elf.PF_W, ".data").
		AddSymbol("helper", elf.STT_FUNC, ".text", 0x1003, 2).
		AddSymbol("datum", elf.STT_OBJECT, ".data", 0x2000, 8).
		AddDynSymbol("exported", elf.STT_FUNC, ".text", 0x1000, 5).
		AddDynSymbol("table", elf.STT_OBJECT, ".data", 0x2008, 8).
		AddRela(0x1004, 8, 0x1000).
		AddRela(0x2000, 8, 0x1002).
		AddPLTRela(0x1001, 7, 0).
		AddPLTRela(0x2008, 7, 0).
		AddDynamic(elf.DT_NEEDED, 0x1000).
		AddDynamic(elf.DT_INIT, 0x1000).
		AddDynamic(elf.DT_FINI, 0x1004).
		AddDynamic(elf.DT_PLTGOT, 0x2000)
	return mustParse(t, b.Build())
}

func symbolValues(t *testing.T, im *Image) map[string]uint64 {
	t.Helper()
	syms, err := im.Symbols()
	require.NoError(t, err)
	out := map[string]uint64{}
	for _, s := range syms {
		out[s.Name] = s.Value
	}
	return out
}

// relaOffsets reads r_offset of every entry in the named section.
func relaOffsets(im *Image, name string) []uint64 {
	s := im.SectionByName(name)
	var out []uint64
	for off := s.Offset; off < s.Offset+s.Size; off += im.lay.rela {
		out = append(out, im.word(off))
	}
	return out
}

func TestUpdateSymbolOffsets(t *testing.T) {
	im := relocImage(t)
	text := im.SectionByName(".text")
	require.NotNil(t, text)

	before := bytes.Clone(im.Bytes(chunk.New(0, im.Size())))
	require.NoError(t, im.UpdateSymbolOffsets(text, 0x100))

	assert.Equal(t, map[string]uint64{
		"main":     0x1100,
		"helper":   0x1103,
		"datum":    0x2000,
		"exported": 0x1100,
		"table":    0x2008,
	}, symbolValues(t, im))
	assert.Equal(t, []uint64{0x1104, 0x2000}, relaOffsets(im, ".rela.dyn"))
	assert.Equal(t, []uint64{0x1101, 0x2008}, relaOffsets(im, ".rela.plt"))

	// Only symbol and relocation tables may differ, and the dynamic
	// section is not touched.
	after := im.Bytes(chunk.New(0, im.Size()))
	tables := []*Section{
		im.SectionByName(".symtab"),
		im.SectionByName(".dynsym"),
		im.SectionByName(".rela.dyn"),
		im.SectionByName(".rela.plt"),
	}
	for off := range before {
		if before[off] == after[off] {
			continue
		}
		inTable := false
		for _, s := range tables {
			inTable = inTable || s.FileRange().Contains(uint64(off))
		}
		assert.True(t, inTable, "byte %#x changed outside symbol and relocation tables", off)
	}
	for _, name := range []string{".text", ".data", ".dynamic", ".strtab", ".shstrtab"} {
		c := im.SectionDataChunk(im.SectionByName(name))
		assert.Equal(t, c.Slice(before), im.Bytes(c), name)
	}

	// Addends are left alone.
	rela := im.SectionByName(".rela.dyn")
	assert.Equal(t, uint64(0x1000), im.word(rela.Offset+16))
}

func TestUpdateSymbolOffsetsZeroDelta(t *testing.T) {
	im := relocImage(t)
	before := bytes.Clone(im.Bytes(chunk.New(0, im.Size())))
	require.NoError(t, im.UpdateSymbolOffsets(im.SectionByName(".text"), 0))
	assert.Equal(t, before, im.Bytes(chunk.New(0, im.Size())))
}

func TestUpdateSymbolOffsetsAtomic(t *testing.T) {
	b := elftest.New().
		AddText(".text", 0, bytes.Repeat([]byte{0x90}, 16)).
		AddSymbol("late", elf.STT_FUNC, ".text", 8, 1).
		AddSymbol("early", elf.STT_FUNC, ".text", 2, 1)
	im := mustParse(t, b.Build())
	before := bytes.Clone(im.Bytes(chunk.New(0, im.Size())))

	// "late" could move, "early" would underflow.
	err := im.UpdateSymbolOffsets(im.SectionByName(".text"), -4)
	assert.ErrorIs(t, err, ErrInconsistent)
	assert.Equal(t, before, im.Bytes(chunk.New(0, im.Size())))

	err = im.UpdateSymbolOffsets(&Section{Type: elf.SHT_PROGBITS, Size: 16}, 4)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, before, im.Bytes(chunk.New(0, im.Size())))
}

func TestUpdateSymbolOffsets32(t *testing.T) {
	b := elftest.New()
	b.Class = elf.ELFCLASS32
	b.AddText(".text", 0xfffffff0, bytes.Repeat([]byte{0x90}, 8)).
		AddSymbol("top", elf.STT_FUNC, ".text", 0xfffffff4, 1)
	im := mustParse(t, b.Build())
	text := im.SectionByName(".text")

	assert.ErrorIs(t, im.UpdateSymbolOffsets(text, 0x100), ErrInconsistent)
	require.NoError(t, im.UpdateSymbolOffsets(text, -0x10))
	assert.Equal(t, uint64(0xffffffe4), symbolValues(t, im)["top"])
}

func TestUpdateDynamicOffsets(t *testing.T) {
	im := relocImage(t)

	entries, err := im.DynamicEntries()
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, DynamicEntry{Tag: elf.DT_NEEDED, Val: 0x1000}, entries[0])

	require.NoError(t, im.UpdateDynamicOffsets(im.SectionByName(".text"), 0x20))

	entries, err = im.DynamicEntries()
	require.NoError(t, err)
	assert.Equal(t, []DynamicEntry{
		{Tag: elf.DT_NEEDED, Val: 0x1000},
		{Tag: elf.DT_INIT, Val: 0x1020},
		{Tag: elf.DT_FINI, Val: 0x1024},
		{Tag: elf.DT_PLTGOT, Val: 0x2000},
	}, entries)

	// Symbols are a separate update.
	assert.Equal(t, uint64(0x1000), symbolValues(t, im)["main"])
}

func TestSectionTag(t *testing.T) {
	im := relocImage(t)

	tests := map[string]elf.DynTag{
		".text":     elf.DT_NULL,
		".data":     elf.DT_NULL,
		".symtab":   elf.DT_NULL,
		".strtab":   elf.DT_NULL,
		".dynsym":   elf.DT_SYMTAB,
		".dynstr":   elf.DT_STRTAB,
		".rela.dyn": elf.DT_RELA,
		".rela.plt": elf.DT_JMPREL,
		".dynamic":  elf.DT_NULL,
	}
	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			s := im.SectionByName(name)
			require.NotNil(t, s)
			assert.Equal(t, want, im.SectionTag(s))
		})
	}

	// Unnamed sections fall back to their type.
	unnamed := &Section{NameIndex: 1 << 20, Type: elf.SHT_INIT_ARRAY}
	assert.Equal(t, elf.DT_INIT_ARRAY, im.SectionTag(unnamed))
	unnamed.Type = elf.SHT_GNU_HASH
	assert.Equal(t, elf.DT_GNU_HASH, im.SectionTag(unnamed))
	unnamed.Type = elf.SHT_PROGBITS
	assert.Equal(t, elf.DT_NULL, im.SectionTag(unnamed))
	assert.Equal(t, elf.DT_NULL, im.SectionTag(nil))
}

func TestIsPointerTag(t *testing.T) {
	want := map[elf.DynTag]bool{
		elf.DT_PLTGOT: true, elf.DT_HASH: true, elf.DT_GNU_HASH: true,
		elf.DT_STRTAB: true, elf.DT_SYMTAB: true, elf.DT_RELA: true,
		elf.DT_REL: true, elf.DT_JMPREL: true, elf.DT_INIT: true,
		elf.DT_FINI: true, elf.DT_INIT_ARRAY: true, elf.DT_FINI_ARRAY: true,
		elf.DT_PREINIT_ARRAY: true, elf.DT_VERSYM: true, elf.DT_VERNEED: true,
		elf.DT_VERDEF: true,
	}
	assert.Len(t, PointerTags(), len(want))

	im := &Image{}
	for tag := elf.DT_NULL; tag <= elf.DT_PREINIT_ARRAYSZ; tag++ {
		assert.Equal(t, want[tag], im.IsPointerTag(tag), tag.String())
	}
	for _, tag := range []elf.DynTag{elf.DT_GNU_HASH, elf.DT_VERSYM, elf.DT_VERNEED, elf.DT_VERDEF, elf.DT_VERNEEDNUM, elf.DT_FLAGS_1} {
		assert.Equal(t, want[tag], im.IsPointerTag(tag), tag.String())
	}
	assert.False(t, IsPointerTag(elf.DT_NULL))
}
