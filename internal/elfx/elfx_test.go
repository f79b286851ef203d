package elfx

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ropkit/internal/chunk"
	"ropkit/internal/disasm"
	"ropkit/internal/elfx/elftest"
)

// push rbp; mov rbp, rsp; ret
var prologue = []byte{0x55, 0x48, 0x89, 0xe5, 0xc3}

func scenario() *elftest.Builder {
	b := elftest.New()
	b.Entry = 0x1000
	return b.
		AddText(".text", 0x1000, prologue).
		AddSegment(elf.PT_LOAD, elf.PF_R|elf.PF_X, ".text").
		AddSymbol("main", elf.STT_FUNC, ".text", 0x1000, uint64(len(prologue)))
}

func mustParse(t *testing.T, buf []byte) *Image {
	t.Helper()
	im, err := Parse(buf, chunk.Chunk{})
	require.NoError(t, err)
	t.Cleanup(func() { im.Close() })
	return im
}

func TestParseScenario(t *testing.T) {
	im := mustParse(t, scenario().Build())

	assert.Equal(t, elf.ELFCLASS64, im.Class)
	assert.Equal(t, elf.EM_X86_64, im.Machine)
	assert.Equal(t, disasm.ArchAMD64, im.Arch())
	assert.Equal(t, uint64(0x1000), im.Entry)
	assert.Len(t, im.Sections(), 5)
	assert.Len(t, im.ProgramHeaders(), 1)

	name, err := im.SectionName(im.ShstrSection())
	require.NoError(t, err)
	assert.Equal(t, ".shstrtab", name)

	name, err = im.SectionName(im.StrtabSection())
	require.NoError(t, err)
	assert.Equal(t, ".strtab", name)

	require.NotNil(t, im.SymtabSection())
	assert.Equal(t, elf.SHT_SYMTAB, im.SymtabSection().Type)

	c, ok := im.FunctionChunk("main")
	require.True(t, ok)
	assert.Equal(t, prologue, im.Bytes(c))
	assert.Equal(t, uint64(0x1000), im.FunctionOffset("main"))
	assert.Equal(t, uint64(0), im.FunctionOffset("missing"))

	_, ok = im.FunctionChunk("missing")
	assert.False(t, ok)

	text := im.SectionByName(".text")
	require.NotNil(t, text)
	off, ok := im.VA2Off(0x1002)
	require.True(t, ok)
	assert.Equal(t, text.Offset+2, off)
	_, ok = im.VA2Off(0x2000)
	assert.False(t, ok)
}

func TestParseRegion(t *testing.T) {
	img := scenario().Build()
	buf := append(bytes.Repeat([]byte{0xcc}, 32), img...)
	buf = append(buf, 0xcc, 0xcc)

	im, err := Parse(buf, chunk.New(32, uint64(len(img))))
	require.NoError(t, err)
	defer im.Close()

	assert.Equal(t, uint64(len(img)), im.Size())
	c, ok := im.FunctionChunk("main")
	require.True(t, ok)
	assert.Equal(t, prologue, im.Bytes(c))

	_, err = Parse(buf, chunk.New(32, uint64(len(buf))))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseELF32(t *testing.T) {
	b := elftest.New()
	b.Class = elf.ELFCLASS32
	b.Machine = elf.EM_386
	b.AddText(".text", 0x8048000, prologue[:1]).
		AddSegment(elf.PT_LOAD, elf.PF_R|elf.PF_X, ".text").
		AddSymbol("start", elf.STT_FUNC, ".text", 0x8048000, 1)

	im := mustParse(t, b.Build())
	assert.Equal(t, elf.ELFCLASS32, im.Class)
	assert.Equal(t, disasm.Arch386, im.Arch())

	syms, err := im.Symbols()
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, "start", syms[0].Name)
	assert.Equal(t, uint64(0x8048000), syms[0].Value)

	c, ok := im.FunctionChunk("start")
	require.True(t, ok)
	assert.Equal(t, []byte{0x55}, im.Bytes(c))
}

func TestParseMalformed(t *testing.T) {
	good := scenario().Build()
	ref := mustParse(t, bytes.Clone(good))
	shoff := binary.LittleEndian.Uint64(good[40:])
	symIdx := -1
	for i, s := range ref.Sections() {
		if s.Type == elf.SHT_SYMTAB {
			symIdx = i
		}
	}
	require.GreaterOrEqual(t, symIdx, 0)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{
			name:   "empty",
			mutate: func([]byte) []byte { return nil },
		},
		{
			name: "bad magic",
			mutate: func(b []byte) []byte {
				b[1] = 'X'
				return b
			},
		},
		{
			name: "bad class",
			mutate: func(b []byte) []byte {
				b[elf.EI_CLASS] = 9
				return b
			},
		},
		{
			name:   "truncated section table",
			mutate: func(b []byte) []byte { return b[:len(b)-10] },
		},
		{
			name: "section header entry size",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint16(b[58:], 40)
				return b
			},
		},
		{
			name: "shstrndx out of range",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint16(b[62:], 99)
				return b
			},
		},
		{
			name: "symbol entry size",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint64(b[shoff+uint64(symIdx)*64+56:], 7)
				return b
			},
		},
		{
			name: "section outside image",
			mutate: func(b []byte) []byte {
				// Size of .text.
				binary.LittleEndian.PutUint64(b[shoff+64+32:], uint64(len(b)))
				return b
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im, err := Parse(tt.mutate(bytes.Clone(good)), chunk.Chunk{})
			assert.Nil(t, im)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestContainment(t *testing.T) {
	b := scenario().
		AddSection(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 0x2000, make([]byte, 16)).
		AddNobits(".bss", 0x3000, 0x400).
		AddSegment(elf.PT_LOAD, elf.PF_R|elf.PF_W, ".data").
		AddSegment(elf.PT_LOAD, elf.PF_R|elf.PF_W, ".bss")
	im := mustParse(t, b.Build())

	size := im.Size()
	for _, s := range im.Sections() {
		assert.LessOrEqual(t, im.SectionDataChunk(s).End(), size)
	}
	for _, p := range im.ProgramHeaders() {
		assert.LessOrEqual(t, im.ProgramHeaderDataChunk(p).End(), size)
	}
	assert.True(t, im.SectionDataChunk(im.SectionByName(".bss")).Empty())

	wild := &Section{Type: elf.SHT_PROGBITS, Offset: size - 4, Size: 0x100}
	require.NoError(t, im.AddSection(wild))
	assert.Equal(t, chunk.New(size-4, 4), im.SectionDataChunk(wild))

	far := &ProgramHeader{Type: elf.PT_LOAD, Offset: size + 0x1000, Filesz: 8}
	require.NoError(t, im.AddProgramHeader(far))
	assert.True(t, im.ProgramHeaderDataChunk(far).Empty())
	assert.LessOrEqual(t, im.ProgramHeaderDataChunk(far).End(), size)
}

func TestLookupConsistency(t *testing.T) {
	im := mustParse(t, scenario().Build())
	text := im.SectionByName(".text")
	require.NotNil(t, text)

	// ".text" shares its tail "text" in the string table.
	s := &Section{NameIndex: text.NameIndex + 1, Type: elf.SHT_PROGBITS}
	assert.Nil(t, im.SectionByName("text"))

	require.NoError(t, im.AddSection(s))
	assert.Same(t, s, im.SectionByName("text"))
	assert.ErrorIs(t, im.AddSection(s), ErrDuplicate)

	require.NoError(t, im.RemoveSection(s))
	assert.Nil(t, im.SectionByName("text"))
}

func TestRemoveAbsent(t *testing.T) {
	im := mustParse(t, scenario().Build())
	before := im.Sections()

	err := im.RemoveSection(&Section{Type: elf.SHT_PROGBITS})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, before, im.Sections())

	assert.ErrorIs(t, im.RemoveSection(nil), ErrNotFound)
	assert.ErrorIs(t, im.RemoveProgramHeader(&ProgramHeader{}), ErrNotFound)
	assert.Len(t, im.ProgramHeaders(), 1)
}

func TestProgramHeaders(t *testing.T) {
	im := mustParse(t, scenario().Build())
	p := &ProgramHeader{Type: elf.PT_NOTE}

	require.NoError(t, im.AddProgramHeader(p))
	assert.ErrorIs(t, im.AddProgramHeader(p), ErrDuplicate)
	assert.Len(t, im.ProgramHeaders(), 2)

	require.NoError(t, im.RemoveProgramHeader(p))
	assert.NotContains(t, im.ProgramHeaders(), p)
}

func TestSectionNames(t *testing.T) {
	im := mustParse(t, scenario().Build())

	_, err := im.SectionName(&Section{NameIndex: 1 << 20})
	assert.ErrorIs(t, err, ErrUnresolvedName)

	shstr := im.ShstrSection()
	require.NoError(t, im.RemoveSection(shstr))
	assert.Nil(t, im.ShstrSection())

	_, err = im.SectionName(im.SymtabSection())
	assert.ErrorIs(t, err, ErrNoShstr)
	assert.Nil(t, im.SectionByName(".text"))

	// The symbol string table is still found through the symtab link.
	assert.NotNil(t, im.StrtabSection())

	require.NoError(t, im.AddSection(shstr))
	assert.Same(t, shstr, im.ShstrSection())
	text := im.SectionByName(".text")
	require.NotNil(t, text)
	name, err := im.SectionName(text)
	require.NoError(t, err)
	assert.Equal(t, ".text", name)
}

func TestAddSectionRejectLeavesArgument(t *testing.T) {
	im := mustParse(t, scenario().Build())
	before := len(im.Sections())

	bad := &Section{Type: elf.SHT_SYMTAB, Size: 25}
	err := im.AddSection(bad)
	assert.ErrorIs(t, err, ErrInconsistent)
	assert.Equal(t, uint64(0), bad.Entsize)
	assert.Len(t, im.Sections(), before)

	good := &Section{Type: elf.SHT_SYMTAB, Size: 48}
	require.NoError(t, im.AddSection(good))
	assert.Equal(t, uint64(24), good.Entsize)
}

func TestRolesFollowMembership(t *testing.T) {
	im := mustParse(t, scenario().Build())
	symtab := im.SymtabSection()
	require.NotNil(t, symtab)

	require.NoError(t, im.RemoveSection(symtab))
	assert.Nil(t, im.SymtabSection())
	assert.Equal(t, uint64(0), im.FunctionOffset("main"))

	require.NoError(t, im.AddSection(symtab))
	assert.Same(t, symtab, im.SymtabSection())
	assert.Equal(t, uint64(0x1000), im.FunctionOffset("main"))
}

func TestSymbolsDemangle(t *testing.T) {
	b := scenario().AddSymbol("_ZN3foo3barEi", elf.STT_FUNC, ".text", 0x1001, 3)
	im := mustParse(t, b.Build())

	syms, err := im.Symbols()
	require.NoError(t, err)
	require.Len(t, syms, 2)
	assert.Equal(t, "main", syms[0].Demangled)
	assert.Equal(t, "foo::bar(int)", syms[1].Demangled)
	assert.Equal(t, elf.STB_GLOBAL, syms[1].Bind)

	assert.Equal(t, uint64(0x1001), im.FunctionOffset("_ZN3foo3barEi"))
	assert.Equal(t, uint64(0x1001), im.FunctionOffset("foo::bar"))

	c, ok := im.FunctionChunk("foo::bar")
	require.True(t, ok)
	assert.Equal(t, prologue[1:4], im.Bytes(c))
}

func TestFunctionChunkRejects(t *testing.T) {
	b := scenario().
		AddSymbol("empty", elf.STT_FUNC, ".text", 0x1000, 0).
		AddSymbol("spill", elf.STT_FUNC, ".text", 0x1003, 8).
		AddSymbol("object", elf.STT_OBJECT, ".text", 0x1000, 2).
		AddSymbol("import", elf.STT_FUNC, "", 0, 0)
	im := mustParse(t, b.Build())

	for _, name := range []string{"empty", "spill", "object", "import", ""} {
		t.Run(name, func(t *testing.T) {
			_, ok := im.FunctionChunk(name)
			assert.False(t, ok)
		})
	}
	assert.Equal(t, uint64(0x1003), im.FunctionOffset("spill"))
}

func TestSymbolChunk(t *testing.T) {
	b := scenario().
		AddSymbol("dup", elf.STT_FUNC, ".text", 0x1001, 0).
		AddSymbol("dup", elf.STT_FUNC, ".text", 0x1001, 3)
	im := mustParse(t, b.Build())

	main, ok := im.FunctionChunk("main")
	require.True(t, ok)

	syms, err := im.Symbols()
	require.NoError(t, err)
	require.Len(t, syms, 3)

	c, ok := im.SymbolChunk(syms[0])
	require.True(t, ok)
	assert.Equal(t, main, c)

	_, ok = im.SymbolChunk(syms[1])
	assert.False(t, ok, "zero-sized")
	c, ok = im.SymbolChunk(syms[2])
	require.True(t, ok)
	assert.Equal(t, chunk.New(main.Off+1, 3), c)

	// Name lookup prefers the sized symbol.
	byName, ok := im.FunctionChunk("dup")
	require.True(t, ok)
	assert.Equal(t, c, byName)
	assert.Equal(t, []byte{0x48, 0x89, 0xe5}, im.Bytes(byName))

	_, ok = im.SymbolChunk(Symbol{Value: 0x1000, Size: 1})
	assert.False(t, ok, "undefined")
}

func TestClose(t *testing.T) {
	im, err := Parse(scenario().Build(), chunk.Chunk{})
	require.NoError(t, err)

	require.NoError(t, im.Close())
	require.NoError(t, im.Close())

	assert.Empty(t, im.Sections())
	assert.Empty(t, im.ProgramHeaders())
	assert.Nil(t, im.ShstrSection())
	assert.Equal(t, uint64(0), im.Size())
	assert.ErrorIs(t, im.AddSection(&Section{}), ErrClosed)

	_, err = im.Symbols()
	assert.ErrorIs(t, err, ErrClosed)
	_, ok := im.FunctionChunk("main")
	assert.False(t, ok)
}
