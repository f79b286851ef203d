package cmd

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ropkit/internal/elfx/elftest"
	"ropkit/internal/scan"
)

var code = []byte{
	0x55, 0x48, 0x89, 0xe5, 0x5d, 0xc3, // main
	0xb8, 0x5f, 0xc3, 0x90, 0x90, 0xc3, // gadget: mov eax, imm32; ret
}

func writeImage(t *testing.T) string {
	t.Helper()
	buf := elftest.New().
		AddText(".text", 0x401000, code).
		AddSegment(elf.PT_LOAD, elf.PF_R|elf.PF_X, ".text").
		AddSymbol("main", elf.STT_FUNC, ".text", 0x401000, 6).
		AddSymbol("gadget", elf.STT_FUNC, ".text", 0x401006, 6).
		AddSymbol("banner", elf.STT_OBJECT, ".text", 0x401000, 4).
		Build()
	path := filepath.Join(t.TempDir(), "a.out")
	require.NoError(t, os.WriteFile(path, buf, 0o755))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("NO_COLOR", "1")
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDisasm(t *testing.T) {
	path := writeImage(t)

	out, err := run(t, "", "disasm", path, "main")
	require.NoError(t, err)
	want := "0x401000  55      push rbp\n" +
		"0x401001  4889e5  mov rbp, rsp\n" +
		"0x401004  5d      pop rbp\n" +
		"0x401005  c3      ret\n"
	assert.Equal(t, want, out)

	out, err = run(t, "", "disasm", "--raw", path, "main")
	require.NoError(t, err)
	assert.Equal(t, "55\tpush rbp\n4889e5\tmov rbp, rsp\n5d\tpop rbp\nc3\tret\n", out)

	_, err = run(t, "", "disasm", path, "missing")
	assert.ErrorIs(t, err, scan.ErrNoFunction)
}

func TestTextRoundTrip(t *testing.T) {
	path := writeImage(t)
	text, err := run(t, "", "disasm", "--raw", path, "main")
	require.NoError(t, err)

	out, err := run(t, text, "text", "--arch", "amd64", "--at", "0x401000", "--raw")
	require.NoError(t, err)
	assert.Equal(t, text, out)

	_, err = run(t, "c3\tnop\n", "text", "--arch", "amd64")
	assert.Error(t, err)

	_, err = run(t, text, "text")
	assert.Error(t, err, "no architecture to decode with")
}

func TestWindow(t *testing.T) {
	path := writeImage(t)

	out, err := run(t, "", "window", "-j", "--from", "0x401001", "--to", "0x401005", path, "main")
	require.NoError(t, err)

	var got chainJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Instructions, 2)
	assert.Equal(t, uint64(0x401001), got.Addr)
	assert.Equal(t, uint64(4), got.Size)
	assert.Equal(t, "mov rbp, rsp", got.Instructions[0].Text)
	assert.Equal(t, "5d", got.Instructions[1].Hex)

	out, err = run(t, "", "window", "-j", "--from", "0x401002", path, "main")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Len(t, got.Instructions, 2, "mov starts before the window")

	out, err = run(t, "", "window", "-j", "--from", "0x401001", "--to", "0x401002", path, "main")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Instructions, 1)
	assert.Equal(t, "4889e5", got.Instructions[0].Hex, "mov is kept whole")

	_, err = run(t, "", "window", "--from", "nope", path, "main")
	assert.Error(t, err)
}

func TestRealign(t *testing.T) {
	path := writeImage(t)

	out, err := run(t, "", "realign", path, "gadget")
	require.NoError(t, err)
	assert.Contains(t, out, "gadget+1:")
	assert.Contains(t, out, "pop rdi")
	assert.Contains(t, out, "converges at 0x40100b")

	out, err = run(t, "", "realign", "-j", "--skip", "1", path, "gadget")
	require.NoError(t, err)
	var got realignJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, got.Converges)
	assert.Equal(t, uint64(0x40100b), got.At)
	assert.Len(t, got.Aligned.Instructions, 2)
	assert.Len(t, got.Realigned.Instructions, 5)

	_, err = run(t, "", "realign", "--skip", "7", path, "gadget")
	assert.Error(t, err)
}

func TestScan(t *testing.T) {
	path := writeImage(t)

	out, err := run(t, "", "scan", "-j", path)
	require.NoError(t, err)
	var rows []scanJSON
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "main", rows[0].Name)
	assert.Equal(t, 4, rows[0].Instructions)
	assert.Equal(t, "gadget", rows[1].Name)
	assert.Equal(t, 2, rows[1].Instructions)
	assert.Empty(t, rows[1].Error)

	out, err = run(t, "", "scan", path)
	require.NoError(t, err)
	assert.Contains(t, out, "0x401006")
	assert.Contains(t, strings.ToLower(out), "2 functions")
}

func TestTables(t *testing.T) {
	path := writeImage(t)

	out, err := run(t, "", "sections", path)
	require.NoError(t, err)
	assert.Contains(t, out, ".text")
	assert.Contains(t, out, ".symtab")

	out, err = run(t, "", "segments", "-j", path)
	require.NoError(t, err)
	var segs []segmentJSON
	require.NoError(t, json.Unmarshal([]byte(out), &segs))
	require.Len(t, segs, 1)
	assert.Equal(t, "PT_LOAD", segs[0].Type)
	assert.Equal(t, []string{".text"}, segs[0].Sections)

	out, err = run(t, "", "symbols", "-j", "--funcs", path)
	require.NoError(t, err)
	var syms []symbolJSON
	require.NoError(t, json.Unmarshal([]byte(out), &syms))
	names := make([]string, 0, len(syms))
	for _, s := range syms {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"main", "gadget"}, names)
}

func TestInfo(t *testing.T) {
	path := writeImage(t)

	out, err := run(t, "", "info", "-j", path)
	require.NoError(t, err)
	var r infoReport
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, "EM_X86_64", r.Machine)
	assert.Equal(t, "amd64", r.Arch)
	assert.Equal(t, 2, r.Functions)
	assert.Equal(t, ".symtab", r.Symtab)
	assert.Equal(t, ".strtab", r.Strtab)

	out, err = run(t, "", "info", path)
	require.NoError(t, err)
	assert.Contains(t, out, "EM_X86_64")
}

func TestInfoPointerTags(t *testing.T) {
	buf := elftest.New().
		AddText(".text", 0x401000, code).
		AddDynamic(elf.DT_NEEDED, 1).
		AddDynamic(elf.DT_FINI, 0x401006).
		AddDynamic(elf.DT_INIT, 0x401000).
		Build()
	path := filepath.Join(t.TempDir(), "lib.so")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	out, err := run(t, "", "info", "-j", path)
	require.NoError(t, err)
	var r infoReport
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	require.Len(t, r.Dynamic, 3)
	assert.False(t, r.Dynamic[0].Pointer)
	assert.Equal(t, []string{"DT_INIT", "DT_FINI"}, r.Pointers)
}

func TestSchemaAndConfig(t *testing.T) {
	out, err := run(t, "", "schema")
	require.NoError(t, err)
	assert.Contains(t, out, "cacheSize")

	cfg := filepath.Join(t.TempDir(), "ropkit.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("format: xml\n"), 0o644))
	_, err = run(t, "", "--config", cfg, "schema")
	assert.Error(t, err)
}
