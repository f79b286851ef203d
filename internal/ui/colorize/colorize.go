// Package colorize renders instruction listings for the terminal.
package colorize

import (
	"fmt"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"ropkit/internal/disasm"
	rstyles "ropkit/internal/ropkit/styles"
)

// lexerFor picks an assembly lexer for arch, with fallbacks.
func lexerFor(arch disasm.Arch) chroma.Lexer {
	candidates := []string{"nasm", "gas"}
	switch arch {
	case disasm.ArchARM, disasm.ArchARM64:
		candidates = []string{"armasm", "gas"}
	case disasm.ArchPPC64, disasm.ArchPPC64LE:
		candidates = []string{"gas"}
	}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return chroma.Coalesce(lexer)
		}
	}
	return nil
}

func styleFor() *chroma.Style {
	for _, name := range []string{DisasmDark.Name, "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// Colorizer renders instructions, optionally with ANSI colors.
type Colorizer struct {
	enabled   bool
	lexer     chroma.Lexer
	style     *chroma.Style
	formatter chroma.Formatter
}

// New returns a colorizer for arch. A disabled colorizer emits plain text.
func New(arch disasm.Arch, enabled bool) *Colorizer {
	c := &Colorizer{enabled: enabled, lexer: lexerFor(arch)}
	if c.lexer == nil {
		c.enabled = false
	}
	c.style = styleFor()
	c.formatter = terminalFormatter()
	return c
}

// Enabled reports whether output carries colors.
func (c *Colorizer) Enabled() bool { return c.enabled }

// Assembly highlights assembly text. On lexer failure the text is returned
// unchanged.
func (c *Colorizer) Assembly(code string) string {
	if !c.enabled || code == "" {
		return code
	}
	iterator, err := c.lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf strings.Builder
	if err := c.formatter.Format(&buf, c.style, iterator); err != nil {
		return code
	}
	return strings.TrimRight(buf.String(), "\n")
}

// Instruction renders "address  encoding  assembly". hexWidth pads the
// encoding column; 0 means no padding.
func (c *Colorizer) Instruction(in disasm.Inst, hexWidth int) string {
	addr := fmt.Sprintf("%#x", in.VA)
	enc := fmt.Sprintf("%-*x", hexWidth, in.Raw)
	if c.enabled {
		addr = rstyles.AddrStyle.Render(addr)
		enc = rstyles.HexStyle.Render(enc)
	}
	return addr + "  " + enc + "  " + c.Assembly(in.Text)
}

// Listing renders one line per instruction with aligned encodings.
func (c *Colorizer) Listing(s disasm.Stream) string {
	width := 0
	for _, in := range s {
		width = max(width, 2*in.Len())
	}
	var sb strings.Builder
	for _, in := range s {
		sb.WriteString(c.Instruction(in, width))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// StripANSI removes ANSI escape sequences.
func StripANSI(s string) string {
	var result strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}
