package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"

	rstyles "ropkit/internal/ropkit/styles"
)

// DisasmDark is the chroma style used for instruction listings.
var DisasmDark = styles.Register(chroma.MustNewStyle("disasm-dark", chroma.StyleEntries{
	chroma.Text:           rstyles.Foreground,
	chroma.Background:     "bg:" + rstyles.Background,
	chroma.Comment:        rstyles.Address,
	chroma.CommentPreproc: rstyles.Address,

	// Mnemonics
	chroma.Keyword:       "#FFFFFF",
	chroma.KeywordPseudo: "#FFFFFF",
	chroma.NameFunction:  "#FFFFFF",

	// Registers
	chroma.Name:         rstyles.Register,
	chroma.NameBuiltin:  rstyles.Register,
	chroma.NameVariable: rstyles.Register,

	chroma.LiteralNumber:        rstyles.Number,
	chroma.LiteralNumberHex:     rstyles.Number,
	chroma.LiteralNumberBin:     rstyles.Number,
	chroma.LiteralNumberOct:     rstyles.Number,
	chroma.LiteralNumberInteger: rstyles.Number,

	chroma.NameLabel:   rstyles.Label,
	chroma.Operator:    "#FFFFFF",
	chroma.Punctuation: "#FFFFFF",
	chroma.String:      "#EACD53",
}))
