// Package styles holds the ropkit palette: glamour settings for markdown
// reports and lipgloss styles for table and listing columns.
package styles

import (
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/glamour/ansi"
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/x/exp/charmtone"
)

// Listing colors, also used by the chroma style in colorize.
const (
	Foreground = "#D4D4D4"
	Address    = "#858585"
	Encoding   = "#5F5F87"
	Register   = "#7C9C9D"
	Number     = "#FF5F87"
	Label      = "#FFD700"
	Background = "#1E1E1E"
)

var (
	AddrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(Address))
	HexStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(Encoding))
	NameStyle   = lipgloss.NewStyle().Foreground(charmtone.Malibu).Bold(true)
	ErrorStyle  = lipgloss.NewStyle().Foreground(charmtone.Cheeky)
	HeaderStyle = lipgloss.NewStyle().Foreground(charmtone.Charple).Bold(true)
)

func boolPtr(b bool) *bool       { return &b }
func stringPtr(s string) *string { return &s }
func uintPtr(u uint) *uint       { return &u }

// MarkdownRenderer returns a glamour renderer for reports. With color
// disabled it renders plain text.
func MarkdownRenderer(width int, color bool) (*glamour.TermRenderer, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if color {
		opts = append(opts, glamour.WithStyles(MarkdownStyle()))
	} else {
		opts = append(opts, glamour.WithStandardStyle("notty"))
	}
	return glamour.NewTermRenderer(opts...)
}

// MarkdownStyle returns the report style.
func MarkdownStyle() ansi.StyleConfig {
	return ansi.StyleConfig{
		Document: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{
				Color: stringPtr(Foreground),
			},
		},
		Heading: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{
				BlockSuffix: "\n",
				Color:       stringPtr(charmtone.Malibu.Hex()),
				Bold:        boolPtr(true),
			},
		},
		H1: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{
				Prefix:          " ",
				Suffix:          " ",
				Color:           stringPtr(charmtone.Zest.Hex()),
				BackgroundColor: stringPtr(charmtone.Charple.Hex()),
				Bold:            boolPtr(true),
			},
		},
		H2: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{
				Prefix: "## ",
			},
		},
		H3: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{
				Prefix: "### ",
				Color:  stringPtr(charmtone.Guac.Hex()),
			},
		},
		List: ansi.StyleList{
			LevelIndent: 2,
		},
		Item: ansi.StylePrimitive{
			BlockPrefix: "• ",
		},
		Strong: ansi.StylePrimitive{
			Bold: boolPtr(true),
		},
		Emph: ansi.StylePrimitive{
			Italic: boolPtr(true),
		},
		Code: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{
				Color: stringPtr(Label),
			},
		},
		CodeBlock: ansi.StyleCodeBlock{
			StyleBlock: ansi.StyleBlock{
				StylePrimitive: ansi.StylePrimitive{
					Color: stringPtr(Foreground),
				},
				Margin: uintPtr(2),
			},
		},
		Table: ansi.StyleTable{
			CenterSeparator: stringPtr("┼"),
			ColumnSeparator: stringPtr("│"),
			RowSeparator:    stringPtr("─"),
		},
		HorizontalRule: ansi.StylePrimitive{
			Color:  stringPtr(charmtone.Charcoal.Hex()),
			Format: "\n--------\n",
		},
	}
}
