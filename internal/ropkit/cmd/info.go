package cmd

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ropkit/internal/elfx"
	"ropkit/internal/ropkit/styles"
)

type infoReport struct {
	Path      string        `json:"path"`
	Class     string        `json:"class"`
	Data      string        `json:"data"`
	Machine   string        `json:"machine"`
	Type      string        `json:"type"`
	Arch      string        `json:"arch,omitempty"`
	Entry     uint64        `json:"entry"`
	Size      uint64        `json:"size"`
	Sections  int           `json:"sections"`
	Segments  int           `json:"segments"`
	Symbols   int           `json:"symbols"`
	Functions int           `json:"functions"`
	Shstrtab  string        `json:"shstrtab,omitempty"`
	Symtab    string        `json:"symtab,omitempty"`
	Strtab    string        `json:"strtab,omitempty"`
	Dynamic   []dynamicJSON `json:"dynamic,omitempty"`

	// Pointers lists the address-valued tags present, in tag order.
	Pointers []string `json:"pointers,omitempty"`
}

type dynamicJSON struct {
	Tag     string `json:"tag"`
	Value   uint64 `json:"value"`
	Pointer bool   `json:"pointer"`
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <file>",
		Short: "Summarise an ELF image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			im, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer im.Close()

			r, err := report(im)
			if err != nil {
				return err
			}
			if a.json() {
				return a.writeJSON(r)
			}
			return a.renderMarkdown(r.markdown())
		},
	}
}

func report(im *elfx.Image) (infoReport, error) {
	syms, err := im.Symbols()
	if err != nil {
		return infoReport{}, err
	}
	dyn, err := im.DynamicEntries()
	if err != nil {
		return infoReport{}, err
	}
	r := infoReport{
		Path:     im.Path,
		Class:    im.Class.String(),
		Data:     im.Data.String(),
		Machine:  im.Machine.String(),
		Type:     im.Type.String(),
		Arch:     string(im.Arch()),
		Entry:    im.Entry,
		Size:     im.Size(),
		Sections: len(im.Sections()),
		Segments: len(im.ProgramHeaders()),
		Symbols:  len(syms),
	}
	for _, s := range syms {
		if s.Type == elf.STT_FUNC && s.Defined() {
			r.Functions++
		}
	}
	name := func(s *elfx.Section) string {
		if s == nil {
			return ""
		}
		n, err := im.SectionName(s)
		if err != nil {
			return fmt.Sprintf("#%d", s.NameIndex)
		}
		return n
	}
	r.Shstrtab, r.Symtab, r.Strtab = name(im.ShstrSection()), name(im.SymtabSection()), name(im.StrtabSection())
	present := make(map[elf.DynTag]bool, len(dyn))
	for _, e := range dyn {
		r.Dynamic = append(r.Dynamic, dynamicJSON{Tag: e.Tag.String(), Value: e.Val, Pointer: im.IsPointerTag(e.Tag)})
		present[e.Tag] = true
	}
	for _, tag := range elfx.PointerTags() {
		if present[tag] {
			r.Pointers = append(r.Pointers, tag.String())
		}
	}
	return r, nil
}

func (r infoReport) markdown() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", r.Path)
	fmt.Fprintf(&sb, "- **Class:** %s, %s\n", r.Class, r.Data)
	fmt.Fprintf(&sb, "- **Machine:** %s", r.Machine)
	if r.Arch != "" {
		fmt.Fprintf(&sb, " (`%s`)", r.Arch)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "- **Type:** %s\n", r.Type)
	fmt.Fprintf(&sb, "- **Entry:** `%#x`\n", r.Entry)
	fmt.Fprintf(&sb, "- **Size:** %s\n", humanize.IBytes(r.Size))
	fmt.Fprintf(&sb, "- **Sections:** %d, **segments:** %d\n", r.Sections, r.Segments)
	fmt.Fprintf(&sb, "- **Symbols:** %s (%s functions)\n", humanize.Comma(int64(r.Symbols)), humanize.Comma(int64(r.Functions)))

	sb.WriteString("\n## Tables\n\n")
	for _, t := range []struct{ role, name string }{
		{"section names", r.Shstrtab},
		{"symbols", r.Symtab},
		{"strings", r.Strtab},
	} {
		if t.name == "" {
			t.name = "none"
		}
		fmt.Fprintf(&sb, "- %s: `%s`\n", t.role, t.name)
	}

	if len(r.Dynamic) > 0 {
		sb.WriteString("\n## Dynamic\n\n| Tag | Value | Pointer |\n|---|---|---|\n")
		for _, d := range r.Dynamic {
			fmt.Fprintf(&sb, "| %s | `%#x` | %t |\n", d.Tag, d.Value, d.Pointer)
		}
		if len(r.Pointers) > 0 {
			fmt.Fprintf(&sb, "\nRewritten on relocation: %s\n", strings.Join(r.Pointers, ", "))
		}
	}
	return sb.String()
}

func (a *app) renderMarkdown(md string) error {
	r, err := styles.MarkdownRenderer(100, a.color())
	if err != nil {
		return fmt.Errorf("markdown renderer: %w", err)
	}
	out, err := r.Render(md)
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	_, err = fmt.Fprint(a.out, out)
	return err
}
