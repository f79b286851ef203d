package cmd

import (
	"debug/elf"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"ropkit/internal/elfx"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	return table
}

func hexAddr(v uint64) string { return fmt.Sprintf("%#x", v) }

type sectionJSON struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Flags   string `json:"flags"`
	Addr    uint64 `json:"addr"`
	Offset  uint64 `json:"offset"`
	Size    uint64 `json:"size"`
	Entsize uint64 `json:"entsize,omitempty"`
	Tag     string `json:"tag,omitempty"`
}

func newSectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sections <file>",
		Short: "List section headers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			im, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer im.Close()

			var rows []sectionJSON
			for _, s := range im.Sections() {
				name, err := im.SectionName(s)
				if err != nil {
					name = "#" + strconv.FormatUint(uint64(s.NameIndex), 10)
				}
				row := sectionJSON{
					Name:    name,
					Type:    s.Type.String(),
					Flags:   s.Flags.String(),
					Addr:    s.Addr,
					Offset:  s.Offset,
					Size:    s.Size,
					Entsize: s.Entsize,
				}
				if tag := im.SectionTag(s); tag != elf.DT_NULL {
					row.Tag = tag.String()
				}
				rows = append(rows, row)
			}
			if a.json() {
				return a.writeJSON(rows)
			}

			table := newTable(a.out, "Name", "Type", "Flags", "Addr", "Offset", "Size", "Tag")
			for _, r := range rows {
				table.Append([]string{r.Name, r.Type, r.Flags, hexAddr(r.Addr), hexAddr(r.Offset), humanize.IBytes(r.Size), r.Tag})
			}
			table.Render()
			return nil
		},
	}
}

type segmentJSON struct {
	Type     string   `json:"type"`
	Flags    string   `json:"flags"`
	Offset   uint64   `json:"offset"`
	Vaddr    uint64   `json:"vaddr"`
	Filesz   uint64   `json:"filesz"`
	Memsz    uint64   `json:"memsz"`
	Sections []string `json:"sections,omitempty"`
}

func newSegmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "segments <file>",
		Short: "List program headers and the sections they map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			im, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer im.Close()

			var rows []segmentJSON
			for _, p := range im.ProgramHeaders() {
				rows = append(rows, segmentJSON{
					Type:     p.Type.String(),
					Flags:    p.Flags.String(),
					Offset:   p.Offset,
					Vaddr:    p.Vaddr,
					Filesz:   p.Filesz,
					Memsz:    p.Memsz,
					Sections: mappedSections(im, p),
				})
			}
			if a.json() {
				return a.writeJSON(rows)
			}

			table := newTable(a.out, "Type", "Flags", "Offset", "Vaddr", "Filesz", "Memsz", "Sections")
			for _, r := range rows {
				table.Append([]string{r.Type, r.Flags, hexAddr(r.Offset), hexAddr(r.Vaddr),
					humanize.IBytes(r.Filesz), humanize.IBytes(r.Memsz), fmt.Sprint(r.Sections)})
			}
			table.Render()
			return nil
		},
	}
}

// mappedSections names the non-empty sections whose bytes lie inside p.
func mappedSections(im *elfx.Image, p *elfx.ProgramHeader) []string {
	seg := im.ProgramHeaderDataChunk(p)
	var names []string
	for _, s := range im.Sections() {
		data := im.SectionDataChunk(s)
		if data.Empty() || !seg.Covers(data) {
			continue
		}
		if name, err := im.SectionName(s); err == nil {
			names = append(names, name)
		}
	}
	return names
}

type symbolJSON struct {
	Name      string `json:"name"`
	Demangled string `json:"demangled,omitempty"`
	Value     uint64 `json:"value"`
	Size      uint64 `json:"size"`
	Type      string `json:"type"`
	Bind      string `json:"bind"`
	Section   string `json:"section"`
}

func newSymbolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "symbols <file>",
		Short: "List symbol table entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			funcs, _ := cmd.Flags().GetBool("funcs")

			im, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer im.Close()

			syms, err := im.Symbols()
			if err != nil {
				return err
			}
			var rows []symbolJSON
			for _, s := range syms {
				if funcs && (s.Type != elf.STT_FUNC || !s.Defined()) {
					continue
				}
				row := symbolJSON{
					Name:    s.Name,
					Value:   s.Value,
					Size:    s.Size,
					Type:    s.Type.String(),
					Bind:    s.Bind.String(),
					Section: s.Shndx.String(),
				}
				if s.Demangled != s.Name {
					row.Demangled = s.Demangled
				}
				rows = append(rows, row)
			}
			if a.json() {
				return a.writeJSON(rows)
			}

			table := newTable(a.out, "Value", "Size", "Type", "Bind", "Name")
			for _, r := range rows {
				name := r.Name
				if r.Demangled != "" {
					name = r.Demangled
				}
				table.Append([]string{hexAddr(r.Value), strconv.FormatUint(r.Size, 10), r.Type, r.Bind, name})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().Bool("funcs", false, "Only list defined functions")
	return cmd
}
