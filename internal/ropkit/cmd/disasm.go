package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"ropkit/internal/chain"
	"ropkit/internal/chunk"
	"ropkit/internal/disasm"
	"ropkit/internal/ropkit/styles"
)

type instJSON struct {
	Addr uint64 `json:"addr"`
	Hex  string `json:"hex"`
	Op   string `json:"op"`
	Text string `json:"text"`
}

type chainJSON struct {
	Name         string     `json:"name,omitempty"`
	Addr         uint64     `json:"addr"`
	Size         uint64     `json:"size"`
	Fingerprint  string     `json:"fingerprint"`
	Instructions []instJSON `json:"instructions"`
}

func indexJSON(name string, ix *chain.Index) chainJSON {
	span := ix.Span()
	return chainJSON{
		Name:        name,
		Addr:        span.Off,
		Size:        span.Len,
		Fingerprint: fmt.Sprintf("%016x", ix.Fingerprint()),
		Instructions: lo.Map(ix.Entries(), func(e chain.Entry, _ int) instJSON {
			return instJSON{Addr: e.Addr, Hex: fmt.Sprintf("%x", e.Inst.Raw), Op: e.Inst.Op, Text: e.Inst.Text}
		}),
	}
}

func stream(ix *chain.Index) disasm.Stream {
	return lo.Map(ix.Entries(), func(e chain.Entry, _ int) disasm.Inst { return *e.Inst })
}

// printIndex writes ix as JSON, as chain text when raw is set, or as a listing.
func (a *app) printIndex(name string, ix *chain.Index, arch disasm.Arch, raw bool) error {
	switch {
	case a.json():
		return a.writeJSON(indexJSON(name, ix))
	case raw:
		_, err := io.WriteString(a.out, disasm.FormatText(stream(ix)))
		return err
	default:
		_, err := io.WriteString(a.out, a.colorizer(arch).Listing(stream(ix)))
		return err
	}
}

// functionChain opens path and decodes the named function.
func (a *app) functionChain(path, name string) (chain.Chain, func(), error) {
	im, err := a.open(path)
	if err != nil {
		return nil, nil, err
	}
	dec, err := a.decoder(im)
	if err != nil {
		im.Close()
		return nil, nil, err
	}
	s, err := a.scanner(im, dec)
	if err != nil {
		im.Close()
		return nil, nil, err
	}
	ch, err := s.Chain(name)
	if err != nil {
		im.Close()
		return nil, nil, err
	}
	a.log.Debug("decoded function", "func", name, "addr", hexAddr(ch.Address()), "insts", len(ch.Instructions()))
	return ch, func() { ch.Close(); im.Close() }, nil
}

func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return v, nil
}

func newDisasmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disasm <file> <function>",
		Short: "Decode a function into a chain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			raw, _ := cmd.Flags().GetBool("raw")

			ch, done, err := a.functionChain(args[0], args[1])
			if err != nil {
				return err
			}
			defer done()
			return a.printIndex(args[1], ch.InstructionMap(), ch.Decoder().Arch(), raw)
		},
	}
	cmd.Flags().Bool("raw", false, "Print the chain text form")
	return cmd
}

func newTextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "text [file|-]",
		Short: "Rebuild a chain from its text form",
		Long: `Parse chain text (one "<hex>\t<assembly>" line per instruction) read from
a file or standard input, check it against the decoder and print the chain.`,
		Example: `
# Round-trip a decoded function
ropkit disasm --raw ./a.out main | ropkit text --arch amd64 --at 0x401000
  `,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			at, _ := cmd.Flags().GetString("at")
			raw, _ := cmd.Flags().GetBool("raw")

			addr, err := parseAddr(at)
			if err != nil {
				return err
			}
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			text, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read chain text: %w", err)
			}

			dec, err := a.decoder(nil)
			if err != nil {
				return err
			}
			ch, err := chain.FromText(dec, addr, string(text))
			if err != nil {
				return err
			}
			defer ch.Close()
			return a.printIndex("", ch.InstructionMap(), dec.Arch(), raw)
		},
	}
	cmd.Flags().String("at", "0", "Address of the first instruction")
	cmd.Flags().Bool("raw", false, "Print the chain text form")
	return cmd
}

func newWindowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "window <file> <function>",
		Short: "List the instructions of a function inside an address window",
		Long: `List the instructions whose address lies inside [from, to). An instruction
starting in the window is listed whole. Both bounds default to the function's
own extent.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			ch, done, err := a.functionChain(args[0], args[1])
			if err != nil {
				return err
			}
			defer done()

			w := ch.Span()
			from, to := w.Off, w.End()
			if s, _ := cmd.Flags().GetString("from"); s != "" {
				if from, err = parseAddr(s); err != nil {
					return err
				}
			}
			if s, _ := cmd.Flags().GetString("to"); s != "" {
				if to, err = parseAddr(s); err != nil {
					return err
				}
			}
			win := chunk.Between(from, to)
			if !win.Overlaps(w) {
				a.log.Warn("window does not overlap function", "func", args[1], "window", win, "function", w)
			}
			ix := ch.InstructionMapInRange(win)
			a.log.Debug("window", "from", hexAddr(from), "to", hexAddr(to), "insts", ix.Len())
			return a.printIndex(args[1], ix, ch.Decoder().Arch(), false)
		},
	}
	cmd.Flags().String("from", "", "Window start address")
	cmd.Flags().String("to", "", "Window end address (exclusive)")
	return cmd
}

type realignJSON struct {
	Aligned   chainJSON `json:"aligned"`
	Realigned chainJSON `json:"realigned"`
	Converges bool      `json:"converges"`
	At        uint64    `json:"at,omitempty"`
}

func newRealignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "realign <file> <function>",
		Short: "Decode a function from an offset and show where it rejoins",
		Long: `Decode the function again starting --skip bytes in. Starting inside an
instruction exposes the unintended instructions hidden in its encoding; the
report shows where the two decodes converge, if they do.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			skip, _ := cmd.Flags().GetInt("skip")

			ch, done, err := a.functionChain(args[0], args[1])
			if err != nil {
				return err
			}
			defer done()

			re, err := chain.Realign(ch, skip)
			if err != nil {
				return err
			}
			defer re.Close()

			aligned, realigned := ch.InstructionMap(), re.InstructionMap()
			at, ok := realigned.ConvergesWith(aligned)
			if a.json() {
				return a.writeJSON(realignJSON{
					Aligned:   indexJSON(args[1], aligned),
					Realigned: indexJSON(fmt.Sprintf("%s+%d", args[1], skip), realigned),
					Converges: ok,
					At:        at,
				})
			}

			c := a.colorizer(ch.Decoder().Arch())
			header := fmt.Sprintf("%s+%d:", args[1], skip)
			if c.Enabled() {
				header = styles.HeaderStyle.Render(header)
			}
			fmt.Fprintln(a.out, header)
			io.WriteString(a.out, c.Listing(stream(realigned)))
			if ok {
				fmt.Fprintf(a.out, "converges at %#x\n", at)
			} else {
				fmt.Fprintln(a.out, "does not converge")
			}
			return nil
		},
	}
	cmd.Flags().Int("skip", 1, "Bytes to skip before decoding")
	return cmd
}
