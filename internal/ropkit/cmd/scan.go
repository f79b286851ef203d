package cmd

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ropkit/internal/ropkit/styles"
)

type scanJSON struct {
	Name         string `json:"name"`
	Demangled    string `json:"demangled,omitempty"`
	Addr         uint64 `json:"addr"`
	Size         uint64 `json:"size"`
	Instructions int    `json:"instructions"`
	Fingerprint  string `json:"fingerprint,omitempty"`
	Error        string `json:"error,omitempty"`
}

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan <file>",
		Short: "Decode every function of an image",
		Long: `Decode every defined function symbol into a chain, in parallel, and report
the result per function. Functions that fail to decode are listed with the
error rather than failing the scan.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			failed, _ := cmd.Flags().GetBool("failed")

			im, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer im.Close()
			dec, err := a.decoder(im)
			if err != nil {
				return err
			}
			s, err := a.scanner(im, dec)
			if err != nil {
				return err
			}
			results, err := s.Functions(cmd.Context())
			if err != nil {
				return err
			}

			var rows []scanJSON
			var insts, errs int
			for _, r := range results {
				row := scanJSON{Name: r.Name, Addr: r.Addr, Size: r.Size}
				if r.Demangled != r.Name {
					row.Demangled = r.Demangled
				}
				if r.Err != nil {
					row.Error = r.Err.Error()
					errs++
				} else {
					ix := r.Chain.InstructionMap()
					row.Instructions = ix.Len()
					row.Fingerprint = fmt.Sprintf("%016x", ix.Fingerprint())
					insts += ix.Len()
				}
				if failed && row.Error == "" {
					continue
				}
				rows = append(rows, row)
			}
			a.log.Debug("scan finished", "functions", len(results), "failed", errs, "instructions", insts)
			if a.json() {
				return a.writeJSON(rows)
			}

			color := a.color()
			table := newTable(a.out, "Addr", "Function", "Size", "Insts", "Fingerprint", "Status")
			for _, r := range rows {
				name, status := r.Name, "ok"
				if r.Demangled != "" {
					name = r.Demangled
				}
				if color {
					name = styles.NameStyle.Render(name)
				}
				if r.Error != "" {
					status = r.Error
					if color {
						status = styles.ErrorStyle.Render(status)
					}
				}
				table.Append([]string{hexAddr(r.Addr), name, humanize.IBytes(r.Size),
					strconv.Itoa(r.Instructions), r.Fingerprint, status})
			}
			table.SetFooter([]string{"", fmt.Sprintf("%d functions", len(results)), "",
				humanize.Comma(int64(insts)), "", fmt.Sprintf("%d failed", errs)})
			table.Render()
			return nil
		},
	}
	cmd.Flags().Bool("failed", false, "Only list functions that failed to decode")
	return cmd
}
