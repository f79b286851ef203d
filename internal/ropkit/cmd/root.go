package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"ropkit/internal/config"
	"ropkit/internal/disasm"
	"ropkit/internal/elfx"
	"ropkit/internal/logging"
	"ropkit/internal/scan"
	"ropkit/internal/ui/colorize"
)

// app is the per-invocation state shared by every subcommand.
type app struct {
	cfg config.Config
	log *log.Logger
	out io.Writer
}

func appFrom(cmd *cobra.Command) *app {
	a, _ := cmd.Context().Value(appKey{}).(*app)
	if a == nil {
		a = &app{cfg: config.Default(), log: logging.Discard(), out: cmd.OutOrStdout()}
	}
	return a
}

type appKey struct{}

// NewRootCmd builds the ropkit command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ropkit",
		Short: "Decode and index machine code chains from ELF images",
		Long: `ropkit parses ELF images, decodes functions into instruction chains
anchored at their virtual address, and queries address-indexed views of them.`,
		Example: `
# Summarise an image
ropkit info /path/to/binary

# Decode a function
ropkit disasm /path/to/binary main

# Decode main one byte in and find where it meets the aligned decode
ropkit realign /path/to/binary main --skip 1
  `,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug, _ = cmd.Flags().GetBool("debug")
			}
			if cmd.Flags().Changed("no-color") {
				cfg.NoColor, _ = cmd.Flags().GetBool("no-color")
			}
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				cfg.Format = config.FormatJSON
			}
			if arch, _ := cmd.Flags().GetString("arch"); arch != "" {
				cfg.Arch = arch
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			lg := logging.Setup(cfg.Debug)
			slog.Debug("configuration loaded", "config", path, "arch", cfg.Arch, "format", cfg.Format)

			a := &app{cfg: cfg, log: lg, out: cmd.OutOrStdout()}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
			return nil
		},
	}

	root.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	root.PersistentFlags().BoolP("debug", "d", false, "Debug")
	root.PersistentFlags().String("arch", "", "Decoder architecture (default: from the ELF header)")
	root.PersistentFlags().Bool("no-color", false, "Disable colored output")
	root.PersistentFlags().BoolP("json", "j", false, "Output results as JSON")

	root.AddCommand(
		newInfoCmd(),
		newSectionsCmd(),
		newSegmentsCmd(),
		newSymbolsCmd(),
		newDisasmCmd(),
		newTextCmd(),
		newWindowCmd(),
		newRealignCmd(),
		newScanCmd(),
		newSchemaCmd(),
	)
	return root
}

// Execute runs the CLI. fang is used on a terminal; piped output goes
// straight through cobra to keep it free of decoration.
func Execute() {
	root := NewRootCmd()
	ctx := context.Background()

	if !term.IsTerminal(os.Stdout.Fd()) {
		if err := root.ExecuteContext(ctx); err != nil {
			os.Exit(1)
		}
		return
	}
	if err := fang.Execute(ctx, root, fang.WithNotifySignal(os.Interrupt)); err != nil {
		os.Exit(1)
	}
}

func (a *app) json() bool { return a.cfg.Format == config.FormatJSON }

func (a *app) writeJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	return nil
}

// color reports whether output should carry ANSI colors.
func (a *app) color() bool {
	if a.cfg.NoColor || a.json() {
		return false
	}
	f, ok := a.out.(*os.File)
	return ok && term.IsTerminal(f.Fd())
}

func (a *app) open(path string) (*elfx.Image, error) {
	im, err := elfx.Open(path)
	if err != nil {
		return nil, err
	}
	a.log.Debug("opened image", "path", path, "class", im.Class, "machine", im.Machine, "sections", len(im.Sections()))
	return im, nil
}

// decoder picks the configured architecture, or the image's own.
func (a *app) decoder(im *elfx.Image) (disasm.Decoder, error) {
	arch := disasm.Arch(a.cfg.Arch)
	if arch != disasm.ArchUnknown {
		return disasm.New(arch)
	}
	if im == nil {
		return nil, fmt.Errorf("no architecture given; pass --arch")
	}
	if arch = im.Arch(); arch == disasm.ArchUnknown {
		return nil, fmt.Errorf("cannot decode machine %s; pass --arch", im.Machine)
	}
	return disasm.New(arch)
}

func (a *app) colorizer(arch disasm.Arch) *colorize.Colorizer {
	return colorize.New(arch, a.color())
}

func (a *app) scanner(im *elfx.Image, dec disasm.Decoder) (*scan.Scanner, error) {
	return scan.New(im, dec, scan.Options{
		Workers:   a.cfg.Workers,
		CacheSize: a.cfg.CacheSize,
		Logger:    a.log,
	})
}
