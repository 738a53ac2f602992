package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/vtrace/internal/config"
	"firestige.xyz/vtrace/internal/core"
	"firestige.xyz/vtrace/internal/feed"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without reading any capture.

VTRACE_* environment overrides are applied as they would be by analyze.

Examples:
  vtrace validate -f vtrace.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(validateConfigFile, cmd.OutOrStdout()); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

var validateConfigFile string

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "file", "f", "",
		"configuration file to validate (required)")
	validateCmd.MarkFlagRequired("file")
}

func runValidate(path string, out io.Writer) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to read file %s: %w", path, err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if _, err := feed.ParseBPF(cfg.Capture.BPF); err != nil {
		return fmt.Errorf("%w: capture.bpf: %w", core.ErrConfigInvalid, err)
	}

	fmt.Fprintf(out, "VALID: %s (startup delay %s, near-stall window %s, %d local network(s), output %s)\n",
		path,
		cfg.Analysis.StartupDelay,
		cfg.Analysis.NearStallWindow,
		len(cfg.Capture.LocalNetworks),
		cfg.Output.Format,
	)
	return nil
}
