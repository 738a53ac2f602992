// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"firestige.xyz/vtrace/internal/config"
)

// Version is set at build time with -ldflags "-X firestige.xyz/vtrace/cmd.Version=...".
var Version = "0.1.0"

var (
	// Global flags
	configFile string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vtrace",
	Short: "vtrace - Video session reconstruction from packet captures",
	Long: `vtrace reconstructs adaptive video sessions from pcap and pcapng captures.

It reassembles TCP sessions, recovers HTTP requests and responses, parses
DASH and Smooth Streaming manifests, maps segment downloads to the manifest
and replays them through a playback buffer model to find stalls.

Logs go to stderr; the summary goes to stdout or the configured output file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults and VTRACE_* environment when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level override: debug, info, warn, error")

	// Add subcommands
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the config file with the given flags bound over it.
// Only flags set on the command line take precedence over the file.
func loadConfig(path string, flags *pflag.FlagSet, bindings map[string]string) (*config.Config, error) {
	return config.LoadWith(path, func(v *viper.Viper) {
		for key, name := range bindings {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			_ = v.BindPFlag(config.Key(key), f)
		}
	})
}
