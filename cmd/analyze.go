package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/vtrace/internal/config"
	"firestige.xyz/vtrace/internal/core"
	"firestige.xyz/vtrace/internal/feed"
	"firestige.xyz/vtrace/internal/log"
	"firestige.xyz/vtrace/internal/metrics"
	"firestige.xyz/vtrace/internal/pipeline"
	"firestige.xyz/vtrace/internal/report"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <capture>",
	Short: "Reconstruct video sessions from a capture file",
	Long: `Read a pcap or pcapng capture, reconstruct its video sessions and print
a summary of every stream: segments, startup delay, stalls and buffer level.

Examples:
  vtrace analyze trace.pcap
  vtrace analyze trace.pcapng -o json --startup-delay 1s
  vtrace analyze trace.pcap --local-net 192.168.1.0/24 --port 80 --port 8080
  vtrace analyze trace.pcap -c vtrace.yml --metrics-textfile run.prom`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configFile, cmd.Flags(), analyzeBindings)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runAnalyze(ctx, cfg, args[0], analyzeSessions, cmd.OutOrStdout())
	},
}

var analyzeSessions bool

// analyzeBindings maps config keys to the analyze flags overriding them.
var analyzeBindings = map[string]string{
	"log.level":                  "log-level",
	"output.format":              "format",
	"output.path":                "output",
	"capture.local_networks":     "local-net",
	"capture.ports":              "port",
	"capture.bpf":                "bpf",
	"analysis.startup_delay":     "startup-delay",
	"analysis.near_stall_window": "near-stall-window",
	"analysis.expected_segments": "expected-segments",
	"analysis.max_workers":       "workers",
	"analysis.keep_buffers":      "keep-buffers",
	"metrics.textfile":           "metrics-textfile",
	"metrics.listen":             "metrics-listen",
}

func init() {
	f := analyzeCmd.Flags()
	f.StringP("format", "o", config.FormatText, "output format: text, yaml, json")
	f.String("output", "", "write the summary to this file instead of stdout")
	f.StringSlice("local-net", nil, "device address ranges (CIDR), repeatable")
	f.IntSlice("port", nil, "keep only traffic on these ports, repeatable")
	f.String("bpf", "", "compiled BPF program (tcpdump -ddd output) applied to every frame")
	f.Duration("startup-delay", 2*time.Second, "playback starts this long after the first segment arrives")
	f.Duration("near-stall-window", time.Second, "arrivals with less buffer than this count as near stalls")
	f.Int("expected-segments", 0, "segments the video should have (0 = from manifest)")
	f.Int("workers", 0, "sessions processed concurrently (0 = GOMAXPROCS)")
	f.Bool("keep-buffers", false, "include buffer level series in the output")
	f.String("metrics-textfile", "", "write Prometheus metrics of the run to this file")
	f.String("metrics-listen", "", "serve Prometheus metrics on this address until interrupted")
	f.BoolVar(&analyzeSessions, "sessions", false, "list reassembled sessions in the output")
}

// runAnalyze runs the whole reconstruction for one capture and writes the
// summary to out, or to the configured output file.
func runAnalyze(ctx context.Context, cfg *config.Config, path string, withSessions bool, out io.Writer) error {
	logger, err := log.Init(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	filter, err := feed.ParseBPF(cfg.Capture.BPF)
	if err != nil {
		return fmt.Errorf("%w: capture.bpf: %w", core.ErrConfigInvalid, err)
	}

	m := metrics.New(cfg.Metrics.Runtime)

	packets, trace, err := feed.Open(path, feed.Options{
		LocalNetworks:   cfg.Capture.LocalNetworks,
		Ports:           cfg.Capture.Ports,
		FragmentTimeout: cfg.Capture.FragmentTimeout,
		Filter:          filter,
		Logger:          logger.With("path", path),
	})
	if err != nil {
		return err
	}

	p := pipeline.NewBuilder().
		FromConfig(&cfg.Analysis).
		WithLogger(logger).
		WithMetrics(m).
		Build()
	res, err := p.Run(ctx, packets, trace)
	if err != nil {
		return err
	}

	summary := report.New(res, withSessions)
	if cfg.Output.Path != "" {
		err = report.WriteFile(cfg.Output.Path, cfg.Output.Format, summary)
	} else {
		err = report.Write(out, cfg.Output.Format, summary)
	}
	if err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	if !cfg.Metrics.Enabled {
		return nil
	}
	if cfg.Metrics.Textfile == "" && cfg.Metrics.Listen == "" {
		logger.Warn("metrics enabled without textfile or listen address")
	}
	if cfg.Metrics.Textfile != "" {
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			return err
		}
		logger.Info("metrics written", "path", cfg.Metrics.Textfile)
	}
	if cfg.Metrics.Listen != "" {
		return serveMetrics(ctx, cfg.Metrics, m, logger)
	}
	return nil
}

// serveMetrics exposes the run's registry until ctx is cancelled.
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, m *metrics.Metrics, logger *slog.Logger) error {
	srv := metrics.NewServer(cfg.Listen, cfg.Path, m.Registry, logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	logger.Info("serving metrics until interrupted", "addr", srv.Addr(), "path", cfg.Path)
	<-ctx.Done()
	return srv.Stop(context.Background())
}
